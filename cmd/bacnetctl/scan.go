// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	scanTimeout   time.Duration
	scanLowLimit  int32
	scanHighLimit int32
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BACnet devices on the network",
	Long: `Scan discovers BACnet devices by sending Who-Is broadcast requests.

Examples:
  # Discover all devices
  bacnetctl scan

  # Discover devices with instance IDs 1-100
  bacnetctl scan --low 1 --high 100

  # Discover with extended timeout
  bacnetctl scan --scan-timeout 10s`,

	RunE: runScan,
}

func init() {
	scanCmd.Flags().DurationVar(&scanTimeout, "scan-timeout", 5*time.Second, "Discovery timeout")
	scanCmd.Flags().Int32Var(&scanLowLimit, "low", -1, "Low limit for device instance range (-1 = no limit)")
	scanCmd.Flags().Int32Var(&scanHighLimit, "high", -1, "High limit for device instance range (-1 = no limit)")
}

func runScan(cmd *cobra.Command, args []string) error {
	client, err := createClient()
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+scanTimeout)
	defer cancel()

	if err := client.Open(ctx); err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer client.Close()

	fmt.Fprintln(os.Stderr, "Scanning for BACnet devices...")

	if err := client.WhoIs(ctx, scanLowLimit, scanHighLimit); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	time.Sleep(scanTimeout)

	nodes := client.Nodes()
	if len(nodes) == 0 {
		fmt.Println("No devices found")
		return nil
	}

	fmt.Printf("\n%-12s %-22s %-8s %-20s %-10s\n", "DEVICE ID", "ADDRESS", "VENDOR", "SEGMENTATION", "MAX APDU")
	fmt.Println("------------ ---------------------- -------- -------------------- ----------")
	for _, node := range nodes {
		fmt.Printf("%-12d %-22s %-8d %-20s %-10d\n",
			node.DeviceID,
			node.Address.String(),
			node.VendorID,
			node.Segmentation.String(),
			node.MaxAPDU,
		)
	}
	fmt.Printf("\n%d device(s) found\n", len(nodes))
	return nil
}
