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
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet"
)

var (
	serveDeviceID uint32
	serveAddress  string
	serveStorage  string
	serveDemo     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a BACnet device server",
	Long: `Serve answers Who-Is, ReadProperty, ReadPropertyMultiple and
WriteProperty against an in-memory object database, optionally loaded
from an XML storage file.

Examples:
  # Serve a demo device with a few analog values
  bacnetctl serve --server-device 666 --demo

  # Serve objects from an XML database
  bacnetctl serve --server-device 666 --storage device.xml`,

	RunE: runServe,
}

func init() {
	serveCmd.Flags().Uint32Var(&serveDeviceID, "server-device", 1, "Served device instance ID")
	serveCmd.Flags().StringVar(&serveAddress, "listen", ":47808", "Listen address")
	serveCmd.Flags().StringVar(&serveStorage, "storage", "", "XML storage file to load")
	serveCmd.Flags().BoolVar(&serveDemo, "demo", false, "Populate a few demo analog values")
}

func runServe(cmd *cobra.Command, args []string) error {
	opts := []bacnet.ServerOption{
		bacnet.WithServerDeviceID(serveDeviceID),
		bacnet.WithServerAddress(serveAddress),
		bacnet.WithServerLogger(logger),
	}
	if serveStorage != "" {
		opts = append(opts, bacnet.WithStorageFile(serveStorage))
	}

	server, err := bacnet.NewServer(nil, opts...)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if serveDemo {
		storage := server.Storage()
		storage.AddObject(bacnet.NewAnalogObject(bacnet.ObjectTypeAnalogValue, 0, "demo-setpoint", 21.5))
		storage.AddObject(bacnet.NewAnalogObject(bacnet.ObjectTypeAnalogValue, 1, "demo-flow", 0))
		storage.AddObject(bacnet.NewAnalogObject(bacnet.ObjectTypeAnalogInput, 0, "demo-temperature", 19.25))
	}

	ctx := context.Background()
	if err := server.Open(ctx); err != nil {
		return fmt.Errorf("open server: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Serving device %d on %s (ctrl-c to stop)\n", server.DeviceID(), server.LocalAddr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	snap := server.Metrics().Snapshot()
	fmt.Fprintf(os.Stderr, "Served %d request(s), %d reject(s), uptime %s\n",
		snap.RequestsServed, snap.RejectsSent, snap.Uptime.Round(time.Second))

	if serveStorage != "" {
		if err := server.Save(serveStorage); err != nil {
			fmt.Fprintln(os.Stderr, "save storage:", err)
		}
	}
	return server.Close()
}
