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
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet"
)

var readProperty string

var readCmd = &cobra.Command{
	Use:   "read <point>...",
	Short: "Read properties from BACnet objects",
	Long: `Read fetches property values. Points use the "<instance>_<type>"
form; a missing type suffix defaults to analog-input.

Examples:
  # Read present value of analog-value 0
  bacnetctl read -d 666 0_2

  # Read several points in one exchange
  bacnetctl read -d 666 0_2 2_2 5_0

  # Read another property
  bacnetctl read -d 666 0_2 --property object-name`,

	Args: cobra.MinimumNArgs(1),
	RunE: runRead,
}

func init() {
	readCmd.Flags().StringVarP(&readProperty, "property", "P", "present-value", "Property identifier")
}

func runRead(cmd *cobra.Command, args []string) error {
	client, node, cleanup, err := connectTarget()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Duration(retries+2))
	defer cancel()

	propID, ok := bacnet.ParsePropertyIdentifier(readProperty)
	if !ok {
		return fmt.Errorf("invalid property: %q", readProperty)
	}

	if len(args) > 1 && propID == bacnet.PropertyPresentValue {
		objects := make([]any, 0, len(args))
		for _, point := range args {
			objects = append(objects, point)
		}
		values, err := client.ReadProperties(ctx, node.Address, objects)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		for _, point := range args {
			oid, err := bacnet.ParsePoint(point)
			if err != nil {
				return err
			}
			fmt.Printf("%-10s %-24s %v\n", point, oid.String(), values[bacnet.FormatPoint(oid)])
		}
		return nil
	}

	for _, point := range args {
		value, err := client.ReadProperty(ctx, node.Address, point, bacnet.WithProperty(propID))
		if err != nil {
			return fmt.Errorf("read %s: %w", point, err)
		}
		fmt.Printf("%-10s %v\n", point, value)
	}
	return nil
}
