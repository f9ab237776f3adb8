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
)

var objectsValues bool

var objectsCmd = &cobra.Command{
	Use:   "objects",
	Short: "Enumerate a device's objects and properties",
	Long: `Objects walks the device object list and prints each object's name,
description and (optionally) current value.

Examples:
  bacnetctl objects -d 666
  bacnetctl objects -d 666 --values`,

	RunE: runObjects,
}

func init() {
	objectsCmd.Flags().BoolVar(&objectsValues, "values", true, "Read current values during enumeration")
}

func runObjects(cmd *cobra.Command, args []string) error {
	client, node, cleanup, err := connectTarget()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := client.EnumerateProperties(ctx, node, objectsValues); err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}

	fmt.Printf("\nDevice %d at %s — %d object(s)\n\n", node.DeviceID, node.Address.String(), len(node.Properties))
	fmt.Printf("%-10s %-24s %-24s %-12s %s\n", "POINT", "OBJECT", "NAME", "TYPE", "VALUE")
	fmt.Println("---------- ------------------------ ------------------------ ------------ --------------------")
	for _, prop := range node.Properties {
		point := fmt.Sprintf("%d_%d", prop.ObjectID.Instance, uint16(prop.ObjectID.Type))
		fmt.Printf("%-10s %-24s %-24s %-12s %v\n",
			point,
			prop.ObjectID.String(),
			prop.Name,
			prop.RuntimeTag.String(),
			prop.Value,
		)
	}
	return nil
}
