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
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgeo-scada/bacnet"
)

var writePriority int

var writeCmd = &cobra.Command{
	Use:   "write <point> <value>",
	Short: "Write a property to a BACnet object",
	Long: `Write sets a point's present value.

Value types are automatically detected:
  - Numbers: 123, 45.67, -10
  - Booleans: true, false
  - Null: null (to release a priority slot)
  - Everything else is written as a character string

Examples:
  # Write present value of analog-value 0
  bacnetctl write -d 666 0_2 75.5

  # Write with priority
  bacnetctl write -d 666 0_2 75.5 --priority 8

  # Release a priority slot
  bacnetctl write -d 666 0_2 null --priority 8`,

	Args: cobra.ExactArgs(2),
	RunE: runWrite,
}

func init() {
	writeCmd.Flags().IntVar(&writePriority, "priority", 0, "Write priority (1-16, 0 for no priority)")
}

// parseWriteValue guesses the application tag from the literal's shape.
func parseWriteValue(s string) bacnet.TaggedValue {
	switch strings.ToLower(s) {
	case "null":
		return bacnet.NullValue()
	case "true":
		return bacnet.BooleanValue(true)
	case "false":
		return bacnet.BooleanValue(false)
	}
	if u, err := strconv.ParseUint(s, 10, 32); err == nil && !strings.Contains(s, ".") {
		return bacnet.UnsignedValue(uint32(u))
	}
	if i, err := strconv.ParseInt(s, 10, 32); err == nil && !strings.Contains(s, ".") {
		return bacnet.SignedValue(int32(i))
	}
	if f, err := strconv.ParseFloat(s, 32); err == nil {
		return bacnet.RealValue(float32(f))
	}
	return bacnet.StringValue(s)
}

func runWrite(cmd *cobra.Command, args []string) error {
	point, literal := args[0], args[1]
	value := parseWriteValue(literal)

	client, node, cleanup, err := connectTarget()
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Duration(retries+2))
	defer cancel()

	opts := []bacnet.WriteOption{}
	if writePriority > 0 {
		opts = append(opts, bacnet.WithPriority(uint8(writePriority)))
	}
	if err := client.WriteProperty(ctx, node.Address, point, value, opts...); err != nil {
		return fmt.Errorf("write %s: %w", point, err)
	}
	fmt.Printf("%s <- %v OK\n", point, value)
	return nil
}
