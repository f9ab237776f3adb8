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
	"net"
	"time"

	"github.com/edgeo-scada/bacnet"
)

// connectTarget opens a client and resolves the target node: a pinned
// --host wins, otherwise the device is discovered by Who-Is.
func connectTarget() (*bacnet.Client, *bacnet.BacNode, func(), error) {
	client, err := createClient()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout+5*time.Second)
	defer cancel()

	if err := client.Open(ctx); err != nil {
		return nil, nil, nil, fmt.Errorf("open: %w", err)
	}
	cleanup := func() { client.Close() }

	if host != "" {
		addr := host
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = fmt.Sprintf("%s:%d", addr, bacnet.DefaultPort)
		}
		ua, err := net.ResolveUDPAddr("udp4", addr)
		if err != nil {
			cleanup()
			return nil, nil, nil, fmt.Errorf("resolve host: %w", err)
		}
		node := &bacnet.BacNode{
			DeviceID: deviceID,
			Address:  bacnet.AddressFromUDP(ua),
		}
		return client, node, cleanup, nil
	}

	if deviceID == 0 {
		cleanup()
		return nil, nil, nil, fmt.Errorf("device ID is required (-d or --device) unless --host is set")
	}

	node, err := client.Scan(ctx)
	if err != nil {
		cleanup()
		return nil, nil, nil, fmt.Errorf("discover device %d: %w", deviceID, err)
	}
	return client, node, cleanup, nil
}
