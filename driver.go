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

package bacnet

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// DriverParameter describes one target device for the driver surface.
type DriverParameter struct {
	// Address optionally pins the device endpoint ("10.0.0.7" or
	// "10.0.0.7:47808"); empty relies on broadcast discovery.
	Address string
	Port    uint16
	DeviceID uint32
}

// Key is the canonical pooling key: the device id in decimal.
func (p DriverParameter) Key() string {
	return strconv.FormatUint(uint64(p.DeviceID), 10)
}

// DriverNode is an opened device handle.
type DriverNode struct {
	param  DriverParameter
	client *Client
	node   *BacNode
}

// DeviceID returns the handle's device instance.
func (n *DriverNode) DeviceID() uint32 { return n.param.DeviceID }

// Node exposes the discovered node behind the handle.
func (n *DriverNode) Node() *BacNode { return n.node }

// Driver is the Open/Close/Read/Write adapter consumed by the IoT layer.
// Clients pool per device id, so two opens of the same device share one
// transport.
type Driver struct {
	mu      sync.Mutex
	clients map[string]*driverEntry
	opts    []Option
}

type driverEntry struct {
	client *Client
	refs   int
}

// NewDriver creates a driver; opts apply to every pooled client.
func NewDriver(opts ...Option) *Driver {
	return &Driver{
		clients: make(map[string]*driverEntry),
		opts:    opts,
	}
}

// Open connects to one device and resolves its node, discovering it by
// broadcast when no address is pinned.
func (d *Driver) Open(ctx context.Context, param DriverParameter) (*DriverNode, error) {
	if param.Port == 0 {
		param.Port = DefaultPort
	}

	client, err := d.acquire(ctx, param)
	if err != nil {
		return nil, err
	}

	node, err := d.resolve(ctx, client, param)
	if err != nil {
		d.release(param)
		return nil, err
	}
	return &DriverNode{param: param, client: client, node: node}, nil
}

func (d *Driver) acquire(ctx context.Context, param DriverParameter) (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if entry, ok := d.clients[param.Key()]; ok {
		entry.refs++
		return entry.client, nil
	}

	opts := append([]Option{
		WithTargetDeviceID(param.DeviceID),
		WithEnumerateOnIAm(false),
	}, d.opts...)
	client, err := NewClient(opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Open(ctx); err != nil {
		return nil, err
	}
	d.clients[param.Key()] = &driverEntry{client: client, refs: 1}
	return client, nil
}

func (d *Driver) release(param DriverParameter) {
	d.mu.Lock()
	defer d.mu.Unlock()
	entry, ok := d.clients[param.Key()]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs <= 0 {
		_ = entry.client.Close()
		delete(d.clients, param.Key())
	}
}

// resolve finds the device node, preferring a pinned address.
func (d *Driver) resolve(ctx context.Context, client *Client, param DriverParameter) (*BacNode, error) {
	if param.Address != "" {
		host := param.Address
		if _, _, err := net.SplitHostPort(host); err != nil {
			host = fmt.Sprintf("%s:%d", host, param.Port)
		}
		ua, err := net.ResolveUDPAddr("udp4", host)
		if err != nil {
			return nil, fmt.Errorf("resolve device address: %w", err)
		}
		return &BacNode{DeviceID: param.DeviceID, Address: AddressFromUDP(ua)}, nil
	}

	if node, ok := client.GetNode(param.DeviceID); ok {
		return node, nil
	}
	if err := client.WhoIs(ctx, int32(param.DeviceID), int32(param.DeviceID)); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(client.opts.waitingTime)
	for time.Now().Before(deadline) {
		if node, ok := client.GetNode(param.DeviceID); ok {
			return node, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, ErrDeviceNotFound
}

// Close releases the handle and its pooled client reference.
func (d *Driver) Close(node *DriverNode) error {
	if node == nil {
		return nil
	}
	d.release(node.param)
	return nil
}

// Read reads named points: the map binds application names to point
// strings ("supply-temp" -> "3_0"). The result is keyed by name.
func (d *Driver) Read(ctx context.Context, node *DriverNode, points map[string]string) (map[string]TaggedValue, error) {
	objects := make([]any, 0, len(points))
	for _, point := range points {
		objects = append(objects, point)
	}
	byPoint, err := node.client.ReadProperties(ctx, node.node.Address, objects)
	if err != nil {
		return nil, err
	}
	out := make(map[string]TaggedValue, len(points))
	for name, point := range points {
		oid, err := ParsePoint(point)
		if err != nil {
			return nil, err
		}
		if v, ok := byPoint[FormatPoint(oid)]; ok {
			out[name] = v
		}
	}
	return out, nil
}

// Write writes one point, given in point form ("0_2"); unlike Read it takes
// no name binding, so an application name is not resolved.
func (d *Driver) Write(ctx context.Context, node *DriverNode, point string, value TaggedValue) error {
	return node.client.WriteProperty(ctx, node.node.Address, point, value)
}
