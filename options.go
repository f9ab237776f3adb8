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
	"log/slog"
	"time"
)

// clientOptions holds configuration for the BACnet client.
type clientOptions struct {
	localAddress string

	// per-attempt wait and verbatim retransmit count
	timeout time.Duration
	retries int

	// APDU negotiation
	maxAPDULength uint16
	segmentWindow uint8
	maxSegments   uint8

	// discovery
	targetDeviceID uint32
	waitingTime    time.Duration
	whoIsInterval  time.Duration
	enumerateOnIAm bool
	batchSize      int

	vendorID uint16

	logger *slog.Logger
}

// defaultOptions returns the default client options.
func defaultOptions() *clientOptions {
	return &clientOptions{
		localAddress:   ":0",
		timeout:        1 * time.Second,
		retries:        3,
		maxAPDULength:  MaxAPDULength,
		segmentWindow:  10,
		maxSegments:    64,
		waitingTime:    3 * time.Second,
		whoIsInterval:  60 * time.Second,
		enumerateOnIAm: true,
		batchSize:      20,
		vendorID:       260,
		logger:         slog.Default(),
	}
}

// Option is a functional option for configuring the client.
type Option func(*clientOptions)

// WithLocalAddress sets the local address to bind to (e.g. ":47808").
func WithLocalAddress(addr string) Option {
	return func(o *clientOptions) {
		o.localAddress = addr
	}
}

// WithTimeout sets the per-attempt request timeout.
func WithTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.timeout = d
	}
}

// WithRetries sets the number of verbatim retransmissions after the first
// attempt times out.
func WithRetries(n int) Option {
	return func(o *clientOptions) {
		o.retries = n
	}
}

// WithMaxAPDULength sets this side's APDU cap.
func WithMaxAPDULength(length uint16) Option {
	return func(o *clientOptions) {
		o.maxAPDULength = length
	}
}

// WithSegmentWindow sets the proposed window size for segmentation.
func WithSegmentWindow(size uint8) Option {
	return func(o *clientOptions) {
		if size >= 1 {
			o.segmentWindow = size
		}
	}
}

// WithMaxSegments caps the number of segments per request.
func WithMaxSegments(n uint8) Option {
	return func(o *clientOptions) {
		o.maxSegments = n
	}
}

// WithTargetDeviceID restricts discovery to a single device id; I-Am
// frames from other devices are ignored.
func WithTargetDeviceID(id uint32) Option {
	return func(o *clientOptions) {
		o.targetDeviceID = id
	}
}

// WithWaitingTime sets how long Scan blocks for the first I-Am.
func WithWaitingTime(d time.Duration) Option {
	return func(o *clientOptions) {
		o.waitingTime = d
	}
}

// WithWhoIsInterval sets the periodic discovery refresh. Zero disables it.
func WithWhoIsInterval(d time.Duration) Option {
	return func(o *clientOptions) {
		o.whoIsInterval = d
	}
}

// WithEnumerateOnIAm controls whether newly discovered nodes get their
// properties enumerated in the background.
func WithEnumerateOnIAm(enable bool) Option {
	return func(o *clientOptions) {
		o.enumerateOnIAm = enable
	}
}

// WithBatchSize sets the ReadPropertyMultiple group size used by property
// enumeration.
func WithBatchSize(n int) Option {
	return func(o *clientOptions) {
		if n >= 1 {
			o.batchSize = n
		}
	}
}

// WithVendorID sets the vendor identifier announced in I-Am.
func WithVendorID(id uint16) Option {
	return func(o *clientOptions) {
		o.vendorID = id
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// ReadOptions holds configuration for read operations.
type ReadOptions struct {
	Property   PropertyIdentifier
	ArrayIndex uint32
}

// ReadOption is a functional option for read operations.
type ReadOption func(*ReadOptions)

// WithProperty reads a property other than present-value.
func WithProperty(id PropertyIdentifier) ReadOption {
	return func(o *ReadOptions) {
		o.Property = id
	}
}

// WithArrayIndex selects a single array element (1-based; 0 reads the
// element count).
func WithArrayIndex(index uint32) ReadOption {
	return func(o *ReadOptions) {
		o.ArrayIndex = index
	}
}

// WriteOptions holds configuration for write operations.
type WriteOptions struct {
	Property   PropertyIdentifier
	ArrayIndex uint32
	Priority   uint8
}

// WriteOption is a functional option for write operations.
type WriteOption func(*WriteOptions)

// WithWriteProperty writes a property other than present-value.
func WithWriteProperty(id PropertyIdentifier) WriteOption {
	return func(o *WriteOptions) {
		o.Property = id
	}
}

// WithWriteArrayIndex writes a single array element.
func WithWriteArrayIndex(index uint32) WriteOption {
	return func(o *WriteOptions) {
		o.ArrayIndex = index
	}
}

// WithPriority sets the command priority (1-16, 1 highest).
func WithPriority(priority uint8) WriteOption {
	return func(o *WriteOptions) {
		if priority >= 1 && priority <= 16 {
			o.Priority = priority
		}
	}
}

// SubscribeOptions holds configuration for COV subscriptions.
type SubscribeOptions struct {
	Lifetime  uint32
	Confirmed bool
}

// SubscribeOption is a functional option for COV subscriptions.
type SubscribeOption func(*SubscribeOptions)

// WithSubscriptionLifetime sets the subscription lifetime in seconds.
func WithSubscriptionLifetime(seconds uint32) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Lifetime = seconds
	}
}

// WithConfirmedNotifications requests confirmed COV notifications.
func WithConfirmedNotifications(confirmed bool) SubscribeOption {
	return func(o *SubscribeOptions) {
		o.Confirmed = confirmed
	}
}

// serverOptions holds configuration for the BACnet server.
type serverOptions struct {
	deviceID     uint32
	localAddress string
	storageFile  string
	vendorID     uint16

	// object types whose present-value accepts network writes
	writableTypes map[ObjectType]bool

	logger *slog.Logger
}

func defaultServerOptions() *serverOptions {
	return &serverOptions{
		deviceID:     1,
		localAddress: ":47808",
		vendorID:     260,
		writableTypes: map[ObjectType]bool{
			ObjectTypeAnalogValue: true,
		},
		logger: slog.Default(),
	}
}

// ServerOption is a functional option for configuring the server.
type ServerOption func(*serverOptions)

// WithServerDeviceID sets the served device instance.
func WithServerDeviceID(id uint32) ServerOption {
	return func(o *serverOptions) {
		o.deviceID = id
	}
}

// WithServerAddress sets the server bind address (default ":47808").
func WithServerAddress(addr string) ServerOption {
	return func(o *serverOptions) {
		o.localAddress = addr
	}
}

// WithStorageFile loads the object database from an XML file on Open.
func WithStorageFile(path string) ServerOption {
	return func(o *serverOptions) {
		o.storageFile = path
	}
}

// WithServerVendorID sets the vendor identifier announced in I-Am.
func WithServerVendorID(id uint16) ServerOption {
	return func(o *serverOptions) {
		o.vendorID = id
	}
}

// WithWritableType allows network writes to present-value of the given
// object type (analog-value is allowed by default).
func WithWritableType(t ObjectType) ServerOption {
	return func(o *serverOptions) {
		o.writableTypes[t] = true
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(o *serverOptions) {
		o.logger = logger
	}
}
