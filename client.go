package bacnet

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeo-scada/bacnet/internal/transport"
)

// ConnectionState represents the client connection state.
type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// BacProperty is one object learned from a discovered device. Name and
// description fill in lazily as enumeration answers arrive.
type BacProperty struct {
	ObjectID    ObjectIdentifier
	Name        string
	Description string
	Value       TaggedValue
	RuntimeTag  ApplicationTag
}

// BacNode is one discovered device. The client keeps exactly one node per
// device id from the first I-Am until Close.
type BacNode struct {
	Address      Address
	DeviceID     uint32
	MaxAPDU      uint16
	Segmentation Segmentation
	VendorID     uint16
	Properties   []*BacProperty
}

// COVHandler is called for inbound COV notifications.
type COVHandler func(notification *COVNotification)

// Client is a BACnet/IP client: discovery, confirmed request exchange and
// the high-level read/write surface. A Server embeds one as its listener.
type Client struct {
	opts      *clientOptions
	transport *transport.UDPTransport

	state    atomic.Int32
	invokeID atomic.Uint32

	// in-flight confirmed requests, keyed by invoke id
	pendingMu sync.Mutex
	pending   map[uint8]*pendingRequest

	// segment acks for our outbound complex-ack transfers
	txAckMu sync.Mutex
	txAcks  map[uint8]chan *APDU

	// inbound confirmed-request reassembly
	rxMu sync.Mutex
	rx   map[uint8]*reassembly

	// discovered devices, keyed by device id
	nodesMu sync.Mutex
	nodes   map[uint32]*BacNode
	scanCh  chan *BacNode

	covMu   sync.RWMutex
	covSubs map[uint32]COVHandler

	// server-side dispatch hooks
	onConfirmed   func(apdu *APDU, src Address, from *net.UDPAddr)
	onUnconfirmed func(apdu *APDU, src Address, from *net.UDPAddr)

	metrics *Metrics
	logger  *slog.Logger

	receiverCtx    context.Context
	receiverCancel context.CancelFunc
	receiverDone   chan struct{}
	refreshDone    chan struct{}
}

// NewClient creates a new BACnet client.
func NewClient(opts ...Option) (*Client, error) {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	c := &Client{
		opts:    options,
		pending: make(map[uint8]*pendingRequest),
		txAcks:  make(map[uint8]chan *APDU),
		rx:      make(map[uint8]*reassembly),
		nodes:   make(map[uint32]*BacNode),
		covSubs: make(map[uint32]COVHandler),
		metrics: NewMetrics(),
		logger:  options.logger,
	}

	c.transport = transport.NewUDPTransport(options.localAddress)
	c.transport.SetReadTimeout(options.timeout)
	c.transport.SetWriteTimeout(options.timeout)

	return c, nil
}

// Open binds the transport, starts the receive worker, and kicks off
// discovery with a Who-Is broadcast.
func (c *Client) Open(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(StateDisconnected), int32(StateConnecting)) {
		return ErrAlreadyConnected
	}

	if err := c.transport.Open(ctx); err != nil {
		c.state.Store(int32(StateDisconnected))
		return fmt.Errorf("open transport: %w", err)
	}

	c.receiverCtx, c.receiverCancel = context.WithCancel(context.Background())
	c.receiverDone = make(chan struct{})
	go c.receiver()

	c.state.Store(int32(StateConnected))
	c.logger.Info("bacnet client connected",
		slog.String("local_addr", c.transport.LocalAddr().String()),
	)

	if err := c.WhoIs(ctx, -1, -1); err != nil {
		c.logger.Warn("initial who-is failed", slog.String("error", err.Error()))
	}
	if c.opts.whoIsInterval > 0 {
		c.refreshDone = make(chan struct{})
		go c.refreshLoop()
	}
	return nil
}

// refreshLoop re-broadcasts Who-Is to keep the node list current.
func (c *Client) refreshLoop() {
	defer close(c.refreshDone)
	ticker := time.NewTicker(c.opts.whoIsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.receiverCtx.Done():
			return
		case <-ticker.C:
			if err := c.WhoIs(c.receiverCtx, -1, -1); err != nil {
				c.logger.Debug("who-is refresh failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops the receive worker and releases the transport. In-flight
// waits observe a connection-closed error.
func (c *Client) Close() error {
	if c.state.Load() == int32(StateDisconnected) {
		return nil
	}
	c.state.Store(int32(StateDisconnected))

	if c.receiverCancel != nil {
		c.receiverCancel()
		<-c.receiverDone
		if c.refreshDone != nil {
			<-c.refreshDone
		}
	}

	// wake waiters with a nil sentinel; closing would race a late
	// deliverResponse from a still-running packet handler
	c.pendingMu.Lock()
	for _, pend := range c.pending {
		select {
		case pend.respCh <- nil:
		default:
		}
	}
	c.pending = make(map[uint8]*pendingRequest)
	c.pendingMu.Unlock()

	if err := c.transport.Close(); err != nil {
		return fmt.Errorf("close transport: %w", err)
	}
	c.logger.Info("bacnet client disconnected")
	return nil
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

// Metrics returns the client metrics.
func (c *Client) Metrics() *Metrics {
	return c.metrics
}

// LocalAddr returns the bound transport address.
func (c *Client) LocalAddr() net.Addr {
	return c.transport.LocalAddr()
}

// WhoIs broadcasts a Who-Is. Pass low = high = -1 for an unbounded query.
func (c *Client) WhoIs(ctx context.Context, low, high int32) error {
	req := WhoIsRequest{Low: low, High: high}
	err := c.SendUnconfirmed(ctx, nil, true, ServiceWhoIs, req.Encode)
	if err == nil {
		c.metrics.WhoIsSent.Inc()
	}
	return err
}

// IAm broadcasts an I-Am announcing the given device.
func (c *Client) IAm(ctx context.Context, deviceID uint32) error {
	req := IAmRequest{
		DeviceID:     NewObjectIdentifier(ObjectTypeDevice, deviceID),
		MaxAPDU:      uint32(c.opts.maxAPDULength),
		Segmentation: SegmentationBoth,
		VendorID:     uint32(c.opts.vendorID),
	}
	return c.SendUnconfirmed(ctx, nil, true, ServiceIAm, req.Encode)
}

// IAmTo unicasts an I-Am back to a Who-Is requester.
func (c *Client) IAmTo(ctx context.Context, addr *net.UDPAddr, deviceID uint32) error {
	req := IAmRequest{
		DeviceID:     NewObjectIdentifier(ObjectTypeDevice, deviceID),
		MaxAPDU:      uint32(c.opts.maxAPDULength),
		Segmentation: SegmentationBoth,
		VendorID:     uint32(c.opts.vendorID),
	}
	return c.SendUnconfirmed(ctx, addr, false, ServiceIAm, req.Encode)
}

// TimeSync broadcasts a (local) time synchronization frame.
func (c *Client) TimeSync(ctx context.Context, t time.Time, utc bool) error {
	service := ServiceTimeSynchronization
	if utc {
		service = ServiceUTCTimeSynchronization
		t = t.UTC()
	}
	req := TimeSynchronizationRequest{
		Date: Date{
			Year:    uint8(t.Year() - 1900),
			Month:   uint8(t.Month()),
			Day:     uint8(t.Day()),
			Weekday: uint8((int(t.Weekday())+6)%7 + 1), // BACnet: Monday=1
		},
		Time: Time{
			Hour:       uint8(t.Hour()),
			Minute:     uint8(t.Minute()),
			Second:     uint8(t.Second()),
			Hundredths: uint8(t.Nanosecond() / 10_000_000),
		},
	}
	return c.SendUnconfirmed(ctx, nil, true, service, req.Encode)
}

// handleIAm folds an I-Am into the node list. The first observation of a
// device id creates its node; later ones refresh the address.
func (c *Client) handleIAm(data []byte, src Address) {
	c.metrics.IAmReceived.Inc()

	iam, err := DecodeIAmRequest(data)
	if err != nil {
		c.logger.Debug("invalid i-am", slog.String("error", err.Error()))
		return
	}
	deviceID := iam.DeviceID.Instance
	if target := c.opts.targetDeviceID; target != 0 && target != deviceID {
		return
	}

	c.nodesMu.Lock()
	node, exists := c.nodes[deviceID]
	if !exists {
		node = &BacNode{DeviceID: deviceID}
		c.nodes[deviceID] = node
	}
	node.Address = src
	node.MaxAPDU = uint16(iam.MaxAPDU)
	node.Segmentation = iam.Segmentation
	node.VendorID = uint16(iam.VendorID)
	scanCh := c.scanCh
	c.nodesMu.Unlock()

	if scanCh != nil {
		select {
		case scanCh <- node:
		default:
		}
	}

	if !exists {
		c.metrics.DevicesDiscovered.Inc()
		c.logger.Debug("device discovered",
			slog.Uint64("device_id", uint64(deviceID)),
			slog.String("address", src.String()),
			slog.Uint64("vendor_id", uint64(iam.VendorID)),
		)
		if c.opts.enumerateOnIAm {
			go func() {
				if err := c.EnumerateProperties(c.receiverCtx, node, true); err != nil {
					c.logger.Debug("enumerate failed",
						slog.Uint64("device_id", uint64(deviceID)),
						slog.String("error", err.Error()),
					)
				}
			}()
		}
	}
}

// handleCOVNotification dispatches an unconfirmed COV notification to the
// subscription's handler.
func (c *Client) handleCOVNotification(data []byte) {
	c.metrics.COVNotifications.Inc()
	n, err := DecodeCOVNotification(data)
	if err != nil {
		c.logger.Debug("invalid cov notification", slog.String("error", err.Error()))
		return
	}
	c.covMu.RLock()
	handler := c.covSubs[n.ProcessID]
	c.covMu.RUnlock()
	if handler != nil {
		handler(n)
	}
}

// Scan returns an already known node if there is one; otherwise it
// broadcasts a Who-Is and waits up to the configured waiting time for the
// first node to appear.
func (c *Client) Scan(ctx context.Context) (*BacNode, error) {
	c.nodesMu.Lock()
	for _, node := range c.nodes {
		c.nodesMu.Unlock()
		return node, nil
	}
	scanCh := make(chan *BacNode, 1)
	c.scanCh = scanCh
	c.nodesMu.Unlock()

	defer func() {
		c.nodesMu.Lock()
		c.scanCh = nil
		c.nodesMu.Unlock()
	}()

	if err := c.WhoIs(ctx, -1, -1); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.opts.waitingTime)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrDeviceNotFound
	case node := <-scanCh:
		return node, nil
	}
}

// Nodes snapshots the discovered node list, ordered by device id.
func (c *Client) Nodes() []*BacNode {
	c.nodesMu.Lock()
	defer c.nodesMu.Unlock()
	nodes := make([]*BacNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].DeviceID < nodes[j].DeviceID })
	return nodes
}

// GetNode returns the node with the given device id.
func (c *Client) GetNode(deviceID uint32) (*BacNode, bool) {
	c.nodesMu.Lock()
	defer c.nodesMu.Unlock()
	n, ok := c.nodes[deviceID]
	return n, ok
}

// GetNodeByAddress returns the node at the given address.
func (c *Client) GetNodeByAddress(addr Address) (*BacNode, bool) {
	c.nodesMu.Lock()
	defer c.nodesMu.Unlock()
	for _, n := range c.nodes {
		if n.Address.Equal(addr) {
			return n, true
		}
	}
	return nil, false
}

// udpAddr resolves an Address to its UDP endpoint.
func udpAddr(addr Address) (*net.UDPAddr, error) {
	ua, err := addr.UDPAddr()
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrDeviceNotFound, err)
	}
	return ua, nil
}

// ReadPropertyRef issues a ReadProperty for one property reference.
func (c *Client) ReadPropertyRef(ctx context.Context, addr Address, objectID ObjectIdentifier, ref PropertyReference) ([]TaggedValue, error) {
	ua, err := udpAddr(addr)
	if err != nil {
		return nil, err
	}
	req := ReadPropertyRequest{ObjectID: objectID, Property: ref}
	resp, err := c.SendConfirmed(ctx, ua, ServiceReadProperty, req.Encode)
	if err != nil {
		return nil, err
	}
	ack, err := DecodeReadPropertyAck(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, err)
	}
	return ack.Values, nil
}

// ReadProperty reads the present value of one object, addressed either by
// an ObjectIdentifier or a point string such as "0_2".
func (c *Client) ReadProperty(ctx context.Context, addr Address, object any, opts ...ReadOption) (TaggedValue, error) {
	options := &ReadOptions{Property: PropertyPresentValue, ArrayIndex: ArrayIndexAll}
	for _, opt := range opts {
		opt(options)
	}
	objectID, err := resolveObject(object)
	if err != nil {
		return TaggedValue{}, err
	}
	values, err := c.ReadPropertyRef(ctx, addr, objectID, PropertyReference{ID: options.Property, ArrayIndex: options.ArrayIndex})
	if err != nil {
		return TaggedValue{}, err
	}
	if len(values) == 0 {
		return NullValue(), nil
	}
	return values[0], nil
}

// resolveObject accepts an ObjectIdentifier or a point string.
func resolveObject(object any) (ObjectIdentifier, error) {
	switch v := object.(type) {
	case ObjectIdentifier:
		return v, nil
	case string:
		return ParsePoint(v)
	default:
		return ObjectIdentifier{}, fmt.Errorf("%w: %T", ErrInvalidPoint, object)
	}
}

// ReadProperties reads the present value of several objects in one
// ReadPropertyMultiple exchange, keyed by point string.
func (c *Client) ReadProperties(ctx context.Context, addr Address, objects []any) (map[string]TaggedValue, error) {
	ua, err := udpAddr(addr)
	if err != nil {
		return nil, err
	}
	req := ReadPropertyMultipleRequest{}
	for _, object := range objects {
		objectID, err := resolveObject(object)
		if err != nil {
			return nil, err
		}
		req.Specs = append(req.Specs, ReadAccessSpecification{
			ObjectID:   objectID,
			Properties: []PropertyReference{NewPropertyReference(PropertyPresentValue)},
		})
	}
	resp, err := c.SendConfirmed(ctx, ua, ServiceReadPropertyMultiple, req.Encode)
	if err != nil {
		return nil, err
	}
	ack, err := DecodeReadPropertyMultipleAck(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, err)
	}
	out := make(map[string]TaggedValue, len(ack.Results))
	for _, res := range ack.Results {
		for _, pv := range res.Values {
			if len(pv.Values) == 0 {
				continue
			}
			out[FormatPoint(res.ObjectID)] = pv.Values[0]
		}
	}
	return out, nil
}

// ReadPropertyMultiple issues a raw ReadPropertyMultiple.
func (c *Client) ReadPropertyMultiple(ctx context.Context, addr Address, specs []ReadAccessSpecification) ([]ReadAccessResult, error) {
	ua, err := udpAddr(addr)
	if err != nil {
		return nil, err
	}
	req := ReadPropertyMultipleRequest{Specs: specs}
	resp, err := c.SendConfirmed(ctx, ua, ServiceReadPropertyMultiple, req.Encode)
	if err != nil {
		return nil, err
	}
	ack, err := DecodeReadPropertyMultipleAck(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidResponse, err)
	}
	return ack.Results, nil
}

// WriteProperty writes one value to an object's present value (or the
// property chosen by options).
func (c *Client) WriteProperty(ctx context.Context, addr Address, object any, value TaggedValue, opts ...WriteOption) error {
	options := &WriteOptions{Property: PropertyPresentValue, ArrayIndex: ArrayIndexAll}
	for _, opt := range opts {
		opt(options)
	}
	objectID, err := resolveObject(object)
	if err != nil {
		return err
	}
	ua, err := udpAddr(addr)
	if err != nil {
		return err
	}
	req := WritePropertyRequest{
		ObjectID: objectID,
		Property: PropertyReference{ID: options.Property, ArrayIndex: options.ArrayIndex},
		Values:   []TaggedValue{value},
		Priority: options.Priority,
	}
	_, err = c.SendConfirmed(ctx, ua, ServiceWriteProperty, req.Encode)
	return err
}

// WriteProperties writes several objects' present values in one
// WritePropertyMultiple exchange.
func (c *Client) WriteProperties(ctx context.Context, addr Address, values map[string]TaggedValue, opts ...WriteOption) error {
	options := &WriteOptions{Property: PropertyPresentValue, ArrayIndex: ArrayIndexAll}
	for _, opt := range opts {
		opt(options)
	}
	ua, err := udpAddr(addr)
	if err != nil {
		return err
	}
	req := WritePropertyMultipleRequest{}
	for point, value := range values {
		objectID, err := ParsePoint(point)
		if err != nil {
			return err
		}
		req.Specs = append(req.Specs, WriteAccessSpecification{
			ObjectID: objectID,
			Values: []PropertyValue{{
				Ref:      PropertyReference{ID: options.Property, ArrayIndex: options.ArrayIndex},
				Values:   []TaggedValue{value},
				Priority: options.Priority,
			}},
		})
	}
	_, err = c.SendConfirmed(ctx, ua, ServiceWritePropertyMultiple, req.Encode)
	return err
}

// GetObjectList reads a device's object list, element by element with a
// whole-list fallback.
func (c *Client) GetObjectList(ctx context.Context, addr Address, deviceID uint32) ([]ObjectIdentifier, error) {
	device := NewObjectIdentifier(ObjectTypeDevice, deviceID)
	values, err := c.ReadPropertyRef(ctx, addr, device, PropertyReference{ID: PropertyObjectList, ArrayIndex: 0})
	count, ok := uint32(0), false
	if err == nil && len(values) == 1 {
		count, ok = values[0].Value.(uint32)
	}
	if !ok {
		whole, err := c.ReadPropertyRef(ctx, addr, device, NewPropertyReference(PropertyObjectList))
		if err != nil {
			return nil, err
		}
		objects := make([]ObjectIdentifier, 0, len(whole))
		for _, v := range whole {
			if oid, ok := v.Value.(ObjectIdentifier); ok {
				objects = append(objects, oid)
			}
		}
		return objects, nil
	}

	objects := make([]ObjectIdentifier, 0, count)
	for i := uint32(1); i <= count; i++ {
		values, err := c.ReadPropertyRef(ctx, addr, device, PropertyReference{ID: PropertyObjectList, ArrayIndex: i})
		if err != nil {
			continue
		}
		if len(values) == 1 {
			if oid, ok := values[0].Value.(ObjectIdentifier); ok {
				objects = append(objects, oid)
			}
		}
	}
	return objects, nil
}

// defaultRuntimeTag guesses a point's datatype from its object type, used
// until the device has answered with a value.
func defaultRuntimeTag(t ObjectType) ApplicationTag {
	switch t {
	case ObjectTypeAnalogInput, ObjectTypeAnalogOutput, ObjectTypeAnalogValue:
		return TagReal
	case ObjectTypeBinaryInput, ObjectTypeBinaryOutput, ObjectTypeBinaryValue:
		return TagBoolean
	case ObjectTypeMultiStateInput, ObjectTypeMultiStateOutput, ObjectTypeMultiStateValue, ObjectTypeCommand:
		return TagUnsignedInt
	default:
		return TagNull
	}
}

// EnumerateProperties walks a node's object list, batching name /
// present-value / description reads, and fills in the node's property
// table.
func (c *Client) EnumerateProperties(ctx context.Context, node *BacNode, includeValues bool) error {
	objects, err := c.GetObjectList(ctx, node.Address, node.DeviceID)
	if err != nil {
		return err
	}

	filtered := objects[:0]
	for _, oid := range objects {
		if oid.Type == ObjectTypeDevice || oid.Type == ObjectTypeNotificationClass {
			continue
		}
		filtered = append(filtered, oid)
	}

	props := make([]*BacProperty, 0, len(filtered))
	wanted := []PropertyReference{
		NewPropertyReference(PropertyObjectName),
		NewPropertyReference(PropertyPresentValue),
		NewPropertyReference(PropertyDescription),
	}
	if !includeValues {
		wanted = wanted[:1]
	}

	// manual batch stepping: batchSize objects per request
	for start := 0; start < len(filtered); start += c.opts.batchSize {
		end := start + c.opts.batchSize
		if end > len(filtered) {
			end = len(filtered)
		}
		specs := make([]ReadAccessSpecification, 0, end-start)
		for _, oid := range filtered[start:end] {
			specs = append(specs, ReadAccessSpecification{ObjectID: oid, Properties: wanted})
		}
		results, err := c.ReadPropertyMultiple(ctx, node.Address, specs)
		if err != nil {
			return err
		}
		for _, res := range results {
			prop := &BacProperty{
				ObjectID:   res.ObjectID,
				RuntimeTag: defaultRuntimeTag(res.ObjectID.Type),
			}
			for _, pv := range res.Values {
				if len(pv.Values) == 0 || pv.Values[0].Tag == TagError {
					continue
				}
				v := pv.Values[0]
				switch pv.Ref.ID {
				case PropertyObjectName:
					if s, ok := v.Value.(string); ok {
						prop.Name = s
					}
				case PropertyDescription:
					if s, ok := v.Value.(string); ok {
						prop.Description = s
					}
				case PropertyPresentValue:
					prop.Value = v
					prop.RuntimeTag = v.Tag
				}
			}
			props = append(props, prop)
		}
	}

	c.nodesMu.Lock()
	node.Properties = props
	c.nodesMu.Unlock()
	return nil
}

// SubscribeCOV subscribes to change-of-value notifications for an object
// and registers the handler under the returned process id.
func (c *Client) SubscribeCOV(ctx context.Context, addr Address, objectID ObjectIdentifier, handler COVHandler, opts ...SubscribeOption) (uint32, error) {
	options := &SubscribeOptions{}
	for _, opt := range opts {
		opt(options)
	}
	ua, err := udpAddr(addr)
	if err != nil {
		return 0, err
	}

	processID := uint32(c.invokeID.Add(1)&0xFFFF) + 1
	req := SubscribeCOVRequest{
		ProcessID:    processID,
		ObjectID:     objectID,
		HasConfirmed: true,
		Confirmed:    options.Confirmed,
		HasLifetime:  true,
		Lifetime:     options.Lifetime,
	}
	if _, err := c.SendConfirmed(ctx, ua, ServiceSubscribeCOV, req.Encode); err != nil {
		return 0, err
	}

	c.covMu.Lock()
	c.covSubs[processID] = handler
	c.covMu.Unlock()
	c.metrics.COVSubscriptions.Inc()
	return processID, nil
}

// UnsubscribeCOV cancels a COV subscription.
func (c *Client) UnsubscribeCOV(ctx context.Context, addr Address, objectID ObjectIdentifier, processID uint32) error {
	ua, err := udpAddr(addr)
	if err != nil {
		return err
	}
	req := SubscribeCOVRequest{ProcessID: processID, ObjectID: objectID}
	if _, err := c.SendConfirmed(ctx, ua, ServiceSubscribeCOV, req.Encode); err != nil {
		return err
	}
	c.covMu.Lock()
	delete(c.covSubs, processID)
	c.covMu.Unlock()
	return nil
}
