package bacnet

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// startServer brings up a device server on an ephemeral loopback port.
func startServer(t *testing.T, deviceID uint32, objects ...*StorageObject) (*Server, *net.UDPAddr) {
	t.Helper()
	storage := NewDeviceStorage(deviceID)
	for _, obj := range objects {
		storage.AddObject(obj)
	}
	server, err := NewServer(storage,
		WithServerDeviceID(deviceID),
		WithServerAddress("127.0.0.1:0"),
	)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	if err := server.Open(context.Background()); err != nil {
		t.Fatalf("open server: %v", err)
	}
	t.Cleanup(func() { server.Close() })
	return server, server.LocalAddr().(*net.UDPAddr)
}

// startClient brings up a client on an ephemeral loopback port.
func startClient(t *testing.T, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithLocalAddress("127.0.0.1:0"),
		WithWhoIsInterval(0),
		WithEnumerateOnIAm(false),
		WithTimeout(500 * time.Millisecond),
	}
	client, err := NewClient(append(base, opts...)...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Open(context.Background()); err != nil {
		t.Fatalf("open client: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// discover unicasts a Who-Is at the server (broadcast does not cross the
// loopback in CI) and waits for the resulting I-Am.
func discover(t *testing.T, client *Client, serverAddr *net.UDPAddr, deviceID uint32) *BacNode {
	t.Helper()
	ctx := context.Background()
	req := WhoIsRequest{Low: -1, High: -1}
	if err := client.SendUnconfirmed(ctx, serverAddr, false, ServiceWhoIs, req.Encode); err != nil {
		t.Fatalf("who-is: %v", err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if node, ok := client.GetNode(deviceID); ok {
			return node
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("device %d not discovered within 3s", deviceID)
	return nil
}

func TestDiscovery(t *testing.T) {
	_, serverAddr := startServer(t, 666)
	client := startClient(t)

	node := discover(t, client, serverAddr, 666)
	if node.DeviceID != 666 {
		t.Errorf("device id: %d", node.DeviceID)
	}
	want := AddressFromUDP(serverAddr)
	if !node.Address.Equal(want) {
		t.Errorf("address: %v, want %v", node.Address, want)
	}
	if nodes := client.Nodes(); len(nodes) != 1 {
		t.Errorf("node list has %d entries", len(nodes))
	}
}

func TestWhoIsRangeExcludesDevice(t *testing.T) {
	_, serverAddr := startServer(t, 666)
	client := startClient(t)

	req := WhoIsRequest{Low: 1, High: 10}
	if err := client.SendUnconfirmed(context.Background(), serverAddr, false, ServiceWhoIs, req.Encode); err != nil {
		t.Fatalf("who-is: %v", err)
	}
	time.Sleep(300 * time.Millisecond)
	if _, ok := client.GetNode(666); ok {
		t.Fatal("device answered a who-is excluding it")
	}
}

func TestReadAnalogValue(t *testing.T) {
	server, serverAddr := startServer(t, 666,
		NewAnalogObject(ObjectTypeAnalogValue, 0, "setpoint", 0))
	client := startClient(t)
	node := discover(t, client, serverAddr, 666)
	ctx := context.Background()

	// seed the value server-side, then read back both address forms
	server.Storage().WriteProperty(ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0},
		PropertyPresentValue, ArrayIndexAll, []TaggedValue{RealValue(1234.5)}, false)

	got, err := client.ReadProperty(ctx, node.Address, "0_2")
	if err != nil {
		t.Fatalf("read by point: %v", err)
	}
	if !got.Equal(RealValue(1234.5)) {
		t.Errorf("read by point: %v", got)
	}

	got, err = client.ReadProperty(ctx, node.Address, ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0})
	if err != nil {
		t.Fatalf("read by object id: %v", err)
	}
	if !got.Equal(RealValue(1234.5)) {
		t.Errorf("read by object id: %v", got)
	}
}

func TestWriteThenReadRoundTrip(t *testing.T) {
	_, serverAddr := startServer(t, 666,
		NewAnalogObject(ObjectTypeAnalogValue, 0, "setpoint", 0),
		NewAnalogObject(ObjectTypeAnalogInput, 0, "temp", 0))
	client := startClient(t)
	node := discover(t, client, serverAddr, 666)
	ctx := context.Background()

	if err := client.WriteProperty(ctx, node.Address, "0_2", RealValue(777.25)); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := client.ReadProperty(ctx, node.Address, "0_2")
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !got.Equal(RealValue(777.25)) {
		t.Errorf("read back: %v", got)
	}

	// analog-input is not writable by default
	err = client.WriteProperty(ctx, node.Address, ObjectIdentifier{Type: ObjectTypeAnalogInput, Instance: 0}, RealValue(1.0))
	if err == nil {
		t.Fatal("expected write-access-denied")
	}
	if !IsAccessDenied(err) {
		t.Errorf("expected access denied, got %v", err)
	}
}

func TestBatchRead(t *testing.T) {
	av0 := NewAnalogObject(ObjectTypeAnalogValue, 0, "a", 10)
	av2 := NewAnalogObject(ObjectTypeAnalogValue, 2, "b", 20)
	_, serverAddr := startServer(t, 666, av0, av2)
	client := startClient(t)
	node := discover(t, client, serverAddr, 666)

	values, err := client.ReadProperties(context.Background(), node.Address, []any{"0_2", "2_2"})
	if err != nil {
		t.Fatalf("batch read: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("got %d entries: %v", len(values), values)
	}
	if !values["0_2"].Equal(RealValue(10)) || !values["2_2"].Equal(RealValue(20)) {
		t.Errorf("values: %v", values)
	}
}

func TestSegmentedReadPropertyMultiple(t *testing.T) {
	objects := make([]*StorageObject, 0, 50)
	for i := 0; i < 50; i++ {
		objects = append(objects, NewAnalogObject(ObjectTypeAnalogValue, uint32(i),
			"zone temperature setpoint with a deliberately long name", float32(i)))
	}
	server, serverAddr := startServer(t, 666, objects...)
	client := startClient(t)
	node := discover(t, client, serverAddr, 666)

	specs := make([]ReadAccessSpecification, 0, 50)
	for i := 0; i < 50; i++ {
		specs = append(specs, ReadAccessSpecification{
			ObjectID: ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: uint32(i)},
			Properties: []PropertyReference{
				NewPropertyReference(PropertyObjectName),
				NewPropertyReference(PropertyPresentValue),
			},
		})
	}
	results, err := client.ReadPropertyMultiple(context.Background(), node.Address, specs)
	if err != nil {
		t.Fatalf("segmented rpm: %v", err)
	}
	if len(results) != 50 {
		t.Fatalf("got %d results", len(results))
	}
	for i, res := range results {
		if res.ObjectID.Instance != uint32(i) {
			t.Fatalf("result %d out of order: %v", i, res.ObjectID)
		}
	}

	if server.Metrics().SegmentsSent.Value() < 2 {
		t.Errorf("response was not segmented: %d segments", server.Metrics().SegmentsSent.Value())
	}
	if client.Metrics().SegmentsReassembled.Value() != 1 {
		t.Errorf("client reassembled %d responses", client.Metrics().SegmentsReassembled.Value())
	}
}

func TestRetryThenTimeout(t *testing.T) {
	client := startClient(t, WithTimeout(100*time.Millisecond), WithRetries(2))

	// nothing listens here
	dead := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 1}
	req := ReadPropertyRequest{
		ObjectID: ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0},
		Property: NewPropertyReference(PropertyPresentValue),
	}

	start := time.Now()
	_, err := client.SendConfirmed(context.Background(), dead, ServiceReadProperty, req.Encode)
	elapsed := time.Since(start)

	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if elapsed < 300*time.Millisecond {
		t.Errorf("retries did not honor per-attempt timeout: %v", elapsed)
	}
	if got := client.Metrics().Retransmissions.Value(); got != 2 {
		t.Errorf("expected 2 retransmissions, observed %d", got)
	}
}

func TestInvokeIDUniqueness(t *testing.T) {
	client, err := NewClient()
	if err != nil {
		t.Fatal(err)
	}
	seen := make(map[uint8]bool)
	for i := 0; i < 200; i++ {
		pend, err := client.allocInvokeID()
		if err != nil {
			t.Fatalf("alloc %d: %v", i, err)
		}
		if seen[pend.invokeID] {
			t.Fatalf("invoke id %d reused while in flight", pend.invokeID)
		}
		seen[pend.invokeID] = true
	}
	// releasing makes ids reusable
	for id := range seen {
		client.releaseInvokeID(id)
	}
	if _, err := client.allocInvokeID(); err != nil {
		t.Fatalf("alloc after release: %v", err)
	}
}

func TestUnknownServiceRejected(t *testing.T) {
	_, serverAddr := startServer(t, 666)
	client := startClient(t, WithRetries(0))

	_, err := client.SendConfirmed(context.Background(), serverAddr, ServiceGetAlarmSummary, nil)
	var reject *RejectError
	if !errors.As(err, &reject) {
		t.Fatalf("expected reject, got %v", err)
	}
	if reject.Reason != RejectReasonUnrecognizedService {
		t.Errorf("reason: %v", reject.Reason)
	}
}

func TestCOVNotification(t *testing.T) {
	av := NewAnalogObject(ObjectTypeAnalogValue, 0, "setpoint", 0)
	server, serverAddr := startServer(t, 666, av)
	client := startClient(t)
	node := discover(t, client, serverAddr, 666)
	ctx := context.Background()

	notified := make(chan *COVNotification, 1)
	_, err := client.SubscribeCOV(ctx, node.Address, av.ID(), func(n *COVNotification) {
		select {
		case notified <- n:
		default:
		}
	}, WithSubscriptionLifetime(60))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	server.Storage().WriteCommandableProperty(av.ID(), PropertyPresentValue, RealValue(42), 8)

	select {
	case n := <-notified:
		if n.ObjectID != av.ID() {
			t.Errorf("notified object: %v", n.ObjectID)
		}
		if len(n.Values) != 1 || !n.Values[0].Values[0].Equal(RealValue(42)) {
			t.Errorf("notified values: %+v", n.Values)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no cov notification within 2s")
	}
}

func TestEnumerateProperties(t *testing.T) {
	_, serverAddr := startServer(t, 666,
		NewAnalogObject(ObjectTypeAnalogValue, 0, "setpoint", 21.5),
		NewAnalogObject(ObjectTypeAnalogInput, 3, "supply-temp", 19))
	client := startClient(t)
	node := discover(t, client, serverAddr, 666)

	if err := client.EnumerateProperties(context.Background(), node, true); err != nil {
		t.Fatalf("enumerate: %v", err)
	}
	if len(node.Properties) != 2 {
		t.Fatalf("got %d properties", len(node.Properties))
	}
	byPoint := make(map[string]*BacProperty)
	for _, p := range node.Properties {
		byPoint[FormatPoint(p.ObjectID)] = p
	}
	sp, ok := byPoint["0_2"]
	if !ok || sp.Name != "setpoint" || sp.RuntimeTag != TagReal {
		t.Errorf("setpoint entry: %+v", sp)
	}
	if !sp.Value.Equal(RealValue(21.5)) {
		t.Errorf("setpoint value: %v", sp.Value)
	}
}

func TestDriverReadWrite(t *testing.T) {
	_, serverAddr := startServer(t, 666,
		NewAnalogObject(ObjectTypeAnalogValue, 0, "setpoint", 10),
		NewAnalogObject(ObjectTypeAnalogValue, 1, "flow", 20))

	driver := NewDriver(
		WithLocalAddress("127.0.0.1:0"),
		WithWhoIsInterval(0),
		WithTimeout(500*time.Millisecond),
	)
	param := DriverParameter{
		Address:  serverAddr.String(),
		DeviceID: 666,
	}
	if param.Key() != "666" {
		t.Errorf("pooling key: %q", param.Key())
	}

	node, err := driver.Open(context.Background(), param)
	if err != nil {
		t.Fatalf("driver open: %v", err)
	}
	defer driver.Close(node)

	points := map[string]string{"setpoint": "0_2", "flow": "1_2"}
	values, err := driver.Read(context.Background(), node, points)
	if err != nil {
		t.Fatalf("driver read: %v", err)
	}
	if !values["setpoint"].Equal(RealValue(10)) || !values["flow"].Equal(RealValue(20)) {
		t.Errorf("driver read values: %v", values)
	}

	if err := driver.Write(context.Background(), node, "0_2", RealValue(12.5)); err != nil {
		t.Fatalf("driver write: %v", err)
	}
	values, err = driver.Read(context.Background(), node, map[string]string{"setpoint": "0_2"})
	if err != nil {
		t.Fatalf("driver re-read: %v", err)
	}
	if !values["setpoint"].Equal(RealValue(12.5)) {
		t.Errorf("driver write lost: %v", values)
	}
}

func TestTimeSynchronizationApplied(t *testing.T) {
	server, serverAddr := startServer(t, 666)
	client := startClient(t)

	req := TimeSynchronizationRequest{
		Date: Date{Year: 126, Month: 8, Day: 6, Weekday: 4},
		Time: Time{Hour: 10, Minute: 30, Second: 0, Hundredths: 0},
	}
	if err := client.SendUnconfirmed(context.Background(), serverAddr, false, ServiceTimeSynchronization, req.Encode); err != nil {
		t.Fatalf("time sync: %v", err)
	}

	device := NewObjectIdentifier(ObjectTypeDevice, 666)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		res, values := server.Storage().ReadProperty(device, PropertyLocalDate, ArrayIndexAll)
		if res == StorageGood && len(values) == 1 {
			if d, ok := values[0].Value.(Date); ok && d == req.Date {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("local-date not updated from time synchronization")
}
