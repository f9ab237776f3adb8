package bacnet

import (
	"errors"
	"testing"
)

func encodePayload(t *testing.T, encode func(buf *EncodeBuffer)) []byte {
	t.Helper()
	buf := NewEncodeBuffer(0, 0)
	encode(buf)
	if err := buf.Err(); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func TestReadPropertyRoundTrip(t *testing.T) {
	in := ReadPropertyRequest{
		ObjectID: ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0},
		Property: NewPropertyReference(PropertyPresentValue),
	}
	out, err := DecodeReadPropertyRequest(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}

	withIndex := in
	withIndex.Property.ArrayIndex = 3
	out, err = DecodeReadPropertyRequest(encodePayload(t, withIndex.Encode))
	if err != nil {
		t.Fatalf("decode with index: %v", err)
	}
	if out.Property.ArrayIndex != 3 {
		t.Errorf("array index lost: %+v", out)
	}
}

func TestReadPropertyAckRoundTrip(t *testing.T) {
	in := ReadPropertyAck{
		ObjectID: ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0},
		Property: NewPropertyReference(PropertyPresentValue),
		Values:   []TaggedValue{RealValue(1234.5)},
	}
	out, err := DecodeReadPropertyAck(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Values) != 1 || !out.Values[0].Equal(in.Values[0]) {
		t.Errorf("got %+v", out)
	}
}

func TestWritePropertyRoundTrip(t *testing.T) {
	in := WritePropertyRequest{
		ObjectID: ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 2},
		Property: NewPropertyReference(PropertyPresentValue),
		Values:   []TaggedValue{RealValue(777.25)},
		Priority: 8,
	}
	out, err := DecodeWritePropertyRequest(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Priority != 8 || len(out.Values) != 1 || !out.Values[0].Equal(in.Values[0]) {
		t.Errorf("got %+v", out)
	}

	// a null write (slot release) survives the trip
	release := in
	release.Values = []TaggedValue{NullValue()}
	out, err = DecodeWritePropertyRequest(encodePayload(t, release.Encode))
	if err != nil {
		t.Fatalf("decode null write: %v", err)
	}
	if len(out.Values) != 1 || !out.Values[0].IsNull() {
		t.Errorf("null write lost: %+v", out)
	}
}

func TestReadPropertyMultipleRoundTrip(t *testing.T) {
	in := ReadPropertyMultipleRequest{
		Specs: []ReadAccessSpecification{
			{
				ObjectID: ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0},
				Properties: []PropertyReference{
					NewPropertyReference(PropertyObjectName),
					NewPropertyReference(PropertyPresentValue),
				},
			},
			{
				ObjectID:   ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 2},
				Properties: []PropertyReference{NewPropertyReference(PropertyPresentValue)},
			},
		},
	}
	out, err := DecodeReadPropertyMultipleRequest(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Specs) != 2 || len(out.Specs[0].Properties) != 2 {
		t.Fatalf("specs: %+v", out.Specs)
	}
	if out.Specs[1].ObjectID.Instance != 2 {
		t.Errorf("object order lost: %+v", out.Specs)
	}
}

func TestReadPropertyMultipleAckWithError(t *testing.T) {
	in := ReadPropertyMultipleAck{
		Results: []ReadAccessResult{
			{
				ObjectID: ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0},
				Values: []PropertyValue{
					{Ref: NewPropertyReference(PropertyPresentValue), Values: []TaggedValue{RealValue(10)}},
					{Ref: NewPropertyReference(PropertyDescription),
						Values: []TaggedValue{ErrorValue(ErrorClassProperty, ErrorCodeUnknownProperty)}},
				},
			},
		},
	}
	out, err := DecodeReadPropertyMultipleAck(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	values := out.Results[0].Values
	if len(values) != 2 {
		t.Fatalf("values: %+v", values)
	}
	if !values[0].Values[0].Equal(RealValue(10)) {
		t.Errorf("value entry: %+v", values[0])
	}
	be, ok := values[1].Values[0].Value.(*BACnetError)
	if values[1].Values[0].Tag != TagError || !ok ||
		be.Class != ErrorClassProperty || be.Code != ErrorCodeUnknownProperty {
		t.Errorf("error entry: %+v", values[1])
	}
}

func TestWritePropertyMultipleRoundTrip(t *testing.T) {
	in := WritePropertyMultipleRequest{
		Specs: []WriteAccessSpecification{{
			ObjectID: ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 1},
			Values: []PropertyValue{{
				Ref:      NewPropertyReference(PropertyPresentValue),
				Values:   []TaggedValue{RealValue(1)},
				Priority: 12,
			}},
		}},
	}
	out, err := DecodeWritePropertyMultipleRequest(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Specs[0].Values[0].Priority != 12 {
		t.Errorf("priority lost: %+v", out.Specs[0].Values[0])
	}
}

func TestWhoIsRoundTrip(t *testing.T) {
	open, err := DecodeWhoIsRequest(encodePayload(t, (&WhoIsRequest{Low: -1, High: -1}).Encode))
	if err != nil {
		t.Fatalf("decode open: %v", err)
	}
	if open.Low != -1 || open.High != -1 {
		t.Errorf("open who-is: %+v", open)
	}
	if !open.Matches(0) || !open.Matches(0x3FFFFE) {
		t.Error("open who-is must match every device")
	}

	ranged, err := DecodeWhoIsRequest(encodePayload(t, (&WhoIsRequest{Low: 10, High: 20}).Encode))
	if err != nil {
		t.Fatalf("decode ranged: %v", err)
	}
	if ranged.Matches(9) || !ranged.Matches(10) || !ranged.Matches(20) || ranged.Matches(21) {
		t.Errorf("range matching: %+v", ranged)
	}
}

func TestIAmRoundTrip(t *testing.T) {
	in := IAmRequest{
		DeviceID:     NewObjectIdentifier(ObjectTypeDevice, 666),
		MaxAPDU:      1476,
		Segmentation: SegmentationBoth,
		VendorID:     260,
	}
	out, err := DecodeIAmRequest(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestIAmRejectsNonDevice(t *testing.T) {
	in := IAmRequest{
		DeviceID: NewObjectIdentifier(ObjectTypeAnalogValue, 1),
		MaxAPDU:  1476,
	}
	if _, err := DecodeIAmRequest(encodePayload(t, in.Encode)); err == nil {
		t.Fatal("expected error for non-device object id")
	}
}

func TestWhoHasIHaveRoundTrip(t *testing.T) {
	byID := WhoHasRequest{Low: -1, High: -1, HasID: true,
		ObjectID: ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 3}}
	out, err := DecodeWhoHasRequest(encodePayload(t, byID.Encode))
	if err != nil {
		t.Fatalf("decode by id: %v", err)
	}
	if !out.HasID || out.ObjectID != byID.ObjectID {
		t.Errorf("who-has by id: %+v", out)
	}

	byName := WhoHasRequest{Low: 1, High: 99, Name: "supply-temp"}
	out, err = DecodeWhoHasRequest(encodePayload(t, byName.Encode))
	if err != nil {
		t.Fatalf("decode by name: %v", err)
	}
	if out.HasID || out.Name != "supply-temp" || out.Low != 1 || out.High != 99 {
		t.Errorf("who-has by name: %+v", out)
	}

	ihave := IHaveRequest{
		DeviceID:   NewObjectIdentifier(ObjectTypeDevice, 666),
		ObjectID:   ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 3},
		ObjectName: "supply-temp",
	}
	ihaveOut, err := DecodeIHaveRequest(encodePayload(t, ihave.Encode))
	if err != nil {
		t.Fatalf("decode i-have: %v", err)
	}
	if *ihaveOut != ihave {
		t.Errorf("i-have: %+v", ihaveOut)
	}
}

func TestSubscribeCOVRoundTrip(t *testing.T) {
	in := SubscribeCOVRequest{
		ProcessID:    18,
		ObjectID:     ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0},
		HasConfirmed: true,
		Confirmed:    false,
		HasLifetime:  true,
		Lifetime:     120,
	}
	out, err := DecodeSubscribeCOVRequest(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}

	// cancellation form: both optionals absent
	cancel := SubscribeCOVRequest{ProcessID: 18, ObjectID: in.ObjectID}
	out, err = DecodeSubscribeCOVRequest(encodePayload(t, cancel.Encode))
	if err != nil {
		t.Fatalf("decode cancel: %v", err)
	}
	if out.HasConfirmed || out.HasLifetime {
		t.Errorf("cancel form: %+v", out)
	}
}

func TestCOVNotificationRoundTrip(t *testing.T) {
	in := COVNotification{
		ProcessID:     18,
		InitiatingDev: NewObjectIdentifier(ObjectTypeDevice, 666),
		ObjectID:      ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0},
		TimeRemaining: 60,
		Values: []PropertyValue{{
			Ref:    NewPropertyReference(PropertyPresentValue),
			Values: []TaggedValue{RealValue(20.5)},
		}},
	}
	out, err := DecodeCOVNotification(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.ProcessID != 18 || out.TimeRemaining != 60 || len(out.Values) != 1 ||
		!out.Values[0].Values[0].Equal(RealValue(20.5)) {
		t.Errorf("got %+v", out)
	}
}

func TestTimeSynchronizationRoundTrip(t *testing.T) {
	in := TimeSynchronizationRequest{
		Date: Date{Year: 126, Month: 8, Day: 6, Weekday: 4},
		Time: Time{Hour: 12, Minute: 30, Second: 15, Hundredths: 0},
	}
	out, err := DecodeTimeSynchronizationRequest(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestDeviceCommunicationControlRoundTrip(t *testing.T) {
	in := DeviceCommunicationControlRequest{
		HasDuration: true,
		Duration:    5,
		Enable:      CommunicationDisable,
		HasPassword: true,
		Password:    "hunter2",
	}
	out, err := DecodeDeviceCommunicationControlRequest(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestAtomicFileRoundTrips(t *testing.T) {
	readReq := AtomicReadFileRequest{
		FileID:     ObjectIdentifier{Type: ObjectTypeFile, Instance: 1},
		StartPos:   128,
		OctetCount: 256,
	}
	gotRead, err := DecodeAtomicReadFileRequest(encodePayload(t, readReq.Encode))
	if err != nil {
		t.Fatalf("decode read: %v", err)
	}
	if *gotRead != readReq {
		t.Errorf("read request: %+v", gotRead)
	}

	writeReq := AtomicWriteFileRequest{
		FileID:   ObjectIdentifier{Type: ObjectTypeFile, Instance: 1},
		StartPos: 0,
		Data:     []byte("config-blob"),
	}
	gotWrite, err := DecodeAtomicWriteFileRequest(encodePayload(t, writeReq.Encode))
	if err != nil {
		t.Fatalf("decode write: %v", err)
	}
	if string(gotWrite.Data) != "config-blob" {
		t.Errorf("write request: %+v", gotWrite)
	}

	ack := AtomicReadFileAck{EndOfFile: true, StartPos: 128, Data: []byte{1, 2, 3}}
	gotAck, err := DecodeAtomicReadFileAck(encodePayload(t, ack.Encode))
	if err != nil {
		t.Fatalf("decode ack: %v", err)
	}
	if !gotAck.EndOfFile || gotAck.StartPos != 128 || len(gotAck.Data) != 3 {
		t.Errorf("read ack: %+v", gotAck)
	}
}

func TestReadRangeRoundTrip(t *testing.T) {
	in := ReadRangeRequest{
		ObjectID:  ObjectIdentifier{Type: ObjectTypeTrendLog, Instance: 1},
		Property:  NewPropertyReference(PropertyObjectList),
		Range:     RangeByPosition,
		Reference: 1,
		Count:     50,
	}
	out, err := DecodeReadRangeRequest(encodePayload(t, in.Encode))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if *out != in {
		t.Errorf("got %+v, want %+v", out, in)
	}
}

func TestCreateDeleteObjectRoundTrip(t *testing.T) {
	create := CreateObjectRequest{
		HasObjectID: true,
		ObjectID:    ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 9},
		InitialValues: []PropertyValue{{
			Ref:    NewPropertyReference(PropertyPresentValue),
			Values: []TaggedValue{RealValue(0)},
		}},
	}
	out, err := DecodeCreateObjectRequest(encodePayload(t, create.Encode))
	if err != nil {
		t.Fatalf("decode create: %v", err)
	}
	if !out.HasObjectID || out.ObjectID != create.ObjectID || len(out.InitialValues) != 1 {
		t.Errorf("create: %+v", out)
	}

	byType := CreateObjectRequest{ObjectType: ObjectTypeAnalogValue}
	out, err = DecodeCreateObjectRequest(encodePayload(t, byType.Encode))
	if err != nil {
		t.Fatalf("decode create-by-type: %v", err)
	}
	if out.HasObjectID || out.ObjectType != ObjectTypeAnalogValue {
		t.Errorf("create by type: %+v", out)
	}

	del := DeleteObjectRequest{ObjectID: ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 9}}
	delOut, err := DecodeDeleteObjectRequest(encodePayload(t, del.Encode))
	if err != nil {
		t.Fatalf("decode delete: %v", err)
	}
	if *delOut != del {
		t.Errorf("delete: %+v", delOut)
	}
}

func TestDecodeErrors(t *testing.T) {
	// empty ReadProperty payload: missing required parameter
	if _, err := DecodeReadPropertyRequest(nil); !errors.Is(err, ErrMissingRequired) {
		t.Errorf("missing required: got %v", err)
	}

	// wrong leading tag: invalid tag
	buf := NewEncodeBuffer(0, 0)
	buf.WriteContextUnsigned(5, 1)
	if _, err := DecodeReadPropertyRequest(buf.Bytes()); !errors.Is(err, ErrInvalidTag) {
		t.Errorf("invalid tag: got %v", err)
	}

	// trailing garbage: too many arguments
	in := ReadPropertyRequest{
		ObjectID: ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0},
		Property: NewPropertyReference(PropertyPresentValue),
	}
	payload := encodePayload(t, in.Encode)
	payload = append(payload, 0x91, 0x00)
	if _, err := DecodeReadPropertyRequest(payload); !errors.Is(err, ErrTooManyArguments) {
		t.Errorf("too many arguments: got %v", err)
	}

	if RejectReasonForDecodeError(ErrMissingRequired) != RejectReasonMissingRequiredParameter ||
		RejectReasonForDecodeError(ErrTooManyArguments) != RejectReasonTooManyArguments ||
		RejectReasonForDecodeError(ErrInvalidTag) != RejectReasonInvalidTag {
		t.Error("decode error to reject reason mapping broken")
	}
}
