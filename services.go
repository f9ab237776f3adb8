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

// Service payload encode/decode. Every service carries a paired Encode
// method writing into an EncodeBuffer and a DecodeX function consuming the
// full payload. Decoders fail with ErrMissingRequired, ErrInvalidTag or
// ErrTooManyArguments; the engine maps those to Reject reasons.

// finishDecode flags trailing bytes after a fully parsed payload.
func finishDecode(d *Decoder) error {
	if err := d.Err(); err != nil {
		return err
	}
	if d.Remaining() > 0 {
		return ErrTooManyArguments
	}
	return nil
}

// readOptionalIndex consumes an optional context-tagged array index.
func readOptionalIndex(d *Decoder, tagNum uint8) uint32 {
	if d.IsContextTag(tagNum) && !d.IsOpeningTag(tagNum) {
		return d.ReadContextUnsigned(tagNum)
	}
	return ArrayIndexAll
}

func writeOptionalIndex(buf *EncodeBuffer, tagNum uint8, index uint32) {
	if index != ArrayIndexAll {
		buf.WriteContextUnsigned(tagNum, index)
	}
}

// ReadPropertyRequest is the ReadProperty service payload.
type ReadPropertyRequest struct {
	ObjectID ObjectIdentifier
	Property PropertyReference
}

func (r *ReadPropertyRequest) Encode(buf *EncodeBuffer) {
	buf.WriteContextObjectID(0, r.ObjectID)
	buf.WriteContextEnumerated(1, uint32(r.Property.ID))
	writeOptionalIndex(buf, 2, r.Property.ArrayIndex)
}

func DecodeReadPropertyRequest(data []byte) (*ReadPropertyRequest, error) {
	d := NewDecoder(data)
	r := &ReadPropertyRequest{}
	r.ObjectID = d.ReadContextObjectID(0)
	r.Property.ID = PropertyIdentifier(d.ReadContextUnsigned(1))
	r.Property.ArrayIndex = readOptionalIndex(d, 2)
	return r, finishDecode(d)
}

// ReadPropertyAck is the ReadProperty complex-ack payload.
type ReadPropertyAck struct {
	ObjectID ObjectIdentifier
	Property PropertyReference
	Values   []TaggedValue
}

func (r *ReadPropertyAck) Encode(buf *EncodeBuffer) {
	buf.WriteContextObjectID(0, r.ObjectID)
	buf.WriteContextEnumerated(1, uint32(r.Property.ID))
	writeOptionalIndex(buf, 2, r.Property.ArrayIndex)
	buf.WriteOpeningTag(3)
	for _, v := range r.Values {
		buf.WriteValue(v)
	}
	buf.WriteClosingTag(3)
}

func DecodeReadPropertyAck(data []byte) (*ReadPropertyAck, error) {
	d := NewDecoder(data)
	r := &ReadPropertyAck{}
	r.ObjectID = d.ReadContextObjectID(0)
	r.Property.ID = PropertyIdentifier(d.ReadContextUnsigned(1))
	r.Property.ArrayIndex = readOptionalIndex(d, 2)
	d.ReadOpeningTag(3)
	r.Values = d.ReadListUntilClose(3)
	return r, finishDecode(d)
}

// WritePropertyRequest is the WriteProperty service payload.
type WritePropertyRequest struct {
	ObjectID ObjectIdentifier
	Property PropertyReference
	Values   []TaggedValue
	Priority uint8 // 0 = absent
}

func (w *WritePropertyRequest) Encode(buf *EncodeBuffer) {
	buf.WriteContextObjectID(0, w.ObjectID)
	buf.WriteContextEnumerated(1, uint32(w.Property.ID))
	writeOptionalIndex(buf, 2, w.Property.ArrayIndex)
	buf.WriteOpeningTag(3)
	for _, v := range w.Values {
		buf.WriteValue(v)
	}
	buf.WriteClosingTag(3)
	if w.Priority != 0 {
		buf.WriteContextUnsigned(4, uint32(w.Priority))
	}
}

func DecodeWritePropertyRequest(data []byte) (*WritePropertyRequest, error) {
	d := NewDecoder(data)
	w := &WritePropertyRequest{}
	w.ObjectID = d.ReadContextObjectID(0)
	w.Property.ID = PropertyIdentifier(d.ReadContextUnsigned(1))
	w.Property.ArrayIndex = readOptionalIndex(d, 2)
	d.ReadOpeningTag(3)
	w.Values = d.ReadListUntilClose(3)
	if d.IsContextTag(4) {
		w.Priority = uint8(d.ReadContextUnsigned(4))
	}
	return w, finishDecode(d)
}

// ReadAccessSpecification is one object's slice of a ReadPropertyMultiple
// request.
type ReadAccessSpecification struct {
	ObjectID   ObjectIdentifier
	Properties []PropertyReference
}

// ReadPropertyMultipleRequest is the ReadPropertyMultiple service payload.
type ReadPropertyMultipleRequest struct {
	Specs []ReadAccessSpecification
}

func (r *ReadPropertyMultipleRequest) Encode(buf *EncodeBuffer) {
	for _, spec := range r.Specs {
		buf.WriteContextObjectID(0, spec.ObjectID)
		buf.WriteOpeningTag(1)
		for _, ref := range spec.Properties {
			buf.WriteContextEnumerated(0, uint32(ref.ID))
			writeOptionalIndex(buf, 1, ref.ArrayIndex)
		}
		buf.WriteClosingTag(1)
	}
}

func DecodeReadPropertyMultipleRequest(data []byte) (*ReadPropertyMultipleRequest, error) {
	d := NewDecoder(data)
	r := &ReadPropertyMultipleRequest{}
	for d.Err() == nil && d.Remaining() > 0 {
		spec := ReadAccessSpecification{}
		spec.ObjectID = d.ReadContextObjectID(0)
		d.ReadOpeningTag(1)
		for d.Err() == nil && !d.IsClosingTag(1) {
			if d.Remaining() == 0 {
				return nil, ErrMissingRequired
			}
			ref := PropertyReference{ID: PropertyIdentifier(d.ReadContextUnsigned(0))}
			ref.ArrayIndex = readOptionalIndex(d, 1)
			spec.Properties = append(spec.Properties, ref)
		}
		d.ReadClosingTag(1)
		r.Specs = append(r.Specs, spec)
	}
	if len(r.Specs) == 0 && d.Err() == nil {
		return nil, ErrMissingRequired
	}
	return r, finishDecode(d)
}

// ReadPropertyMultipleAck is the ReadPropertyMultiple complex-ack payload.
type ReadPropertyMultipleAck struct {
	Results []ReadAccessResult
}

func (r *ReadPropertyMultipleAck) Encode(buf *EncodeBuffer) {
	for _, res := range r.Results {
		buf.WriteContextObjectID(0, res.ObjectID)
		buf.WriteOpeningTag(1)
		for _, pv := range res.Values {
			buf.WriteContextEnumerated(2, uint32(pv.Ref.ID))
			writeOptionalIndex(buf, 3, pv.Ref.ArrayIndex)
			if len(pv.Values) == 1 && pv.Values[0].Tag == TagError {
				be := pv.Values[0].Value.(*BACnetError)
				buf.WriteOpeningTag(5)
				buf.WriteEnumerated(uint32(be.Class))
				buf.WriteEnumerated(uint32(be.Code))
				buf.WriteClosingTag(5)
				continue
			}
			buf.WriteOpeningTag(4)
			for _, v := range pv.Values {
				buf.WriteValue(v)
			}
			buf.WriteClosingTag(4)
		}
		buf.WriteClosingTag(1)
	}
}

func DecodeReadPropertyMultipleAck(data []byte) (*ReadPropertyMultipleAck, error) {
	d := NewDecoder(data)
	r := &ReadPropertyMultipleAck{}
	for d.Err() == nil && d.Remaining() > 0 {
		res := ReadAccessResult{ObjectID: d.ReadContextObjectID(0)}
		d.ReadOpeningTag(1)
		for d.Err() == nil && !d.IsClosingTag(1) {
			if d.Remaining() == 0 {
				return nil, ErrMissingRequired
			}
			pv := PropertyValue{}
			pv.Ref.ID = PropertyIdentifier(d.ReadContextUnsigned(2))
			pv.Ref.ArrayIndex = readOptionalIndex(d, 3)
			switch {
			case d.IsOpeningTag(4):
				d.ReadOpeningTag(4)
				pv.Values = d.ReadListUntilClose(4)
			case d.IsOpeningTag(5):
				d.ReadOpeningTag(5)
				class := d.ReadValue()
				code := d.ReadValue()
				d.ReadClosingTag(5)
				if d.Err() == nil {
					cls, okC := class.Value.(uint32)
					cod, okD := code.Value.(uint32)
					if !okC || !okD {
						return nil, ErrInvalidTag
					}
					pv.Values = []TaggedValue{ErrorValue(ErrorClass(cls), ErrorCode(cod))}
				}
			default:
				return nil, ErrInvalidTag
			}
			res.Values = append(res.Values, pv)
		}
		d.ReadClosingTag(1)
		r.Results = append(r.Results, res)
	}
	return r, finishDecode(d)
}

// encodePropertyValueEntry writes the BACnetPropertyValue production shared
// by WritePropertyMultiple and the COV notifications.
func encodePropertyValueEntry(buf *EncodeBuffer, pv PropertyValue) {
	buf.WriteContextEnumerated(0, uint32(pv.Ref.ID))
	writeOptionalIndex(buf, 1, pv.Ref.ArrayIndex)
	buf.WriteOpeningTag(2)
	for _, v := range pv.Values {
		buf.WriteValue(v)
	}
	buf.WriteClosingTag(2)
	if pv.Priority != 0 {
		buf.WriteContextUnsigned(3, uint32(pv.Priority))
	}
}

func decodePropertyValueEntry(d *Decoder) PropertyValue {
	pv := PropertyValue{}
	pv.Ref.ID = PropertyIdentifier(d.ReadContextUnsigned(0))
	pv.Ref.ArrayIndex = readOptionalIndex(d, 1)
	d.ReadOpeningTag(2)
	pv.Values = d.ReadListUntilClose(2)
	if d.IsContextTag(3) {
		pv.Priority = uint8(d.ReadContextUnsigned(3))
	}
	return pv
}

// WriteAccessSpecification is one object's slice of a WritePropertyMultiple
// request.
type WriteAccessSpecification struct {
	ObjectID ObjectIdentifier
	Values   []PropertyValue
}

// WritePropertyMultipleRequest is the WritePropertyMultiple service payload.
type WritePropertyMultipleRequest struct {
	Specs []WriteAccessSpecification
}

func (w *WritePropertyMultipleRequest) Encode(buf *EncodeBuffer) {
	for _, spec := range w.Specs {
		buf.WriteContextObjectID(0, spec.ObjectID)
		buf.WriteOpeningTag(1)
		for _, pv := range spec.Values {
			encodePropertyValueEntry(buf, pv)
		}
		buf.WriteClosingTag(1)
	}
}

func DecodeWritePropertyMultipleRequest(data []byte) (*WritePropertyMultipleRequest, error) {
	d := NewDecoder(data)
	w := &WritePropertyMultipleRequest{}
	for d.Err() == nil && d.Remaining() > 0 {
		spec := WriteAccessSpecification{ObjectID: d.ReadContextObjectID(0)}
		d.ReadOpeningTag(1)
		for d.Err() == nil && !d.IsClosingTag(1) {
			if d.Remaining() == 0 {
				return nil, ErrMissingRequired
			}
			spec.Values = append(spec.Values, decodePropertyValueEntry(d))
		}
		d.ReadClosingTag(1)
		w.Specs = append(w.Specs, spec)
	}
	if len(w.Specs) == 0 && d.Err() == nil {
		return nil, ErrMissingRequired
	}
	return w, finishDecode(d)
}

// SubscribeCOVRequest is the SubscribeCOV service payload. Confirmed and
// Lifetime absent together means cancellation.
type SubscribeCOVRequest struct {
	ProcessID    uint32
	ObjectID     ObjectIdentifier
	HasConfirmed bool
	Confirmed    bool
	HasLifetime  bool
	Lifetime     uint32
}

func (s *SubscribeCOVRequest) Encode(buf *EncodeBuffer) {
	buf.WriteContextUnsigned(0, s.ProcessID)
	buf.WriteContextObjectID(1, s.ObjectID)
	if s.HasConfirmed {
		buf.WriteContextBoolean(2, s.Confirmed)
	}
	if s.HasLifetime {
		buf.WriteContextUnsigned(3, s.Lifetime)
	}
}

func DecodeSubscribeCOVRequest(data []byte) (*SubscribeCOVRequest, error) {
	d := NewDecoder(data)
	s := &SubscribeCOVRequest{}
	s.ProcessID = d.ReadContextUnsigned(0)
	s.ObjectID = d.ReadContextObjectID(1)
	if d.IsContextTag(2) {
		s.HasConfirmed = true
		s.Confirmed = d.ReadContextBoolean(2)
	}
	if d.IsContextTag(3) {
		s.HasLifetime = true
		s.Lifetime = d.ReadContextUnsigned(3)
	}
	return s, finishDecode(d)
}

// SubscribeCOVPropertyRequest is the SubscribeCOVProperty service payload.
type SubscribeCOVPropertyRequest struct {
	SubscribeCOVRequest
	Monitored       PropertyReference
	HasCOVIncrement bool
	COVIncrement    float32
}

func (s *SubscribeCOVPropertyRequest) Encode(buf *EncodeBuffer) {
	s.SubscribeCOVRequest.Encode(buf)
	buf.WriteOpeningTag(4)
	buf.WriteContextEnumerated(0, uint32(s.Monitored.ID))
	writeOptionalIndex(buf, 1, s.Monitored.ArrayIndex)
	buf.WriteClosingTag(4)
	if s.HasCOVIncrement {
		buf.WriteTag(5, TagClassContext, 4)
		rb := NewEncodeBuffer(0, 0)
		rb.WriteReal(s.COVIncrement)
		buf.WriteBytes(rb.Bytes()[1:]) // strip the application tag octet
	}
}

func DecodeSubscribeCOVPropertyRequest(data []byte) (*SubscribeCOVPropertyRequest, error) {
	d := NewDecoder(data)
	s := &SubscribeCOVPropertyRequest{}
	s.ProcessID = d.ReadContextUnsigned(0)
	s.ObjectID = d.ReadContextObjectID(1)
	if d.IsContextTag(2) && !d.IsOpeningTag(2) {
		s.HasConfirmed = true
		s.Confirmed = d.ReadContextBoolean(2)
	}
	if d.IsContextTag(3) && !d.IsOpeningTag(3) {
		s.HasLifetime = true
		s.Lifetime = d.ReadContextUnsigned(3)
	}
	d.ReadOpeningTag(4)
	s.Monitored.ID = PropertyIdentifier(d.ReadContextUnsigned(0))
	s.Monitored.ArrayIndex = readOptionalIndex(d, 1)
	d.ReadClosingTag(4)
	if d.IsContextTag(5) {
		raw := d.ReadContextOctets(5)
		if len(raw) == 4 {
			vd := NewDecoder(append([]byte{0x44}, raw...))
			if v, ok := vd.ReadValue().Value.(float32); ok {
				s.HasCOVIncrement = true
				s.COVIncrement = v
			}
		}
	}
	return s, finishDecode(d)
}

// COVNotification is the payload shared by Confirmed- and
// UnconfirmedCOVNotification.
type COVNotification struct {
	ProcessID     uint32
	InitiatingDev ObjectIdentifier
	ObjectID      ObjectIdentifier
	TimeRemaining uint32
	Values        []PropertyValue
}

func (n *COVNotification) Encode(buf *EncodeBuffer) {
	buf.WriteContextUnsigned(0, n.ProcessID)
	buf.WriteContextObjectID(1, n.InitiatingDev)
	buf.WriteContextObjectID(2, n.ObjectID)
	buf.WriteContextUnsigned(3, n.TimeRemaining)
	buf.WriteOpeningTag(4)
	for _, pv := range n.Values {
		encodePropertyValueEntry(buf, pv)
	}
	buf.WriteClosingTag(4)
}

func DecodeCOVNotification(data []byte) (*COVNotification, error) {
	d := NewDecoder(data)
	n := &COVNotification{}
	n.ProcessID = d.ReadContextUnsigned(0)
	n.InitiatingDev = d.ReadContextObjectID(1)
	n.ObjectID = d.ReadContextObjectID(2)
	n.TimeRemaining = d.ReadContextUnsigned(3)
	d.ReadOpeningTag(4)
	for d.Err() == nil && !d.IsClosingTag(4) {
		if d.Remaining() == 0 {
			return nil, ErrMissingRequired
		}
		n.Values = append(n.Values, decodePropertyValueEntry(d))
	}
	d.ReadClosingTag(4)
	return n, finishDecode(d)
}

// EventNotification is the payload shared by Confirmed- and
// UnconfirmedEventNotification. Timestamp and event values stay opaque.
type EventNotification struct {
	ProcessID     uint32
	InitiatingDev ObjectIdentifier
	ObjectID      ObjectIdentifier
	Timestamp     ContextValue
	NotifyClass   uint32
	Priority      uint8
	EventType     uint32
	HasMessage    bool
	MessageText   string
	NotifyType    uint32
	HasAckRequired bool
	AckRequired   bool
	HasFromState  bool
	FromState     uint32
	ToState       uint32
	EventValues   *ContextValue
}

func (n *EventNotification) Encode(buf *EncodeBuffer) {
	buf.WriteContextUnsigned(0, n.ProcessID)
	buf.WriteContextObjectID(1, n.InitiatingDev)
	buf.WriteContextObjectID(2, n.ObjectID)
	buf.WriteOpeningTag(3)
	buf.WriteBytes(n.Timestamp.Data)
	buf.WriteClosingTag(3)
	buf.WriteContextUnsigned(4, n.NotifyClass)
	buf.WriteContextUnsigned(5, uint32(n.Priority))
	buf.WriteContextEnumerated(6, n.EventType)
	if n.HasMessage {
		buf.WriteContextCharacterString(7, n.MessageText)
	}
	buf.WriteContextEnumerated(8, n.NotifyType)
	if n.HasAckRequired {
		buf.WriteContextBoolean(9, n.AckRequired)
	}
	if n.HasFromState {
		buf.WriteContextEnumerated(10, n.FromState)
	}
	buf.WriteContextEnumerated(11, n.ToState)
	if n.EventValues != nil {
		buf.WriteOpeningTag(12)
		buf.WriteBytes(n.EventValues.Data)
		buf.WriteClosingTag(12)
	}
}

func DecodeEventNotification(data []byte) (*EventNotification, error) {
	d := NewDecoder(data)
	n := &EventNotification{}
	n.ProcessID = d.ReadContextUnsigned(0)
	n.InitiatingDev = d.ReadContextObjectID(1)
	n.ObjectID = d.ReadContextObjectID(2)
	ts := d.ReadValue()
	cv, ok := ts.Value.(ContextValue)
	if d.Err() == nil && (!ok || cv.TagNumber != 3) {
		return nil, ErrInvalidTag
	}
	n.Timestamp = cv
	n.NotifyClass = d.ReadContextUnsigned(4)
	n.Priority = uint8(d.ReadContextUnsigned(5))
	n.EventType = d.ReadContextUnsigned(6)
	if d.IsContextTag(7) {
		n.HasMessage = true
		n.MessageText = d.ReadContextCharacterString(7)
	}
	n.NotifyType = d.ReadContextUnsigned(8)
	if d.IsContextTag(9) && !d.IsOpeningTag(9) {
		n.HasAckRequired = true
		n.AckRequired = d.ReadContextBoolean(9)
	}
	if d.IsContextTag(10) && !d.IsOpeningTag(10) {
		n.HasFromState = true
		n.FromState = d.ReadContextUnsigned(10)
	}
	n.ToState = d.ReadContextUnsigned(11)
	if d.IsOpeningTag(12) {
		ev := d.ReadValue()
		if evv, ok := ev.Value.(ContextValue); ok {
			n.EventValues = &evv
		}
	}
	return n, finishDecode(d)
}

// AcknowledgeAlarmRequest is the AcknowledgeAlarm service payload.
type AcknowledgeAlarmRequest struct {
	ProcessID   uint32
	ObjectID    ObjectIdentifier
	EventState  uint32
	Timestamp   ContextValue
	AckSource   string
	TimeOfAck   ContextValue
}

func (a *AcknowledgeAlarmRequest) Encode(buf *EncodeBuffer) {
	buf.WriteContextUnsigned(0, a.ProcessID)
	buf.WriteContextObjectID(1, a.ObjectID)
	buf.WriteContextEnumerated(2, a.EventState)
	buf.WriteOpeningTag(3)
	buf.WriteBytes(a.Timestamp.Data)
	buf.WriteClosingTag(3)
	buf.WriteContextCharacterString(4, a.AckSource)
	buf.WriteOpeningTag(5)
	buf.WriteBytes(a.TimeOfAck.Data)
	buf.WriteClosingTag(5)
}

func DecodeAcknowledgeAlarmRequest(data []byte) (*AcknowledgeAlarmRequest, error) {
	d := NewDecoder(data)
	a := &AcknowledgeAlarmRequest{}
	a.ProcessID = d.ReadContextUnsigned(0)
	a.ObjectID = d.ReadContextObjectID(1)
	a.EventState = d.ReadContextUnsigned(2)
	ts := d.ReadValue()
	if cv, ok := ts.Value.(ContextValue); ok {
		a.Timestamp = cv
	} else if d.Err() == nil {
		return nil, ErrInvalidTag
	}
	a.AckSource = d.ReadContextCharacterString(4)
	toa := d.ReadValue()
	if cv, ok := toa.Value.(ContextValue); ok {
		a.TimeOfAck = cv
	} else if d.Err() == nil {
		return nil, ErrInvalidTag
	}
	return a, finishDecode(d)
}

// GetEventInformationRequest is the GetEventInformation service payload.
type GetEventInformationRequest struct {
	HasLastReceived bool
	LastReceived    ObjectIdentifier
}

func (g *GetEventInformationRequest) Encode(buf *EncodeBuffer) {
	if g.HasLastReceived {
		buf.WriteContextObjectID(0, g.LastReceived)
	}
}

func DecodeGetEventInformationRequest(data []byte) (*GetEventInformationRequest, error) {
	d := NewDecoder(data)
	g := &GetEventInformationRequest{}
	if d.IsContextTag(0) {
		g.HasLastReceived = true
		g.LastReceived = d.ReadContextObjectID(0)
	}
	return g, finishDecode(d)
}

// GetEventInformationAck carries the event summaries opaquely.
type GetEventInformationAck struct {
	Summaries  []byte
	MoreEvents bool
}

func (g *GetEventInformationAck) Encode(buf *EncodeBuffer) {
	buf.WriteOpeningTag(0)
	buf.WriteBytes(g.Summaries)
	buf.WriteClosingTag(0)
	buf.WriteContextBoolean(1, g.MoreEvents)
}

func DecodeGetEventInformationAck(data []byte) (*GetEventInformationAck, error) {
	d := NewDecoder(data)
	g := &GetEventInformationAck{}
	v := d.ReadValue()
	if cv, ok := v.Value.(ContextValue); ok {
		g.Summaries = cv.Data
	} else if d.Err() == nil {
		return nil, ErrInvalidTag
	}
	g.MoreEvents = d.ReadContextBoolean(1)
	return g, finishDecode(d)
}

// CommunicationControl enumerates DeviceCommunicationControl states.
type CommunicationControl uint32

const (
	CommunicationEnable            CommunicationControl = 0
	CommunicationDisable           CommunicationControl = 1
	CommunicationDisableInitiation CommunicationControl = 2
)

// DeviceCommunicationControlRequest is the DCC service payload.
type DeviceCommunicationControlRequest struct {
	HasDuration bool
	Duration    uint16 // minutes
	Enable      CommunicationControl
	HasPassword bool
	Password    string
}

func (r *DeviceCommunicationControlRequest) Encode(buf *EncodeBuffer) {
	if r.HasDuration {
		buf.WriteContextUnsigned(0, uint32(r.Duration))
	}
	buf.WriteContextEnumerated(1, uint32(r.Enable))
	if r.HasPassword {
		buf.WriteContextCharacterString(2, r.Password)
	}
}

func DecodeDeviceCommunicationControlRequest(data []byte) (*DeviceCommunicationControlRequest, error) {
	d := NewDecoder(data)
	r := &DeviceCommunicationControlRequest{}
	if d.IsContextTag(0) {
		r.HasDuration = true
		r.Duration = uint16(d.ReadContextUnsigned(0))
	}
	r.Enable = CommunicationControl(d.ReadContextUnsigned(1))
	if d.IsContextTag(2) {
		r.HasPassword = true
		r.Password = d.ReadContextCharacterString(2)
	}
	return r, finishDecode(d)
}

// ReinitializedState enumerates ReinitializeDevice targets.
type ReinitializedState uint32

const (
	ReinitColdstart ReinitializedState = 0
	ReinitWarmstart ReinitializedState = 1
)

// ReinitializeDeviceRequest is the ReinitializeDevice service payload.
type ReinitializeDeviceRequest struct {
	State       ReinitializedState
	HasPassword bool
	Password    string
}

func (r *ReinitializeDeviceRequest) Encode(buf *EncodeBuffer) {
	buf.WriteContextEnumerated(0, uint32(r.State))
	if r.HasPassword {
		buf.WriteContextCharacterString(1, r.Password)
	}
}

func DecodeReinitializeDeviceRequest(data []byte) (*ReinitializeDeviceRequest, error) {
	d := NewDecoder(data)
	r := &ReinitializeDeviceRequest{}
	r.State = ReinitializedState(d.ReadContextUnsigned(0))
	if d.IsContextTag(1) {
		r.HasPassword = true
		r.Password = d.ReadContextCharacterString(1)
	}
	return r, finishDecode(d)
}

// AtomicReadFileRequest is the stream-access AtomicReadFile payload.
type AtomicReadFileRequest struct {
	FileID     ObjectIdentifier
	StartPos   int32
	OctetCount uint32
}

func (r *AtomicReadFileRequest) Encode(buf *EncodeBuffer) {
	buf.WriteObjectID(r.FileID)
	buf.WriteOpeningTag(0)
	buf.WriteSigned(r.StartPos)
	buf.WriteUnsigned(r.OctetCount)
	buf.WriteClosingTag(0)
}

func DecodeAtomicReadFileRequest(data []byte) (*AtomicReadFileRequest, error) {
	d := NewDecoder(data)
	r := &AtomicReadFileRequest{}
	oid := d.ReadValue()
	if v, ok := oid.Value.(ObjectIdentifier); ok {
		r.FileID = v
	} else if d.Err() == nil {
		return nil, ErrInvalidTag
	}
	d.ReadOpeningTag(0)
	if v, ok := d.ReadValue().Value.(int32); ok {
		r.StartPos = v
	}
	if v, ok := d.ReadValue().Value.(uint32); ok {
		r.OctetCount = v
	}
	d.ReadClosingTag(0)
	return r, finishDecode(d)
}

// AtomicReadFileAck is the stream-access AtomicReadFile complex-ack payload.
type AtomicReadFileAck struct {
	EndOfFile bool
	StartPos  int32
	Data      []byte
}

func (a *AtomicReadFileAck) Encode(buf *EncodeBuffer) {
	buf.WriteBoolean(a.EndOfFile)
	buf.WriteOpeningTag(0)
	buf.WriteSigned(a.StartPos)
	buf.WriteOctetString(a.Data)
	buf.WriteClosingTag(0)
}

func DecodeAtomicReadFileAck(data []byte) (*AtomicReadFileAck, error) {
	d := NewDecoder(data)
	a := &AtomicReadFileAck{}
	if v, ok := d.ReadValue().Value.(bool); ok {
		a.EndOfFile = v
	} else if d.Err() == nil {
		return nil, ErrInvalidTag
	}
	d.ReadOpeningTag(0)
	if v, ok := d.ReadValue().Value.(int32); ok {
		a.StartPos = v
	}
	if v, ok := d.ReadValue().Value.([]byte); ok {
		a.Data = v
	}
	d.ReadClosingTag(0)
	return a, finishDecode(d)
}

// AtomicWriteFileRequest is the stream-access AtomicWriteFile payload.
type AtomicWriteFileRequest struct {
	FileID   ObjectIdentifier
	StartPos int32
	Data     []byte
}

func (r *AtomicWriteFileRequest) Encode(buf *EncodeBuffer) {
	buf.WriteObjectID(r.FileID)
	buf.WriteOpeningTag(0)
	buf.WriteSigned(r.StartPos)
	buf.WriteOctetString(r.Data)
	buf.WriteClosingTag(0)
}

func DecodeAtomicWriteFileRequest(data []byte) (*AtomicWriteFileRequest, error) {
	d := NewDecoder(data)
	r := &AtomicWriteFileRequest{}
	oid := d.ReadValue()
	if v, ok := oid.Value.(ObjectIdentifier); ok {
		r.FileID = v
	} else if d.Err() == nil {
		return nil, ErrInvalidTag
	}
	d.ReadOpeningTag(0)
	if v, ok := d.ReadValue().Value.(int32); ok {
		r.StartPos = v
	}
	if v, ok := d.ReadValue().Value.([]byte); ok {
		r.Data = v
	}
	d.ReadClosingTag(0)
	return r, finishDecode(d)
}

// AtomicWriteFileAck is the AtomicWriteFile complex-ack payload.
type AtomicWriteFileAck struct {
	StartPos int32
}

func (a *AtomicWriteFileAck) Encode(buf *EncodeBuffer) {
	buf.WriteContextSigned(0, a.StartPos)
}

func DecodeAtomicWriteFileAck(data []byte) (*AtomicWriteFileAck, error) {
	d := NewDecoder(data)
	a := &AtomicWriteFileAck{}
	raw := d.ReadContextOctets(0)
	a.StartPos = decodeSignedBytes(raw)
	return a, finishDecode(d)
}

// RangeType selects the ReadRange window form.
type RangeType uint8

const (
	RangeAll        RangeType = 0
	RangeByPosition RangeType = 1
	RangeBySequence RangeType = 2
)

// ReadRangeRequest is the ReadRange service payload.
type ReadRangeRequest struct {
	ObjectID  ObjectIdentifier
	Property  PropertyReference
	Range     RangeType
	Reference uint32
	Count     int32
}

func (r *ReadRangeRequest) Encode(buf *EncodeBuffer) {
	buf.WriteContextObjectID(0, r.ObjectID)
	buf.WriteContextEnumerated(1, uint32(r.Property.ID))
	writeOptionalIndex(buf, 2, r.Property.ArrayIndex)
	switch r.Range {
	case RangeByPosition:
		buf.WriteOpeningTag(3)
		buf.WriteUnsigned(r.Reference)
		buf.WriteSigned(r.Count)
		buf.WriteClosingTag(3)
	case RangeBySequence:
		buf.WriteOpeningTag(6)
		buf.WriteUnsigned(r.Reference)
		buf.WriteSigned(r.Count)
		buf.WriteClosingTag(6)
	}
}

func DecodeReadRangeRequest(data []byte) (*ReadRangeRequest, error) {
	d := NewDecoder(data)
	r := &ReadRangeRequest{}
	r.ObjectID = d.ReadContextObjectID(0)
	r.Property.ID = PropertyIdentifier(d.ReadContextUnsigned(1))
	r.Property.ArrayIndex = readOptionalIndex(d, 2)
	for _, rt := range []struct {
		tag uint8
		typ RangeType
	}{{3, RangeByPosition}, {6, RangeBySequence}} {
		if d.IsOpeningTag(rt.tag) {
			d.ReadOpeningTag(rt.tag)
			if v, ok := d.ReadValue().Value.(uint32); ok {
				r.Reference = v
			}
			if v, ok := d.ReadValue().Value.(int32); ok {
				r.Count = v
			}
			d.ReadClosingTag(rt.tag)
			r.Range = rt.typ
			break
		}
	}
	return r, finishDecode(d)
}

// ReadRangeAck is the ReadRange complex-ack payload. Items stay opaque.
type ReadRangeAck struct {
	ObjectID    ObjectIdentifier
	Property    PropertyReference
	ResultFlags BitString
	ItemCount   uint32
	Items       []byte
	HasFirstSeq bool
	FirstSeq    uint32
}

func (a *ReadRangeAck) Encode(buf *EncodeBuffer) {
	buf.WriteContextObjectID(0, a.ObjectID)
	buf.WriteContextEnumerated(1, uint32(a.Property.ID))
	writeOptionalIndex(buf, 2, a.Property.ArrayIndex)
	buf.WriteContextOctets(3, append([]byte{a.ResultFlags.UnusedBits}, a.ResultFlags.Data...))
	buf.WriteContextUnsigned(4, a.ItemCount)
	buf.WriteOpeningTag(5)
	buf.WriteBytes(a.Items)
	buf.WriteClosingTag(5)
	if a.HasFirstSeq {
		buf.WriteContextUnsigned(6, a.FirstSeq)
	}
}

func DecodeReadRangeAck(data []byte) (*ReadRangeAck, error) {
	d := NewDecoder(data)
	a := &ReadRangeAck{}
	a.ObjectID = d.ReadContextObjectID(0)
	a.Property.ID = PropertyIdentifier(d.ReadContextUnsigned(1))
	a.Property.ArrayIndex = readOptionalIndex(d, 2)
	flags := d.ReadContextOctets(3)
	if len(flags) >= 1 {
		a.ResultFlags = BitString{UnusedBits: flags[0], Data: flags[1:]}
	}
	a.ItemCount = d.ReadContextUnsigned(4)
	v := d.ReadValue()
	if cv, ok := v.Value.(ContextValue); ok {
		a.Items = cv.Data
	} else if d.Err() == nil {
		return nil, ErrInvalidTag
	}
	if d.IsContextTag(6) {
		a.HasFirstSeq = true
		a.FirstSeq = d.ReadContextUnsigned(6)
	}
	return a, finishDecode(d)
}

// CreateObjectRequest is the CreateObject service payload.
type CreateObjectRequest struct {
	// Either a bare type (instance assigned by the device) or a full id.
	HasObjectID   bool
	ObjectID      ObjectIdentifier
	ObjectType    ObjectType
	InitialValues []PropertyValue
}

func (r *CreateObjectRequest) Encode(buf *EncodeBuffer) {
	buf.WriteOpeningTag(0)
	if r.HasObjectID {
		buf.WriteContextObjectID(1, r.ObjectID)
	} else {
		buf.WriteContextEnumerated(0, uint32(r.ObjectType))
	}
	buf.WriteClosingTag(0)
	if len(r.InitialValues) > 0 {
		buf.WriteOpeningTag(1)
		for _, pv := range r.InitialValues {
			encodePropertyValueEntry(buf, pv)
		}
		buf.WriteClosingTag(1)
	}
}

func DecodeCreateObjectRequest(data []byte) (*CreateObjectRequest, error) {
	d := NewDecoder(data)
	r := &CreateObjectRequest{}
	d.ReadOpeningTag(0)
	switch {
	case d.IsContextTag(1):
		r.HasObjectID = true
		r.ObjectID = d.ReadContextObjectID(1)
	case d.IsContextTag(0):
		r.ObjectType = ObjectType(d.ReadContextUnsigned(0))
	default:
		return nil, ErrMissingRequired
	}
	d.ReadClosingTag(0)
	if d.IsOpeningTag(1) {
		d.ReadOpeningTag(1)
		for d.Err() == nil && !d.IsClosingTag(1) {
			if d.Remaining() == 0 {
				return nil, ErrMissingRequired
			}
			r.InitialValues = append(r.InitialValues, decodePropertyValueEntry(d))
		}
		d.ReadClosingTag(1)
	}
	return r, finishDecode(d)
}

// CreateObjectAck is the CreateObject complex-ack payload.
type CreateObjectAck struct {
	ObjectID ObjectIdentifier
}

func (a *CreateObjectAck) Encode(buf *EncodeBuffer) {
	buf.WriteObjectID(a.ObjectID)
}

func DecodeCreateObjectAck(data []byte) (*CreateObjectAck, error) {
	d := NewDecoder(data)
	a := &CreateObjectAck{}
	if v, ok := d.ReadValue().Value.(ObjectIdentifier); ok {
		a.ObjectID = v
	} else if d.Err() == nil {
		return nil, ErrInvalidTag
	}
	return a, finishDecode(d)
}

// DeleteObjectRequest is the DeleteObject service payload.
type DeleteObjectRequest struct {
	ObjectID ObjectIdentifier
}

func (r *DeleteObjectRequest) Encode(buf *EncodeBuffer) {
	buf.WriteObjectID(r.ObjectID)
}

func DecodeDeleteObjectRequest(data []byte) (*DeleteObjectRequest, error) {
	d := NewDecoder(data)
	r := &DeleteObjectRequest{}
	if v, ok := d.ReadValue().Value.(ObjectIdentifier); ok {
		r.ObjectID = v
	} else if d.Err() == nil {
		return nil, ErrInvalidTag
	}
	return r, finishDecode(d)
}

// ListElementRequest is the payload shared by AddListElement and
// RemoveListElement.
type ListElementRequest struct {
	ObjectID ObjectIdentifier
	Property PropertyReference
	Elements []TaggedValue
}

func (r *ListElementRequest) Encode(buf *EncodeBuffer) {
	buf.WriteContextObjectID(0, r.ObjectID)
	buf.WriteContextEnumerated(1, uint32(r.Property.ID))
	writeOptionalIndex(buf, 2, r.Property.ArrayIndex)
	buf.WriteOpeningTag(3)
	for _, v := range r.Elements {
		buf.WriteValue(v)
	}
	buf.WriteClosingTag(3)
}

func DecodeListElementRequest(data []byte) (*ListElementRequest, error) {
	d := NewDecoder(data)
	r := &ListElementRequest{}
	r.ObjectID = d.ReadContextObjectID(0)
	r.Property.ID = PropertyIdentifier(d.ReadContextUnsigned(1))
	r.Property.ArrayIndex = readOptionalIndex(d, 2)
	d.ReadOpeningTag(3)
	r.Elements = d.ReadListUntilClose(3)
	return r, finishDecode(d)
}

// LifeSafetyOperationRequest is the LifeSafetyOperation service payload.
type LifeSafetyOperationRequest struct {
	ProcessID   uint32
	Source      string
	Request     uint32
	HasObjectID bool
	ObjectID    ObjectIdentifier
}

func (r *LifeSafetyOperationRequest) Encode(buf *EncodeBuffer) {
	buf.WriteContextUnsigned(0, r.ProcessID)
	buf.WriteContextCharacterString(1, r.Source)
	buf.WriteContextEnumerated(2, r.Request)
	if r.HasObjectID {
		buf.WriteContextObjectID(3, r.ObjectID)
	}
}

func DecodeLifeSafetyOperationRequest(data []byte) (*LifeSafetyOperationRequest, error) {
	d := NewDecoder(data)
	r := &LifeSafetyOperationRequest{}
	r.ProcessID = d.ReadContextUnsigned(0)
	r.Source = d.ReadContextCharacterString(1)
	r.Request = d.ReadContextUnsigned(2)
	if d.IsContextTag(3) {
		r.HasObjectID = true
		r.ObjectID = d.ReadContextObjectID(3)
	}
	return r, finishDecode(d)
}

// WhoIsRequest is the Who-Is service payload. Low == High == -1 means no
// range: every device answers.
type WhoIsRequest struct {
	Low  int32
	High int32
}

func (w *WhoIsRequest) Encode(buf *EncodeBuffer) {
	if w.Low >= 0 && w.High >= 0 {
		buf.WriteContextUnsigned(0, uint32(w.Low))
		buf.WriteContextUnsigned(1, uint32(w.High))
	}
}

func DecodeWhoIsRequest(data []byte) (*WhoIsRequest, error) {
	d := NewDecoder(data)
	w := &WhoIsRequest{Low: -1, High: -1}
	if d.Remaining() == 0 {
		return w, nil
	}
	w.Low = int32(d.ReadContextUnsigned(0))
	w.High = int32(d.ReadContextUnsigned(1))
	return w, finishDecode(d)
}

// Matches reports whether a device id falls inside the Who-Is range.
func (w *WhoIsRequest) Matches(deviceID uint32) bool {
	if w.Low < 0 || w.High < 0 {
		return true
	}
	return deviceID >= uint32(w.Low) && deviceID <= uint32(w.High)
}

// IAmRequest is the I-Am service payload.
type IAmRequest struct {
	DeviceID     ObjectIdentifier
	MaxAPDU      uint32
	Segmentation Segmentation
	VendorID     uint32
}

func (i *IAmRequest) Encode(buf *EncodeBuffer) {
	buf.WriteObjectID(i.DeviceID)
	buf.WriteUnsigned(i.MaxAPDU)
	buf.WriteEnumerated(uint32(i.Segmentation))
	buf.WriteUnsigned(i.VendorID)
}

func DecodeIAmRequest(data []byte) (*IAmRequest, error) {
	d := NewDecoder(data)
	i := &IAmRequest{}
	oid, ok := d.ReadValue().Value.(ObjectIdentifier)
	if !ok {
		if err := d.Err(); err != nil {
			return nil, err
		}
		return nil, ErrInvalidTag
	}
	i.DeviceID = oid
	if v, ok := d.ReadValue().Value.(uint32); ok {
		i.MaxAPDU = v
	}
	if v, ok := d.ReadValue().Value.(uint32); ok {
		i.Segmentation = Segmentation(v)
	}
	if v, ok := d.ReadValue().Value.(uint32); ok {
		i.VendorID = v
	}
	if i.DeviceID.Type != ObjectTypeDevice {
		return nil, ErrInvalidTag
	}
	return i, finishDecode(d)
}

// WhoHasRequest is the Who-Has service payload: an optional device range
// plus an object id or name.
type WhoHasRequest struct {
	Low      int32
	High     int32
	HasID    bool
	ObjectID ObjectIdentifier
	Name     string
}

func (w *WhoHasRequest) Encode(buf *EncodeBuffer) {
	if w.Low >= 0 && w.High >= 0 {
		buf.WriteContextUnsigned(0, uint32(w.Low))
		buf.WriteContextUnsigned(1, uint32(w.High))
	}
	if w.HasID {
		buf.WriteContextObjectID(2, w.ObjectID)
		return
	}
	buf.WriteContextCharacterString(3, w.Name)
}

func DecodeWhoHasRequest(data []byte) (*WhoHasRequest, error) {
	d := NewDecoder(data)
	w := &WhoHasRequest{Low: -1, High: -1}
	if d.IsContextTag(0) {
		w.Low = int32(d.ReadContextUnsigned(0))
		w.High = int32(d.ReadContextUnsigned(1))
	}
	switch {
	case d.IsContextTag(2):
		w.HasID = true
		w.ObjectID = d.ReadContextObjectID(2)
	case d.IsContextTag(3):
		w.Name = d.ReadContextCharacterString(3)
	default:
		return nil, ErrMissingRequired
	}
	return w, finishDecode(d)
}

// IHaveRequest is the I-Have service payload.
type IHaveRequest struct {
	DeviceID   ObjectIdentifier
	ObjectID   ObjectIdentifier
	ObjectName string
}

func (i *IHaveRequest) Encode(buf *EncodeBuffer) {
	buf.WriteObjectID(i.DeviceID)
	buf.WriteObjectID(i.ObjectID)
	buf.WriteCharacterString(i.ObjectName)
}

func DecodeIHaveRequest(data []byte) (*IHaveRequest, error) {
	d := NewDecoder(data)
	i := &IHaveRequest{}
	if v, ok := d.ReadValue().Value.(ObjectIdentifier); ok {
		i.DeviceID = v
	}
	if v, ok := d.ReadValue().Value.(ObjectIdentifier); ok {
		i.ObjectID = v
	}
	if v, ok := d.ReadValue().Value.(string); ok {
		i.ObjectName = v
	}
	return i, finishDecode(d)
}

// TimeSynchronizationRequest is the payload shared by TimeSynchronization
// and UTCTimeSynchronization.
type TimeSynchronizationRequest struct {
	Date Date
	Time Time
}

func (t *TimeSynchronizationRequest) Encode(buf *EncodeBuffer) {
	buf.WriteDate(t.Date)
	buf.WriteTime(t.Time)
}

func DecodeTimeSynchronizationRequest(data []byte) (*TimeSynchronizationRequest, error) {
	d := NewDecoder(data)
	t := &TimeSynchronizationRequest{}
	t.Date = d.ReadDate()
	t.Time = d.ReadTime()
	return t, finishDecode(d)
}

// ErrorPayload is the class/code pair carried by an Error APDU.
type ErrorPayload struct {
	Class ErrorClass
	Code  ErrorCode
}

func (e *ErrorPayload) Encode(buf *EncodeBuffer) {
	buf.WriteEnumerated(uint32(e.Class))
	buf.WriteEnumerated(uint32(e.Code))
}

func DecodeErrorPayload(data []byte) (*ErrorPayload, error) {
	d := NewDecoder(data)
	e := &ErrorPayload{}
	if v, ok := d.ReadValue().Value.(uint32); ok {
		e.Class = ErrorClass(v)
	} else if d.Err() == nil {
		return nil, ErrInvalidTag
	}
	if v, ok := d.ReadValue().Value.(uint32); ok {
		e.Code = ErrorCode(v)
	} else if d.Err() == nil {
		return nil, ErrInvalidTag
	}
	// some stacks append context-tagged extras; tolerate them
	return e, d.Err()
}
