package bacnet

import (
	"bytes"
	"errors"
	"testing"
)

// Wire layouts below follow ASHRAE 135 clause 20.2 (tag octet NNNNCLLL).

func TestTagEncodingByteExact(t *testing.T) {
	cases := []struct {
		name  string
		write func(buf *EncodeBuffer)
		want  []byte
	}{
		{"null", func(b *EncodeBuffer) { b.WriteNull() }, []byte{0x00}},
		{"boolean-true", func(b *EncodeBuffer) { b.WriteBoolean(true) }, []byte{0x11}},
		{"boolean-false", func(b *EncodeBuffer) { b.WriteBoolean(false) }, []byte{0x10}},
		{"unsigned-1-octet", func(b *EncodeBuffer) { b.WriteUnsigned(72) }, []byte{0x21, 0x48}},
		{"unsigned-2-octet", func(b *EncodeBuffer) { b.WriteUnsigned(0x0102) }, []byte{0x22, 0x01, 0x02}},
		{"unsigned-4-octet", func(b *EncodeBuffer) { b.WriteUnsigned(0x01020304) }, []byte{0x24, 0x01, 0x02, 0x03, 0x04}},
		{"signed-negative", func(b *EncodeBuffer) { b.WriteSigned(-1) }, []byte{0x31, 0xFF}},
		{"real", func(b *EncodeBuffer) { b.WriteReal(6.0) }, []byte{0x44, 0x40, 0xC0, 0x00, 0x00}},
		{"enumerated", func(b *EncodeBuffer) { b.WriteEnumerated(0) }, []byte{0x91, 0x00}},
		{"character-string", func(b *EncodeBuffer) { b.WriteCharacterString("A") }, []byte{0x72, 0x00, 0x41}},
		{"object-id", func(b *EncodeBuffer) { b.WriteObjectID(ObjectIdentifier{Type: ObjectTypeDevice, Instance: 666}) },
			[]byte{0xC4, 0x02, 0x00, 0x02, 0x9A}},
		{"context-unsigned", func(b *EncodeBuffer) { b.WriteContextUnsigned(1, 85) }, []byte{0x19, 0x55}},
		{"opening-tag-3", func(b *EncodeBuffer) { b.WriteOpeningTag(3) }, []byte{0x3E}},
		{"closing-tag-3", func(b *EncodeBuffer) { b.WriteClosingTag(3) }, []byte{0x3F}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			buf := NewEncodeBuffer(0, 0)
			tc.write(buf)
			if err := buf.Err(); err != nil {
				t.Fatalf("encode error: %v", err)
			}
			if !bytes.Equal(buf.Bytes(), tc.want) {
				t.Errorf("got % X, want % X", buf.Bytes(), tc.want)
			}
		})
	}
}

func TestExtendedLengthTag(t *testing.T) {
	payload := make([]byte, 300)
	for i := range payload {
		payload[i] = byte(i)
	}
	buf := NewEncodeBuffer(0, 0)
	buf.WriteOctetString(payload)
	if err := buf.Err(); err != nil {
		t.Fatalf("encode error: %v", err)
	}
	// 0x65: octet-string, length escape; 254 marks a 2-byte length
	want := []byte{0x65, 0xFE, 0x01, 0x2C}
	if !bytes.Equal(buf.Bytes()[:4], want) {
		t.Fatalf("header got % X, want % X", buf.Bytes()[:4], want)
	}

	d := NewDecoder(buf.Bytes())
	v := d.ReadValue()
	if err := d.Err(); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if got := v.Value.([]byte); !bytes.Equal(got, payload) {
		t.Error("payload mismatch after round trip")
	}
}

func TestTaggedValueRoundTrip(t *testing.T) {
	values := []TaggedValue{
		NullValue(),
		BooleanValue(true),
		BooleanValue(false),
		UnsignedValue(0),
		UnsignedValue(255),
		UnsignedValue(70000),
		UnsignedValue(0xFFFFFFFF),
		SignedValue(-1),
		SignedValue(-129),
		SignedValue(8388608),
		RealValue(1234.5),
		DoubleValue(-2.75e100),
		{Tag: TagOctetString, Value: []byte{0xDE, 0xAD, 0xBE, 0xEF}},
		StringValue("zone-7 supply temp"),
		StringValue(""),
		{Tag: TagBitString, Value: BitString{UnusedBits: 4, Data: []byte{0xA0}}},
		EnumeratedValue(3),
		{Tag: TagDate, Value: Date{Year: 126, Month: 8, Day: 6, Weekday: 4}},
		{Tag: TagDate, Value: Date{Year: 0xFF, Month: 0xFF, Day: 0xFF, Weekday: 0xFF}},
		{Tag: TagTime, Value: Time{Hour: 23, Minute: 59, Second: 59, Hundredths: 99}},
		ObjectIDValue(ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 42}),
	}
	for _, v := range values {
		buf := NewEncodeBuffer(0, 0)
		buf.WriteValue(v)
		if err := buf.Err(); err != nil {
			t.Fatalf("%v: encode error: %v", v, err)
		}
		d := NewDecoder(buf.Bytes())
		got := d.ReadValue()
		if err := d.Err(); err != nil {
			t.Fatalf("%v: decode error: %v", v, err)
		}
		if !got.Equal(v) {
			t.Errorf("round trip: got %#v, want %#v", got, v)
		}
		if d.Remaining() != 0 {
			t.Errorf("%v: %d trailing bytes", v, d.Remaining())
		}
	}
}

func TestConstructedRoundTrip(t *testing.T) {
	buf := NewEncodeBuffer(0, 0)
	buf.WriteOpeningTag(3)
	buf.WriteReal(1.5)
	buf.WriteUnsigned(7)
	buf.WriteClosingTag(3)

	d := NewDecoder(buf.Bytes())
	v := d.ReadValue()
	if err := d.Err(); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	cv, ok := v.Value.(ContextValue)
	if !ok || cv.TagNumber != 3 {
		t.Fatalf("expected context value tag 3, got %#v", v)
	}

	// replaying the captured payload yields the same bytes
	out := NewEncodeBuffer(0, 0)
	out.WriteValue(v)
	if !bytes.Equal(out.Bytes(), buf.Bytes()) {
		t.Errorf("replay got % X, want % X", out.Bytes(), buf.Bytes())
	}
}

func TestEncodeBufferOverflow(t *testing.T) {
	buf := NewEncodeBuffer(4, 16)
	buf.WriteOctetString(make([]byte, 8))
	if err := buf.Err(); err != nil {
		t.Fatalf("unexpected error before overflow: %v", err)
	}
	buf.WriteOctetString(make([]byte, 16))
	if !errors.Is(buf.Err(), ErrNotEnoughBuffer) {
		t.Fatalf("expected ErrNotEnoughBuffer, got %v", buf.Err())
	}
	// the error is sticky
	buf.WriteUnsigned(1)
	if !errors.Is(buf.Err(), ErrNotEnoughBuffer) {
		t.Error("overflow error not sticky")
	}
}

func TestHeaderReserve(t *testing.T) {
	buf := NewEncodeBuffer(4, 0)
	buf.WriteUnsigned(7)
	buf.SetHeader([]byte{0x81, 0x0A, 0x00, byte(buf.Len())})
	got := buf.Bytes()
	if got[0] != 0x81 || got[1] != 0x0A {
		t.Error("header prefix not written in place")
	}
	if !bytes.Equal(buf.Payload(), []byte{0x21, 0x07}) {
		t.Errorf("payload got % X", buf.Payload())
	}
}

func TestDecoderOptionalPeek(t *testing.T) {
	buf := NewEncodeBuffer(0, 0)
	buf.WriteContextUnsigned(0, 1)
	buf.WriteContextUnsigned(2, 3)

	d := NewDecoder(buf.Bytes())
	if !d.IsContextTag(0) {
		t.Fatal("expected context tag 0")
	}
	if d.IsContextTag(1) {
		t.Fatal("peek must not match tag 1")
	}
	if got := d.ReadContextUnsigned(0); got != 1 {
		t.Fatalf("got %d, want 1", got)
	}
	// the peek did not advance past tag 2
	if !d.IsContextTag(2) {
		t.Fatal("expected context tag 2 next")
	}
}

func TestDecoderTruncated(t *testing.T) {
	buf := NewEncodeBuffer(0, 0)
	buf.WriteUnsigned(0x01020304)
	data := buf.Bytes()[:3] // cut the value short

	d := NewDecoder(data)
	d.ReadValue()
	if d.Err() == nil {
		t.Fatal("expected decode error on truncated buffer")
	}
}
