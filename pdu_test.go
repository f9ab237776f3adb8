package bacnet

import (
	"bytes"
	"testing"
)

func TestBVLCRoundTrip(t *testing.T) {
	frame := EncodeBVLC(BVLCOriginalBroadcastNPDU, 20)
	frame = append(frame, make([]byte, 16)...)
	h, err := DecodeBVLC(frame)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if h.Type != BVLCTypeBACnetIP || h.Function != BVLCOriginalBroadcastNPDU || h.Length != 20 {
		t.Errorf("got %+v", h)
	}
}

func TestBVLCLengthMismatch(t *testing.T) {
	frame := EncodeBVLC(BVLCOriginalUnicastNPDU, 10)
	if _, err := DecodeBVLC(frame); err == nil {
		t.Fatal("expected length mismatch error")
	}
}

func encodeNPDU(n *NPDU) []byte {
	buf := NewEncodeBuffer(0, 0)
	n.Encode(buf)
	return buf.Bytes()
}

func TestNPDULocalRoundTrip(t *testing.T) {
	raw := encodeNPDU(NewNPDU(true, NPDUControlPriorityNormal))
	if !bytes.Equal(raw, []byte{0x01, 0x04}) {
		t.Fatalf("got % X", raw)
	}
	npdu, offset, err := DecodeNPDU(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if offset != 2 || npdu.Control&NPDUControlExpectingReply == 0 {
		t.Errorf("got offset %d control %02X", offset, npdu.Control)
	}
}

func TestNPDURoutedRoundTrip(t *testing.T) {
	in := &NPDU{
		Version:  0x01,
		Control:  NPDUControlExpectingReply,
		DestNet:  100,
		DestAddr: []byte{0x0A, 0x00, 0x00, 0x07, 0xBA, 0xC0},
		SrcNet:   200,
		SrcAddr:  []byte{0x01},
	}
	raw := encodeNPDU(in)
	out, offset, err := DecodeNPDU(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if offset != len(raw) {
		t.Errorf("offset %d, want %d", offset, len(raw))
	}
	if out.DestNet != 100 || !bytes.Equal(out.DestAddr, in.DestAddr) {
		t.Errorf("dest mismatch: %+v", out)
	}
	if out.SrcNet != 200 || !bytes.Equal(out.SrcAddr, in.SrcAddr) {
		t.Errorf("src mismatch: %+v", out)
	}
	// hop count defaults to 255 when unset
	if out.HopCount != DefaultHopCount {
		t.Errorf("hop count %d, want %d", out.HopCount, DefaultHopCount)
	}
}

func TestNPDUSourceAddress(t *testing.T) {
	in := &NPDU{Version: 0x01, SrcNet: 200, SrcAddr: []byte{0x01}}
	raw := encodeNPDU(in)
	out, _, err := DecodeNPDU(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	local := Address{MAC: []byte{10, 0, 0, 7, 0xBA, 0xC0}}
	src := out.SourceAddress(local)
	if src.Net != 200 || !bytes.Equal(src.MAC, []byte{0x01}) {
		t.Errorf("routed source not carried: %+v", src)
	}
	if src.RoutedSource == nil || !src.RoutedSource.Equal(local) {
		t.Error("router endpoint not preserved")
	}
}

func roundTripAPDU(t *testing.T, encode func(buf *EncodeBuffer)) *APDU {
	t.Helper()
	buf := NewEncodeBuffer(0, 0)
	encode(buf)
	if err := buf.Err(); err != nil {
		t.Fatalf("encode: %v", err)
	}
	apdu, err := DecodeAPDU(buf.Bytes())
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	return apdu
}

func TestAPDUHeads(t *testing.T) {
	apdu := roundTripAPDU(t, func(buf *EncodeBuffer) {
		EncodeConfirmedRequestHeader(buf, 42, ServiceReadProperty, 3, 5, false, false, 0, 0)
		buf.WriteBytes([]byte{0xAA})
	})
	if apdu.Type != PDUTypeConfirmedRequest || apdu.InvokeID != 42 ||
		ConfirmedServiceChoice(apdu.Service) != ServiceReadProperty ||
		apdu.Segmented || len(apdu.Data) != 1 {
		t.Errorf("confirmed head: %+v", apdu)
	}
	if apdu.MaxSegments != 3 || apdu.MaxAPDU != 5 {
		t.Errorf("negotiation bits: %+v", apdu)
	}

	apdu = roundTripAPDU(t, func(buf *EncodeBuffer) {
		EncodeConfirmedRequestHeader(buf, 7, ServiceReadPropertyMultiple, 6, 5, true, true, 4, 10)
	})
	if !apdu.Segmented || !apdu.MoreFollows || apdu.SequenceNum != 4 || apdu.WindowSize != 10 {
		t.Errorf("segmented confirmed head: %+v", apdu)
	}

	apdu = roundTripAPDU(t, func(buf *EncodeBuffer) {
		EncodeUnconfirmedRequestHeader(buf, ServiceWhoIs)
	})
	if apdu.Type != PDUTypeUnconfirmedRequest || UnconfirmedServiceChoice(apdu.Service) != ServiceWhoIs {
		t.Errorf("unconfirmed head: %+v", apdu)
	}

	apdu = roundTripAPDU(t, func(buf *EncodeBuffer) {
		EncodeSimpleAck(buf, 9, ServiceWriteProperty)
	})
	if apdu.Type != PDUTypeSimpleAck || apdu.InvokeID != 9 ||
		ConfirmedServiceChoice(apdu.Service) != ServiceWriteProperty {
		t.Errorf("simple ack: %+v", apdu)
	}

	apdu = roundTripAPDU(t, func(buf *EncodeBuffer) {
		EncodeComplexAckHeader(buf, 9, ServiceReadProperty, true, false, 12, 10)
		buf.WriteBytes([]byte{0x01, 0x02})
	})
	if apdu.Type != PDUTypeComplexAck || !apdu.Segmented || apdu.MoreFollows ||
		apdu.SequenceNum != 12 || apdu.WindowSize != 10 || len(apdu.Data) != 2 {
		t.Errorf("segmented complex ack: %+v", apdu)
	}

	apdu = roundTripAPDU(t, func(buf *EncodeBuffer) {
		EncodeSegmentAck(buf, 9, true, true, 12, 8)
	})
	if apdu.Type != PDUTypeSegmentAck || !apdu.NegativeAck || !apdu.FromServer ||
		apdu.SequenceNum != 12 || apdu.WindowSize != 8 {
		t.Errorf("segment ack: %+v", apdu)
	}

	apdu = roundTripAPDU(t, func(buf *EncodeBuffer) {
		EncodeErrorHeader(buf, 5, ServiceReadProperty)
		payload := ErrorPayload{Class: ErrorClassObject, Code: ErrorCodeUnknownObject}
		payload.Encode(buf)
	})
	if apdu.Type != PDUTypeError || apdu.InvokeID != 5 {
		t.Errorf("error head: %+v", apdu)
	}
	ep, err := DecodeErrorPayload(apdu.Data)
	if err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if ep.Class != ErrorClassObject || ep.Code != ErrorCodeUnknownObject {
		t.Errorf("error payload: %+v", ep)
	}

	apdu = roundTripAPDU(t, func(buf *EncodeBuffer) {
		EncodeReject(buf, 5, RejectReasonUnrecognizedService)
	})
	if apdu.Type != PDUTypeReject || RejectReason(apdu.Service) != RejectReasonUnrecognizedService {
		t.Errorf("reject: %+v", apdu)
	}

	apdu = roundTripAPDU(t, func(buf *EncodeBuffer) {
		EncodeAbort(buf, 5, true, AbortReasonApduTooLong)
	})
	if apdu.Type != PDUTypeAbort || !apdu.FromServer || AbortReason(apdu.Service) != AbortReasonApduTooLong {
		t.Errorf("abort: %+v", apdu)
	}
}

func TestMaxAPDUCodes(t *testing.T) {
	if MaxAPDUFromCode(5) != 1476 || MaxAPDUFromCode(0) != 50 {
		t.Error("code to octets mapping broken")
	}
	if MaxAPDUToCode(1476) != 5 || MaxAPDUToCode(480) != 3 || MaxAPDUToCode(60) != 0 {
		t.Error("octets to code mapping broken")
	}
}
