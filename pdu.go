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
	"encoding/binary"
	"fmt"
)

// BVLCHeaderLength is the fixed BACnet/IP link-control prefix size.
const BVLCHeaderLength = 4

// DefaultHopCount is the NPDU hop count used when none is given.
const DefaultHopCount = 255

// BVLCHeader is the 4-byte BACnet Virtual Link Control prefix.
type BVLCHeader struct {
	Type     BVLCType
	Function BVLCFunction
	Length   uint16
}

// EncodeBVLC writes the BVLC header for a datagram of the given total
// length (BVLC header included).
func EncodeBVLC(function BVLCFunction, totalLength int) []byte {
	buf := make([]byte, BVLCHeaderLength)
	buf[0] = byte(BVLCTypeBACnetIP)
	buf[1] = byte(function)
	binary.BigEndian.PutUint16(buf[2:], uint16(totalLength))
	return buf
}

// DecodeBVLC decodes the BVLC header.
func DecodeBVLC(data []byte) (*BVLCHeader, error) {
	if len(data) < BVLCHeaderLength {
		return nil, ErrInvalidBVLC
	}
	h := &BVLCHeader{
		Type:     BVLCType(data[0]),
		Function: BVLCFunction(data[1]),
		Length:   binary.BigEndian.Uint16(data[2:4]),
	}
	if h.Type != BVLCTypeBACnetIP {
		return nil, fmt.Errorf("%w: type %02x", ErrInvalidBVLC, data[0])
	}
	if int(h.Length) != len(data) {
		return nil, fmt.Errorf("%w: length %d != datagram %d", ErrInvalidBVLC, h.Length, len(data))
	}
	return h, nil
}

// NPDU is the network-layer envelope around an APDU.
type NPDU struct {
	Version     uint8
	Control     NPDUControl
	DestNet     uint16
	DestAddr    []byte
	HopCount    uint8
	SrcNet      uint16
	SrcAddr     []byte
	MessageType uint8
	VendorID    uint16
}

// NewNPDU builds a local (unrouted) NPDU.
func NewNPDU(expectingReply bool, priority NPDUControl) *NPDU {
	control := priority
	if expectingReply {
		control |= NPDUControlExpectingReply
	}
	return &NPDU{Version: 0x01, Control: control}
}

// Encode appends the NPDU header to buf.
func (n *NPDU) Encode(buf *EncodeBuffer) {
	control := n.Control
	if len(n.DestAddr) > 0 || n.DestNet != 0 {
		control |= NPDUControlDestSpecifier
	}
	if len(n.SrcAddr) > 0 {
		control |= NPDUControlSourceSpecifier
	}
	buf.WriteBytes([]byte{0x01, byte(control)})
	if control&NPDUControlDestSpecifier != 0 {
		buf.WriteBytes([]byte{byte(n.DestNet >> 8), byte(n.DestNet)})
		buf.WriteBytes(append([]byte{byte(len(n.DestAddr))}, n.DestAddr...))
	}
	if control&NPDUControlSourceSpecifier != 0 {
		buf.WriteBytes([]byte{byte(n.SrcNet >> 8), byte(n.SrcNet)})
		buf.WriteBytes(append([]byte{byte(len(n.SrcAddr))}, n.SrcAddr...))
	}
	if control&NPDUControlDestSpecifier != 0 {
		hop := n.HopCount
		if hop == 0 {
			hop = DefaultHopCount
		}
		buf.WriteBytes([]byte{hop})
	}
	if control&NPDUControlNetworkLayerMessage != 0 {
		buf.WriteBytes([]byte{n.MessageType})
		if n.MessageType >= 0x80 {
			buf.WriteBytes([]byte{byte(n.VendorID >> 8), byte(n.VendorID)})
		}
	}
}

// DecodeNPDU decodes an NPDU header, returning the header and the offset of
// the payload that follows it.
func DecodeNPDU(data []byte) (*NPDU, int, error) {
	if len(data) < 2 {
		return nil, 0, ErrInvalidNPDU
	}
	npdu := &NPDU{
		Version: data[0],
		Control: NPDUControl(data[1]),
	}
	if npdu.Version != 0x01 {
		return nil, 0, fmt.Errorf("%w: unsupported version %d", ErrInvalidNPDU, npdu.Version)
	}

	offset := 2
	if npdu.Control&NPDUControlDestSpecifier != 0 {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2
		addrLen := int(data[offset])
		offset++
		if len(data) < offset+addrLen {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.DestAddr = make([]byte, addrLen)
		copy(npdu.DestAddr, data[offset:offset+addrLen])
		offset += addrLen
	}
	if npdu.Control&NPDUControlSourceSpecifier != 0 {
		if len(data) < offset+3 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.SrcNet = binary.BigEndian.Uint16(data[offset:])
		offset += 2
		addrLen := int(data[offset])
		offset++
		if len(data) < offset+addrLen {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.SrcAddr = make([]byte, addrLen)
		copy(npdu.SrcAddr, data[offset:offset+addrLen])
		offset += addrLen
	}
	if npdu.Control&NPDUControlDestSpecifier != 0 {
		if len(data) < offset+1 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.HopCount = data[offset]
		offset++
	}
	if npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		if len(data) < offset+1 {
			return nil, 0, ErrInvalidNPDU
		}
		npdu.MessageType = data[offset]
		offset++
		if npdu.MessageType >= 0x80 {
			if len(data) < offset+2 {
				return nil, 0, ErrInvalidNPDU
			}
			npdu.VendorID = binary.BigEndian.Uint16(data[offset:])
			offset += 2
		}
	}
	return npdu, offset, nil
}

// SourceAddress derives the remote BACnet address for a packet that arrived
// from the given UDP endpoint, honoring a routed source if present.
func (n *NPDU) SourceAddress(from Address) Address {
	if n.Control&NPDUControlSourceSpecifier == 0 {
		return from
	}
	routed := from
	return Address{
		Net:          n.SrcNet,
		MAC:          n.SrcAddr,
		RoutedSource: &routed,
	}
}

// APDU is the decoded application-layer head plus its service payload.
type APDU struct {
	Type        PDUType
	Segmented   bool
	MoreFollows bool
	SegmentedResponseAccepted bool
	MaxSegments uint8
	MaxAPDU     uint8
	InvokeID    uint8
	SequenceNum uint8
	WindowSize  uint8
	Service     uint8
	// Segment-Ack specific flags
	NegativeAck bool
	FromServer  bool
	Data        []byte
}

// maxAPDUOctets maps the 4-bit max-APDU code to octets.
var maxAPDUOctets = [...]uint16{50, 128, 206, 480, 1024, 1476}

// MaxAPDUFromCode converts the wire code to an octet count.
func MaxAPDUFromCode(code uint8) uint16 {
	if int(code) < len(maxAPDUOctets) {
		return maxAPDUOctets[code]
	}
	return MaxAPDULength
}

// MaxAPDUToCode converts an octet count to the largest wire code not
// exceeding it.
func MaxAPDUToCode(octets uint16) uint8 {
	code := uint8(0)
	for i, n := range maxAPDUOctets {
		if octets >= n {
			code = uint8(i)
		}
	}
	return code
}

// EncodeConfirmedRequestHeader writes a confirmed-request APDU head.
func EncodeConfirmedRequestHeader(buf *EncodeBuffer, invokeID uint8, service ConfirmedServiceChoice, maxSegments, maxAPDUCode uint8, segmented, moreFollows bool, sequence, window uint8) {
	head := byte(PDUTypeConfirmedRequest)
	if segmented {
		head |= 0x08
	}
	if moreFollows {
		head |= 0x04
	}
	head |= 0x02 // segmented response accepted
	buf.WriteBytes([]byte{head, (maxSegments << 4) | (maxAPDUCode & 0x0F), invokeID})
	if segmented {
		buf.WriteBytes([]byte{sequence, window})
	}
	buf.WriteBytes([]byte{byte(service)})
}

// EncodeUnconfirmedRequestHeader writes an unconfirmed-request APDU head.
func EncodeUnconfirmedRequestHeader(buf *EncodeBuffer, service UnconfirmedServiceChoice) {
	buf.WriteBytes([]byte{byte(PDUTypeUnconfirmedRequest), byte(service)})
}

// EncodeSimpleAck writes a complete simple-ack APDU.
func EncodeSimpleAck(buf *EncodeBuffer, invokeID uint8, service ConfirmedServiceChoice) {
	buf.WriteBytes([]byte{byte(PDUTypeSimpleAck), invokeID, byte(service)})
}

// EncodeComplexAckHeader writes a complex-ack APDU head.
func EncodeComplexAckHeader(buf *EncodeBuffer, invokeID uint8, service ConfirmedServiceChoice, segmented, moreFollows bool, sequence, window uint8) {
	head := byte(PDUTypeComplexAck)
	if segmented {
		head |= 0x08
	}
	if moreFollows {
		head |= 0x04
	}
	buf.WriteBytes([]byte{head, invokeID})
	if segmented {
		buf.WriteBytes([]byte{sequence, window})
	}
	buf.WriteBytes([]byte{byte(service)})
}

// EncodeSegmentAck writes a complete segment-ack APDU.
func EncodeSegmentAck(buf *EncodeBuffer, invokeID uint8, negative, fromServer bool, sequence, actualWindow uint8) {
	head := byte(PDUTypeSegmentAck)
	if negative {
		head |= 0x02
	}
	if fromServer {
		head |= 0x01
	}
	buf.WriteBytes([]byte{head, invokeID, sequence, actualWindow})
}

// EncodeErrorHeader writes an error APDU head; the service-specific error
// payload (usually class/code) follows.
func EncodeErrorHeader(buf *EncodeBuffer, invokeID uint8, service ConfirmedServiceChoice) {
	buf.WriteBytes([]byte{byte(PDUTypeError), invokeID, byte(service)})
}

// EncodeReject writes a complete reject APDU.
func EncodeReject(buf *EncodeBuffer, invokeID uint8, reason RejectReason) {
	buf.WriteBytes([]byte{byte(PDUTypeReject), invokeID, byte(reason)})
}

// EncodeAbort writes a complete abort APDU.
func EncodeAbort(buf *EncodeBuffer, invokeID uint8, fromServer bool, reason AbortReason) {
	head := byte(PDUTypeAbort)
	if fromServer {
		head |= 0x01
	}
	buf.WriteBytes([]byte{head, invokeID, byte(reason)})
}

// DecodeAPDU decodes an APDU head of any of the eight variants.
func DecodeAPDU(data []byte) (*APDU, error) {
	if len(data) < 1 {
		return nil, ErrInvalidAPDU
	}
	switch PDUType(data[0] & 0xF0) {
	case PDUTypeConfirmedRequest:
		return decodeConfirmedRequest(data)
	case PDUTypeUnconfirmedRequest:
		return decodeUnconfirmedRequest(data)
	case PDUTypeSimpleAck:
		return decodeSimpleAck(data)
	case PDUTypeComplexAck:
		return decodeComplexAck(data)
	case PDUTypeSegmentAck:
		return decodeSegmentAck(data)
	case PDUTypeError:
		return decodeErrorAPDU(data)
	case PDUTypeReject:
		return decodeRejectAPDU(data)
	case PDUTypeAbort:
		return decodeAbortAPDU(data)
	default:
		return nil, fmt.Errorf("%w: unknown PDU type %02x", ErrInvalidAPDU, data[0])
	}
}

func decodeConfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}
	apdu := &APDU{
		Type:        PDUTypeConfirmedRequest,
		Segmented:   data[0]&0x08 != 0,
		MoreFollows: data[0]&0x04 != 0,
		SegmentedResponseAccepted: data[0]&0x02 != 0,
		MaxSegments: (data[1] >> 4) & 0x07,
		MaxAPDU:     data[1] & 0x0F,
		InvokeID:    data[2],
	}
	if apdu.Segmented {
		if len(data) < 6 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[3]
		apdu.WindowSize = data[4]
		apdu.Service = data[5]
		apdu.Data = data[6:]
		return apdu, nil
	}
	apdu.Service = data[3]
	apdu.Data = data[4:]
	return apdu, nil
}

func decodeUnconfirmedRequest(data []byte) (*APDU, error) {
	if len(data) < 2 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:    PDUTypeUnconfirmedRequest,
		Service: data[1],
		Data:    data[2:],
	}, nil
}

func decodeSimpleAck(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:     PDUTypeSimpleAck,
		InvokeID: data[1],
		Service:  data[2],
	}, nil
}

func decodeComplexAck(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}
	apdu := &APDU{
		Type:        PDUTypeComplexAck,
		Segmented:   data[0]&0x08 != 0,
		MoreFollows: data[0]&0x04 != 0,
		InvokeID:    data[1],
	}
	if apdu.Segmented {
		if len(data) < 5 {
			return nil, ErrInvalidAPDU
		}
		apdu.SequenceNum = data[2]
		apdu.WindowSize = data[3]
		apdu.Service = data[4]
		apdu.Data = data[5:]
		return apdu, nil
	}
	apdu.Service = data[2]
	apdu.Data = data[3:]
	return apdu, nil
}

func decodeSegmentAck(data []byte) (*APDU, error) {
	if len(data) < 4 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:        PDUTypeSegmentAck,
		NegativeAck: data[0]&0x02 != 0,
		FromServer:  data[0]&0x01 != 0,
		InvokeID:    data[1],
		SequenceNum: data[2],
		WindowSize:  data[3],
	}, nil
}

func decodeErrorAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:     PDUTypeError,
		InvokeID: data[1],
		Service:  data[2],
		Data:     data[3:],
	}, nil
}

func decodeRejectAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:     PDUTypeReject,
		InvokeID: data[1],
		Service:  data[2], // reject reason travels in the service field
	}, nil
}

func decodeAbortAPDU(data []byte) (*APDU, error) {
	if len(data) < 3 {
		return nil, ErrInvalidAPDU
	}
	return &APDU{
		Type:       PDUTypeAbort,
		FromServer: data[0]&0x01 != 0,
		InvokeID:   data[1],
		Service:    data[2], // abort reason travels in the service field
	}, nil
}
