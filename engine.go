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
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/edgeo-scada/bacnet/internal/transport"
)

// pendingRequest is the in-flight state of one confirmed request, keyed by
// invoke id. The engine owns the map; reassembly state is guarded by the
// entry's own mutex so different invoke ids progress independently.
type pendingRequest struct {
	invokeID uint8
	respCh   chan *APDU
	segAckCh chan *APDU

	reasm reassembly
}

// reassembly collects inbound segments for one invoke id. Its mutex keeps
// per-request reassembly serial while other invoke ids progress freely.
type reassembly struct {
	mu       sync.Mutex
	segments map[uint8][]byte
	expected int // -1 until the final segment arrives
	service  uint8
}

func (r *reassembly) add(apdu *APDU) {
	if r.segments == nil {
		r.segments = make(map[uint8][]byte)
		r.expected = -1
	}
	seg := make([]byte, len(apdu.Data))
	copy(seg, apdu.Data)
	r.segments[apdu.SequenceNum] = seg
	r.service = apdu.Service
	if !apdu.MoreFollows {
		r.expected = int(apdu.SequenceNum) + 1
	}
}

// complete concatenates the payload once every segment is present.
func (r *reassembly) complete() ([]byte, bool) {
	if r.expected < 0 || len(r.segments) < r.expected {
		return nil, false
	}
	var out []byte
	for i := 0; i < r.expected; i++ {
		seg, ok := r.segments[uint8(i)]
		if !ok {
			return nil, false
		}
		out = append(out, seg...)
	}
	return out, true
}

// allocInvokeID reserves a free invoke id and its pending entry. At most
// one in-flight request may hold a given id.
func (c *Client) allocInvokeID() (*pendingRequest, error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	for i := 0; i < 256; i++ {
		id := uint8(c.invokeID.Add(1) & 0xFF)
		if _, busy := c.pending[id]; busy {
			continue
		}
		pend := &pendingRequest{
			invokeID: id,
			respCh:   make(chan *APDU, 1),
			segAckCh: make(chan *APDU, 4),
		}
		c.pending[id] = pend
		return pend, nil
	}
	return nil, fmt.Errorf("bacnet: no free invoke id")
}

func (c *Client) releaseInvokeID(id uint8) {
	c.pendingMu.Lock()
	delete(c.pending, id)
	c.pendingMu.Unlock()
}

func (c *Client) lookupPending(id uint8) *pendingRequest {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.pending[id]
}

// buildFrame assembles BVLC+NPDU+APDU. The encode callback writes the APDU
// into the reserved buffer; overflow of the APDU budget surfaces as
// ErrNotEnoughBuffer.
func buildFrame(function BVLCFunction, maxAPDU int, encode func(buf *EncodeBuffer)) ([]byte, error) {
	bound := 0
	if maxAPDU > 0 {
		// the 2-byte local NPDU shares the buffer with the APDU budget
		bound = maxAPDU + 2
	}
	buf := NewEncodeBuffer(transport.HeaderLength, bound)
	encode(buf)
	if err := buf.Err(); err != nil {
		return nil, err
	}
	buf.SetHeader(EncodeBVLC(function, buf.Len()))
	return buf.Bytes(), nil
}

// sendFrame transmits one assembled frame.
func (c *Client) sendFrame(ctx context.Context, addr *net.UDPAddr, broadcast bool, frame []byte) error {
	var err error
	if broadcast {
		err = c.transport.Broadcast(ctx, frame)
	} else {
		err = c.transport.Send(ctx, addr, frame)
	}
	if err != nil {
		return fmt.Errorf("send frame: %w", err)
	}
	c.metrics.BytesSent.Add(int64(len(frame)))
	return nil
}

// SendUnconfirmed encodes and transmits an unconfirmed service request.
func (c *Client) SendUnconfirmed(ctx context.Context, addr *net.UDPAddr, broadcast bool, service UnconfirmedServiceChoice, encode func(buf *EncodeBuffer)) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	frame, err := buildFrame(bvlcFunction(broadcast), 0, func(buf *EncodeBuffer) {
		NewNPDU(false, NPDUControlPriorityNormal).Encode(buf)
		EncodeUnconfirmedRequestHeader(buf, service)
		if encode != nil {
			encode(buf)
		}
	})
	if err != nil {
		return err
	}
	c.metrics.RequestsSent.Inc()
	return c.sendFrame(ctx, addr, broadcast, frame)
}

func bvlcFunction(broadcast bool) BVLCFunction {
	if broadcast {
		return BVLCOriginalBroadcastNPDU
	}
	return BVLCOriginalUnicastNPDU
}

// SendConfirmed transmits a confirmed request and blocks until the final
// ack, an error PDU, or retry exhaustion. Timed-out attempts retransmit
// the same bytes with the same invoke id.
func (c *Client) SendConfirmed(ctx context.Context, addr *net.UDPAddr, service ConfirmedServiceChoice, encode func(buf *EncodeBuffer)) (*APDU, error) {
	if c.State() != StateConnected {
		return nil, ErrNotConnected
	}

	pend, err := c.allocInvokeID()
	if err != nil {
		return nil, err
	}
	defer c.releaseInvokeID(pend.invokeID)

	maxAPDU := int(c.opts.maxAPDULength)
	frame, err := buildFrame(BVLCOriginalUnicastNPDU, maxAPDU, func(buf *EncodeBuffer) {
		NewNPDU(true, NPDUControlPriorityNormal).Encode(buf)
		EncodeConfirmedRequestHeader(buf, pend.invokeID, service,
			segmentCountCode(c.opts.maxSegments), MaxAPDUToCode(c.opts.maxAPDULength),
			false, false, 0, 0)
		if encode != nil {
			encode(buf)
		}
	})
	if errors.Is(err, ErrNotEnoughBuffer) {
		return c.sendConfirmedSegmented(ctx, pend, addr, service, encode)
	}
	if err != nil {
		return nil, err
	}

	c.metrics.RequestsSent.Inc()
	c.metrics.ActiveRequests.Inc()
	defer c.metrics.ActiveRequests.Dec()
	start := time.Now()

	attempts := 1 + c.opts.retries
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			c.metrics.Retransmissions.Inc()
		}
		if err := c.sendFrame(ctx, addr, false, frame); err != nil {
			c.metrics.RequestsFailed.Inc()
			return nil, err
		}
		resp, err := c.awaitResponse(ctx, pend, c.opts.timeout)
		if errors.Is(err, ErrTimeout) {
			continue
		}
		if err == nil {
			c.metrics.RequestLatency.Record(time.Since(start))
		}
		return resp, err
	}
	c.metrics.RequestsTimedOut.Inc()
	c.metrics.RequestsFailed.Inc()
	return nil, ErrTimeout
}

// awaitResponse waits one attempt window for the final response PDU.
func (c *Client) awaitResponse(ctx context.Context, pend *pendingRequest, timeout time.Duration) (*APDU, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrTimeout
	case resp, ok := <-pend.respCh:
		if !ok || resp == nil {
			return nil, ErrConnectionClosed
		}
		return c.finishResponse(resp)
	}
}

// finishResponse maps the terminal PDU to the caller's result.
func (c *Client) finishResponse(resp *APDU) (*APDU, error) {
	switch resp.Type {
	case PDUTypeSimpleAck, PDUTypeComplexAck:
		c.metrics.RequestsSucceeded.Inc()
		return resp, nil
	case PDUTypeError:
		c.metrics.RequestsFailed.Inc()
		payload, err := DecodeErrorPayload(resp.Data)
		if err != nil {
			return nil, ErrInvalidResponse
		}
		return nil, NewBACnetError(payload.Class, payload.Code)
	case PDUTypeReject:
		c.metrics.RequestsFailed.Inc()
		return nil, &RejectError{InvokeID: resp.InvokeID, Reason: RejectReason(resp.Service)}
	case PDUTypeAbort:
		c.metrics.RequestsFailed.Inc()
		return nil, &AbortError{InvokeID: resp.InvokeID, Server: resp.FromServer, Reason: AbortReason(resp.Service)}
	default:
		return nil, fmt.Errorf("%w: unexpected PDU type %02x", ErrInvalidResponse, resp.Type)
	}
}

// segmentCountCode maps a segment cap to the 3-bit max-segments field.
func segmentCountCode(n uint8) uint8 {
	switch {
	case n >= 64:
		return 6
	case n >= 32:
		return 5
	case n >= 16:
		return 4
	case n >= 8:
		return 3
	case n >= 4:
		return 2
	case n >= 2:
		return 1
	default:
		return 0
	}
}

// sendConfirmedSegmented re-encodes an oversized request with segmented
// APDU headers and runs the sliding-window ack protocol.
func (c *Client) sendConfirmedSegmented(ctx context.Context, pend *pendingRequest, addr *net.UDPAddr, service ConfirmedServiceChoice, encode func(buf *EncodeBuffer)) (*APDU, error) {
	payloadBuf := NewEncodeBuffer(0, 0)
	encode(payloadBuf)
	payload := payloadBuf.Bytes()

	segHeader := func(buf *EncodeBuffer, more bool, seq uint8) {
		NewNPDU(true, NPDUControlPriorityNormal).Encode(buf)
		EncodeConfirmedRequestHeader(buf, pend.invokeID, service,
			segmentCountCode(c.opts.maxSegments), MaxAPDUToCode(c.opts.maxAPDULength),
			true, more, seq, c.opts.segmentWindow)
	}
	frames, err := c.splitSegments(payload, segHeader)
	if err != nil {
		return nil, err
	}

	c.metrics.RequestsSent.Inc()
	c.metrics.ActiveRequests.Inc()
	defer c.metrics.ActiveRequests.Dec()

	if err := c.runSegmentWindow(ctx, frames, addr, pend.segAckCh, pend.respCh); err != nil {
		return nil, err
	}
	return c.awaitResponse(ctx, pend, c.opts.timeout)
}

// splitSegments renders the payload into per-segment frames. header writes
// the NPDU+APDU head for a given (more, sequence) pair.
func (c *Client) splitSegments(payload []byte, header func(buf *EncodeBuffer, more bool, seq uint8)) ([][]byte, error) {
	// segmented confirmed/ack heads stay under 8 octets
	chunk := int(c.opts.maxAPDULength) - 8
	if chunk <= 0 {
		return nil, ErrNotEnoughBuffer
	}
	count := (len(payload) + chunk - 1) / chunk
	if count > int(c.opts.maxSegments) || count > 256 {
		return nil, &AbortError{Reason: AbortReasonApduTooLong}
	}
	frames := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		lo, hi := i*chunk, (i+1)*chunk
		if hi > len(payload) {
			hi = len(payload)
		}
		seq := uint8(i)
		more := i < count-1
		frame, err := buildFrame(BVLCOriginalUnicastNPDU, 0, func(buf *EncodeBuffer) {
			header(buf, more, seq)
			buf.WriteBytes(payload[lo:hi])
		})
		if err != nil {
			return nil, err
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// runSegmentWindow transmits frames honoring the peer's segment acks: the
// first segment alone, then a window at a time, retransmitting from the
// acked sequence on a negative ack. A terminal PDU on respCh (abort,
// reject) cancels the transfer.
func (c *Client) runSegmentWindow(ctx context.Context, frames [][]byte, addr *net.UDPAddr, ackCh chan *APDU, respCh chan *APDU) error {
	window := 1
	next := 0
	for next < len(frames) {
		burst := window
		for i := 0; i < burst && next < len(frames); i++ {
			if err := c.sendFrame(ctx, addr, false, frames[next]); err != nil {
				return err
			}
			c.metrics.SegmentsSent.Inc()
			next++
		}
		ack, err := c.awaitSegmentAck(ctx, ackCh, respCh)
		if err != nil {
			return err
		}
		if ack.WindowSize > 0 {
			window = int(ack.WindowSize)
		}
		if ack.NegativeAck {
			next = int(ack.SequenceNum)
			continue
		}
		next = int(ack.SequenceNum) + 1
	}
	return nil
}

func (c *Client) awaitSegmentAck(ctx context.Context, ackCh chan *APDU, respCh chan *APDU) (*APDU, error) {
	timer := time.NewTimer(c.opts.timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ErrTimeout
	case <-timer.C:
		return nil, ErrTimeout
	case ack := <-ackCh:
		if ack == nil {
			return nil, ErrConnectionClosed
		}
		return ack, nil
	case resp := <-respCh:
		if resp == nil {
			return nil, ErrConnectionClosed
		}
		if _, err := c.finishResponse(resp); err != nil {
			return nil, err
		}
		return nil, ErrInvalidResponse
	}
}

// SendComplexAck responds to a confirmed request, segmenting when the
// payload overflows this side's APDU budget.
func (c *Client) SendComplexAck(ctx context.Context, addr *net.UDPAddr, invokeID uint8, service ConfirmedServiceChoice, encode func(buf *EncodeBuffer)) error {
	frame, err := buildFrame(BVLCOriginalUnicastNPDU, int(c.opts.maxAPDULength), func(buf *EncodeBuffer) {
		NewNPDU(false, NPDUControlPriorityNormal).Encode(buf)
		EncodeComplexAckHeader(buf, invokeID, service, false, false, 0, 0)
		encode(buf)
	})
	if errors.Is(err, ErrNotEnoughBuffer) {
		return c.sendComplexAckSegmented(ctx, addr, invokeID, service, encode)
	}
	if err != nil {
		return err
	}
	return c.sendFrame(ctx, addr, false, frame)
}

func (c *Client) sendComplexAckSegmented(ctx context.Context, addr *net.UDPAddr, invokeID uint8, service ConfirmedServiceChoice, encode func(buf *EncodeBuffer)) error {
	payloadBuf := NewEncodeBuffer(0, 0)
	encode(payloadBuf)
	payload := payloadBuf.Bytes()

	frames, err := c.splitSegments(payload, func(buf *EncodeBuffer, more bool, seq uint8) {
		NewNPDU(false, NPDUControlPriorityNormal).Encode(buf)
		EncodeComplexAckHeader(buf, invokeID, service, true, more, seq, c.opts.segmentWindow)
	})
	if err != nil {
		var abortErr *AbortError
		if errors.As(err, &abortErr) {
			c.sendAbort(ctx, addr, invokeID, true, abortErr.Reason)
		}
		return err
	}

	ackCh := make(chan *APDU, 4)
	respCh := make(chan *APDU, 1)
	c.txAckMu.Lock()
	c.txAcks[invokeID] = ackCh
	c.txAckMu.Unlock()
	defer func() {
		c.txAckMu.Lock()
		delete(c.txAcks, invokeID)
		c.txAckMu.Unlock()
	}()

	return c.runSegmentWindow(ctx, frames, addr, ackCh, respCh)
}

// sendSimpleAck, sendError, sendReject, sendAbort and sendSegmentAck are
// fire-and-forget replies used by the inbound dispatch path.

func (c *Client) sendSimpleAck(ctx context.Context, addr *net.UDPAddr, invokeID uint8, service ConfirmedServiceChoice) {
	frame, err := buildFrame(BVLCOriginalUnicastNPDU, 0, func(buf *EncodeBuffer) {
		NewNPDU(false, NPDUControlPriorityNormal).Encode(buf)
		EncodeSimpleAck(buf, invokeID, service)
	})
	if err == nil {
		_ = c.sendFrame(ctx, addr, false, frame)
	}
}

func (c *Client) sendError(ctx context.Context, addr *net.UDPAddr, invokeID uint8, service ConfirmedServiceChoice, class ErrorClass, code ErrorCode) {
	frame, err := buildFrame(BVLCOriginalUnicastNPDU, 0, func(buf *EncodeBuffer) {
		NewNPDU(false, NPDUControlPriorityNormal).Encode(buf)
		EncodeErrorHeader(buf, invokeID, service)
		payload := ErrorPayload{Class: class, Code: code}
		payload.Encode(buf)
	})
	if err == nil {
		_ = c.sendFrame(ctx, addr, false, frame)
	}
}

func (c *Client) sendReject(ctx context.Context, addr *net.UDPAddr, invokeID uint8, reason RejectReason) {
	c.metrics.RejectsSent.Inc()
	frame, err := buildFrame(BVLCOriginalUnicastNPDU, 0, func(buf *EncodeBuffer) {
		NewNPDU(false, NPDUControlPriorityNormal).Encode(buf)
		EncodeReject(buf, invokeID, reason)
	})
	if err == nil {
		_ = c.sendFrame(ctx, addr, false, frame)
	}
}

func (c *Client) sendAbort(ctx context.Context, addr *net.UDPAddr, invokeID uint8, fromServer bool, reason AbortReason) {
	c.metrics.AbortsSent.Inc()
	frame, err := buildFrame(BVLCOriginalUnicastNPDU, 0, func(buf *EncodeBuffer) {
		NewNPDU(false, NPDUControlPriorityNormal).Encode(buf)
		EncodeAbort(buf, invokeID, fromServer, reason)
	})
	if err == nil {
		_ = c.sendFrame(ctx, addr, false, frame)
	}
}

func (c *Client) sendSegmentAck(ctx context.Context, addr *net.UDPAddr, invokeID uint8, negative, fromServer bool, sequence, window uint8) {
	frame, err := buildFrame(BVLCOriginalUnicastNPDU, 0, func(buf *EncodeBuffer) {
		NewNPDU(false, NPDUControlPriorityNormal).Encode(buf)
		EncodeSegmentAck(buf, invokeID, negative, fromServer, sequence, window)
	})
	if err == nil {
		_ = c.sendFrame(ctx, addr, false, frame)
	}
}

// receiver drains the transport and dispatches datagrams. Handler work is
// offloaded so a slow handler cannot block the socket.
func (c *Client) receiver() {
	defer close(c.receiverDone)

	for {
		select {
		case <-c.receiverCtx.Done():
			return
		default:
		}

		data, addr, err := c.transport.ReceiveWithTimeout(100 * time.Millisecond)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if c.transport.IsClosed() {
				return
			}
			c.logger.Debug("receive error", slog.String("error", err.Error()))
			continue
		}

		c.metrics.BytesReceived.Add(int64(len(data)))
		c.metrics.RecordActivity()

		go c.handlePacket(data, addr)
	}
}

// handlePacket decodes one inbound datagram and routes it.
func (c *Client) handlePacket(data []byte, addr *net.UDPAddr) {
	bvlc, err := DecodeBVLC(data)
	if err != nil {
		c.logger.Debug("invalid BVLC", slog.String("error", err.Error()))
		return
	}

	npduData := data[BVLCHeaderLength:]
	if bvlc.Function == BVLCForwardedNPDU {
		// a forwarded NPDU carries the originator's 6-byte B/IP address
		if len(npduData) < 6 {
			return
		}
		npduData = npduData[6:]
	}

	npdu, offset, err := DecodeNPDU(npduData)
	if err != nil {
		c.logger.Debug("invalid NPDU", slog.String("error", err.Error()))
		return
	}
	if npdu.Control&NPDUControlNetworkLayerMessage != 0 {
		return
	}

	apdu, err := DecodeAPDU(npduData[offset:])
	if err != nil {
		c.logger.Debug("invalid APDU", slog.String("error", err.Error()))
		return
	}

	c.metrics.ResponsesReceived.Inc()
	src := npdu.SourceAddress(AddressFromUDP(addr))

	switch apdu.Type {
	case PDUTypeUnconfirmedRequest:
		c.handleUnconfirmed(apdu, src, addr)

	case PDUTypeConfirmedRequest:
		c.handleConfirmed(apdu, src, addr)

	case PDUTypeComplexAck:
		if apdu.Segmented {
			c.handleSegmentedAck(apdu, addr)
			return
		}
		c.deliverResponse(apdu)

	case PDUTypeSimpleAck:
		c.deliverResponse(apdu)

	case PDUTypeSegmentAck:
		c.handleSegmentAck(apdu)

	case PDUTypeError:
		c.metrics.ErrorsReceived.Inc()
		c.deliverResponse(apdu)

	case PDUTypeReject:
		c.metrics.RejectsReceived.Inc()
		c.deliverResponse(apdu)

	case PDUTypeAbort:
		c.metrics.AbortsReceived.Inc()
		c.deliverResponse(apdu)
	}
}

// deliverResponse hands a terminal PDU to the waiting request.
func (c *Client) deliverResponse(apdu *APDU) {
	pend := c.lookupPending(apdu.InvokeID)
	if pend == nil {
		return
	}
	select {
	case pend.respCh <- apdu:
	default:
	}
}

// handleSegmentAck routes a segment ack to whichever side of the transfer
// is sending: our request segments (peer acks as server) or our response
// segments (peer acks as client).
func (c *Client) handleSegmentAck(apdu *APDU) {
	if apdu.FromServer {
		if pend := c.lookupPending(apdu.InvokeID); pend != nil {
			select {
			case pend.segAckCh <- apdu:
			default:
			}
		}
		return
	}
	c.txAckMu.Lock()
	ch := c.txAcks[apdu.InvokeID]
	c.txAckMu.Unlock()
	if ch != nil {
		select {
		case ch <- apdu:
		default:
		}
	}
}

// handleSegmentedAck reassembles a segmented complex ack for one of our
// requests, acking per the window protocol.
func (c *Client) handleSegmentedAck(apdu *APDU, addr *net.UDPAddr) {
	pend := c.lookupPending(apdu.InvokeID)
	if pend == nil {
		return
	}
	c.metrics.SegmentsReceived.Inc()

	pend.reasm.mu.Lock()
	pend.reasm.add(apdu)
	payload, done := pend.reasm.complete()
	service := pend.reasm.service
	pend.reasm.mu.Unlock()

	if ackDue(apdu) {
		c.sendSegmentAck(c.receiverCtx, addr, apdu.InvokeID, false, false, apdu.SequenceNum, apdu.WindowSize)
	}
	if !done {
		return
	}
	c.metrics.SegmentsReassembled.Inc()
	c.deliverResponse(&APDU{
		Type:     PDUTypeComplexAck,
		InvokeID: apdu.InvokeID,
		Service:  service,
		Data:     payload,
	})
}

// handleConfirmed reassembles (if needed) and dispatches an inbound
// confirmed request. Without a registered handler the request is rejected.
func (c *Client) handleConfirmed(apdu *APDU, src Address, addr *net.UDPAddr) {
	if apdu.Segmented {
		c.metrics.SegmentsReceived.Inc()

		c.rxMu.Lock()
		r := c.rx[apdu.InvokeID]
		if r == nil {
			r = &reassembly{}
			c.rx[apdu.InvokeID] = r
		}
		c.rxMu.Unlock()

		r.mu.Lock()
		r.add(apdu)
		payload, done := r.complete()
		service := r.service
		r.mu.Unlock()
		if done {
			c.rxMu.Lock()
			delete(c.rx, apdu.InvokeID)
			c.rxMu.Unlock()
		}

		if ackDue(apdu) {
			c.sendSegmentAck(c.receiverCtx, addr, apdu.InvokeID, false, true, apdu.SequenceNum, apdu.WindowSize)
		}
		if !done {
			return
		}
		c.metrics.SegmentsReassembled.Inc()
		apdu = &APDU{
			Type:        PDUTypeConfirmedRequest,
			InvokeID:    apdu.InvokeID,
			MaxSegments: apdu.MaxSegments,
			MaxAPDU:     apdu.MaxAPDU,
			Service:     service,
			Data:        payload,
		}
	}

	handler := c.onConfirmed
	if handler == nil {
		c.sendReject(c.receiverCtx, addr, apdu.InvokeID, RejectReasonUnrecognizedService)
		return
	}
	c.metrics.RequestsServed.Inc()

	// a handler fault must answer the peer, not kill the receive worker
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("confirmed handler panic",
				slog.String("service", ConfirmedServiceChoice(apdu.Service).String()),
				slog.Any("panic", r),
			)
			c.sendAbort(c.receiverCtx, addr, apdu.InvokeID, true, AbortReasonOther)
		}
	}()
	handler(apdu, src, addr)
}

// handleUnconfirmed runs the built-in discovery handling then the
// registered handler, if any.
func (c *Client) handleUnconfirmed(apdu *APDU, src Address, addr *net.UDPAddr) {
	switch UnconfirmedServiceChoice(apdu.Service) {
	case ServiceIAm:
		c.handleIAm(apdu.Data, src)
	case ServiceUnconfirmedCOVNotification:
		c.handleCOVNotification(apdu.Data)
	}
	if handler := c.onUnconfirmed; handler != nil {
		defer func() {
			if r := recover(); r != nil {
				c.logger.Warn("unconfirmed handler panic", slog.Any("panic", r))
			}
		}()
		handler(apdu, src, addr)
	}
}

// ackDue reports whether the window protocol owes the sender a segment
// ack for this segment.
func ackDue(apdu *APDU) bool {
	if !apdu.MoreFollows {
		return true
	}
	window := apdu.WindowSize
	if window == 0 {
		window = 1
	}
	return apdu.SequenceNum%window == 0
}
