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
	"log/slog"
	"net"
	"sync"
	"time"
)

// serverCOVSub is one active server-side COV subscription.
type serverCOVSub struct {
	processID uint32
	objectID  ObjectIdentifier
	addr      *net.UDPAddr
	confirmed bool
	expires   time.Time // zero = indefinite
}

// Server answers BACnet requests against a DeviceStorage. It holds a
// Client configured as listener: the client owns the transport and the
// request engine, the server registers the inbound handlers.
type Server struct {
	opts    *serverOptions
	client  *Client
	storage *DeviceStorage
	logger  *slog.Logger

	dccMu       sync.Mutex
	dccUntil    time.Time // zero = communication enabled
	dccInitOnly bool

	covMu   sync.Mutex
	covSubs []serverCOVSub

	fileMu sync.Mutex
	files  map[ObjectIdentifier][]byte
}

// NewServer creates a server around the given storage. A nil storage gets
// a fresh one holding only the device object.
func NewServer(storage *DeviceStorage, opts ...ServerOption) (*Server, error) {
	options := defaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	if storage == nil {
		storage = NewDeviceStorage(options.deviceID)
	}

	client, err := NewClient(
		WithLocalAddress(options.localAddress),
		WithVendorID(options.vendorID),
		WithWhoIsInterval(0),
		WithEnumerateOnIAm(false),
		WithLogger(options.logger),
	)
	if err != nil {
		return nil, err
	}

	s := &Server{
		opts:    options,
		client:  client,
		storage: storage,
		logger:  options.logger,
		files:   make(map[ObjectIdentifier][]byte),
	}
	client.onConfirmed = s.handleConfirmed
	client.onUnconfirmed = s.handleUnconfirmed
	storage.OnChange = s.onStorageChange
	return s, nil
}

// Storage returns the backing object database.
func (s *Server) Storage() *DeviceStorage {
	return s.storage
}

// DeviceID returns the served device instance.
func (s *Server) DeviceID() uint32 {
	return s.storage.DeviceID()
}

// Metrics returns the underlying protocol counters.
func (s *Server) Metrics() *Metrics {
	return s.client.Metrics()
}

// LocalAddr returns the bound transport address.
func (s *Server) LocalAddr() net.Addr {
	return s.client.LocalAddr()
}

// Open loads storage, binds the transport and announces the device.
func (s *Server) Open(ctx context.Context) error {
	if s.opts.storageFile != "" {
		if err := s.storage.Load(s.opts.storageFile); err != nil {
			return fmt.Errorf("load storage: %w", err)
		}
	}
	// the configured device id wins over whatever the file carried
	s.storage.SetDeviceID(s.opts.deviceID)

	if err := s.client.Open(ctx); err != nil {
		return err
	}
	if err := s.client.IAm(ctx, s.DeviceID()); err != nil {
		s.logger.Warn("i-am broadcast failed", slog.String("error", err.Error()))
	}
	s.logger.Info("bacnet server listening",
		slog.Uint64("device_id", uint64(s.DeviceID())),
		slog.String("local_addr", s.client.LocalAddr().String()),
	)
	return nil
}

// Close releases the transport.
func (s *Server) Close() error {
	return s.client.Close()
}

// Save persists the storage to path.
func (s *Server) Save(path string) error {
	return s.storage.Save(path)
}

// communicationDisabled reports whether DCC currently silences us.
func (s *Server) communicationDisabled() bool {
	s.dccMu.Lock()
	defer s.dccMu.Unlock()
	if s.dccUntil.IsZero() {
		return false
	}
	if time.Now().After(s.dccUntil) {
		s.dccUntil = time.Time{}
		return false
	}
	return !s.dccInitOnly
}

// handleUnconfirmed answers Who-Is, Who-Has and time synchronization.
func (s *Server) handleUnconfirmed(apdu *APDU, src Address, from *net.UDPAddr) {
	switch UnconfirmedServiceChoice(apdu.Service) {
	case ServiceWhoIs:
		if s.communicationDisabled() {
			return
		}
		req, err := DecodeWhoIsRequest(apdu.Data)
		if err != nil || !req.Matches(s.DeviceID()) {
			return
		}
		if err := s.client.IAmTo(s.client.receiverCtx, from, s.DeviceID()); err != nil {
			s.logger.Debug("i-am reply failed", slog.String("error", err.Error()))
		}

	case ServiceWhoHas:
		if s.communicationDisabled() {
			return
		}
		s.handleWhoHas(apdu.Data)

	case ServiceTimeSynchronization, ServiceUTCTimeSynchronization:
		req, err := DecodeTimeSynchronizationRequest(apdu.Data)
		if err != nil {
			return
		}
		device := NewObjectIdentifier(ObjectTypeDevice, s.DeviceID())
		s.storage.WriteProperty(device, PropertyLocalDate, ArrayIndexAll,
			[]TaggedValue{{Tag: TagDate, Value: req.Date}}, true)
		s.storage.WriteProperty(device, PropertyLocalTime, ArrayIndexAll,
			[]TaggedValue{{Tag: TagTime, Value: req.Time}}, true)
	}
}

// handleWhoHas answers with I-Have when the asked object lives here.
func (s *Server) handleWhoHas(data []byte) {
	req, err := DecodeWhoHasRequest(data)
	if err != nil || !(&WhoIsRequest{Low: req.Low, High: req.High}).Matches(s.DeviceID()) {
		return
	}
	for _, oid := range s.storage.ObjectIDs() {
		match := false
		if req.HasID {
			match = oid == req.ObjectID
		} else {
			res, values := s.storage.ReadProperty(oid, PropertyObjectName, ArrayIndexAll)
			if res == StorageGood && len(values) == 1 {
				if name, ok := values[0].Value.(string); ok {
					match = name == req.Name
				}
			}
		}
		if !match {
			continue
		}
		name := ""
		if res, values := s.storage.ReadProperty(oid, PropertyObjectName, ArrayIndexAll); res == StorageGood && len(values) == 1 {
			name, _ = values[0].Value.(string)
		}
		ihave := IHaveRequest{
			DeviceID:   NewObjectIdentifier(ObjectTypeDevice, s.DeviceID()),
			ObjectID:   oid,
			ObjectName: name,
		}
		if err := s.client.SendUnconfirmed(s.client.receiverCtx, nil, true, ServiceIHave, ihave.Encode); err != nil {
			s.logger.Debug("i-have failed", slog.String("error", err.Error()))
		}
		return
	}
}

// handleConfirmed dispatches an inbound confirmed request by service
// choice. Unknown services are rejected.
func (s *Server) handleConfirmed(apdu *APDU, src Address, from *net.UDPAddr) {
	ctx := s.client.receiverCtx
	service := ConfirmedServiceChoice(apdu.Service)

	if s.communicationDisabled() &&
		service != ServiceDeviceCommunicationControl && service != ServiceReinitializeDevice {
		return
	}

	switch service {
	case ServiceReadProperty:
		s.serveReadProperty(ctx, apdu, from)
	case ServiceReadPropertyMultiple:
		s.serveReadPropertyMultiple(ctx, apdu, from)
	case ServiceWriteProperty:
		s.serveWriteProperty(ctx, apdu, from)
	case ServiceWritePropertyMultiple:
		s.serveWritePropertyMultiple(ctx, apdu, from)
	case ServiceSubscribeCOV:
		s.serveSubscribeCOV(ctx, apdu, from)
	case ServiceSubscribeCOVProperty:
		s.serveSubscribeCOVProperty(ctx, apdu, from)
	case ServiceDeviceCommunicationControl:
		s.serveDeviceCommunicationControl(ctx, apdu, from)
	case ServiceReinitializeDevice:
		s.serveReinitializeDevice(ctx, apdu, from)
	case ServiceCreateObject:
		s.serveCreateObject(ctx, apdu, from)
	case ServiceDeleteObject:
		s.serveDeleteObject(ctx, apdu, from)
	case ServiceAddListElement, ServiceRemoveListElement:
		s.serveListElement(ctx, apdu, from, service)
	case ServiceAtomicReadFile:
		s.serveAtomicReadFile(ctx, apdu, from)
	case ServiceAtomicWriteFile:
		s.serveAtomicWriteFile(ctx, apdu, from)
	case ServiceReadRange:
		s.serveReadRange(ctx, apdu, from)
	case ServiceConfirmedCOVNotification:
		if n, err := DecodeCOVNotification(apdu.Data); err == nil {
			s.client.covMu.RLock()
			handler := s.client.covSubs[n.ProcessID]
			s.client.covMu.RUnlock()
			if handler != nil {
				handler(n)
			}
			s.client.sendSimpleAck(ctx, from, apdu.InvokeID, service)
		} else {
			s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		}
	case ServiceConfirmedEventNotification:
		if _, err := DecodeEventNotification(apdu.Data); err == nil {
			s.client.sendSimpleAck(ctx, from, apdu.InvokeID, service)
		} else {
			s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		}
	case ServiceAcknowledgeAlarm:
		if _, err := DecodeAcknowledgeAlarmRequest(apdu.Data); err == nil {
			s.client.sendSimpleAck(ctx, from, apdu.InvokeID, service)
		} else {
			s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		}
	case ServiceGetEventInformation:
		if _, err := DecodeGetEventInformationRequest(apdu.Data); err == nil {
			ack := GetEventInformationAck{MoreEvents: false}
			if err := s.client.SendComplexAck(ctx, from, apdu.InvokeID, service, ack.Encode); err != nil {
				s.logger.Debug("get-event-information ack failed", slog.String("error", err.Error()))
			}
		} else {
			s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		}
	case ServiceLifeSafetyOperation:
		if _, err := DecodeLifeSafetyOperationRequest(apdu.Data); err == nil {
			s.client.sendSimpleAck(ctx, from, apdu.InvokeID, service)
		} else {
			s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		}
	default:
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonUnrecognizedService)
	}
}

func (s *Server) serveReadProperty(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeReadPropertyRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	res, values := s.storage.ReadProperty(req.ObjectID, req.Property.ID, req.Property.ArrayIndex)
	if res != StorageGood {
		s.client.sendError(ctx, from, apdu.InvokeID, ServiceReadProperty, ErrorClassDevice, ErrorCodeOther)
		return
	}
	ack := ReadPropertyAck{
		ObjectID: s.normalizedID(req.ObjectID),
		Property: req.Property,
		Values:   values,
	}
	if err := s.client.SendComplexAck(ctx, from, apdu.InvokeID, ServiceReadProperty, ack.Encode); err != nil {
		s.logger.Debug("read-property ack failed", slog.String("error", err.Error()))
	}
}

// normalizedID folds a wildcard device instance into the real one so the
// wildcard never leaks back to the peer.
func (s *Server) normalizedID(id ObjectIdentifier) ObjectIdentifier {
	if id.Type == ObjectTypeDevice && id.Instance == WildcardInstance {
		id.Instance = s.DeviceID()
	}
	return id
}

func (s *Server) serveReadPropertyMultiple(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeReadPropertyMultipleRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	ack := ReadPropertyMultipleAck{}
	for _, spec := range req.Specs {
		oid := s.normalizedID(spec.ObjectID)
		var values []PropertyValue
		if len(spec.Properties) == 1 && spec.Properties[0].ID == PropertyAll {
			res, all := s.storage.ReadPropertyAll(oid)
			if res == StorageUnknownObject {
				s.client.sendError(ctx, from, apdu.InvokeID, ServiceReadPropertyMultiple, ErrorClassObject, ErrorCodeUnknownObject)
				return
			}
			values = all
		} else {
			values = s.storage.ReadPropertyMultiple(oid, spec.Properties)
			unknown := len(values) > 0
			for _, pv := range values {
				isUnknownObject := len(pv.Values) == 1 && pv.Values[0].Tag == TagError &&
					pv.Values[0].Value.(*BACnetError).Code == ErrorCodeUnknownObject
				if !isUnknownObject {
					unknown = false
					break
				}
			}
			if unknown {
				s.client.sendError(ctx, from, apdu.InvokeID, ServiceReadPropertyMultiple, ErrorClassObject, ErrorCodeUnknownObject)
				return
			}
		}
		ack.Results = append(ack.Results, ReadAccessResult{ObjectID: oid, Values: values})
	}
	if err := s.client.SendComplexAck(ctx, from, apdu.InvokeID, ServiceReadPropertyMultiple, ack.Encode); err != nil {
		s.logger.Debug("read-property-multiple ack failed", slog.String("error", err.Error()))
	}
}

// applyWrite runs one write against storage with the server's write
// policy: commandable path first, plain write as fallback.
func (s *Server) applyWrite(objectID ObjectIdentifier, prop PropertyIdentifier, arrayIndex uint32, values []TaggedValue, priority uint8) StorageResult {
	objectID = s.normalizedID(objectID)
	if !s.opts.writableTypes[objectID.Type] || prop != PropertyPresentValue {
		return StorageWriteAccessDenied
	}
	if len(values) == 1 {
		res := s.storage.WriteCommandableProperty(objectID, prop, values[0], priority)
		if res != StorageNotForMe {
			return res
		}
	}
	return s.storage.WriteProperty(objectID, prop, arrayIndex, values, false)
}

func (s *Server) serveWriteProperty(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeWritePropertyRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	switch res := s.applyWrite(req.ObjectID, req.Property.ID, req.Property.ArrayIndex, req.Values, req.Priority); res {
	case StorageGood:
		s.client.sendSimpleAck(ctx, from, apdu.InvokeID, ServiceWriteProperty)
	case StorageWriteAccessDenied:
		s.client.sendError(ctx, from, apdu.InvokeID, ServiceWriteProperty, ErrorClassDevice, ErrorCodeWriteAccessDenied)
	default:
		s.client.sendError(ctx, from, apdu.InvokeID, ServiceWriteProperty, ErrorClassDevice, ErrorCodeOther)
	}
}

func (s *Server) serveWritePropertyMultiple(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeWritePropertyMultipleRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	for _, spec := range req.Specs {
		for _, pv := range spec.Values {
			switch res := s.applyWrite(spec.ObjectID, pv.Ref.ID, pv.Ref.ArrayIndex, pv.Values, pv.Priority); res {
			case StorageGood:
			case StorageWriteAccessDenied:
				s.client.sendError(ctx, from, apdu.InvokeID, ServiceWritePropertyMultiple, ErrorClassDevice, ErrorCodeWriteAccessDenied)
				return
			default:
				s.client.sendError(ctx, from, apdu.InvokeID, ServiceWritePropertyMultiple, ErrorClassDevice, ErrorCodeOther)
				return
			}
		}
	}
	s.client.sendSimpleAck(ctx, from, apdu.InvokeID, ServiceWritePropertyMultiple)
}

// registerCOV adds or cancels a subscription per the request's optional
// fields.
func (s *Server) registerCOV(req *SubscribeCOVRequest, from *net.UDPAddr) StorageResult {
	objectID := s.normalizedID(req.ObjectID)
	res, _ := s.storage.ReadProperty(objectID, PropertyPresentValue, ArrayIndexAll)
	if res == StorageUnknownObject {
		return StorageUnknownObject
	}

	s.covMu.Lock()
	defer s.covMu.Unlock()

	if !req.HasConfirmed && !req.HasLifetime {
		// cancellation
		for i, sub := range s.covSubs {
			if sub.processID == req.ProcessID && sub.objectID == objectID {
				s.covSubs = append(s.covSubs[:i], s.covSubs[i+1:]...)
				break
			}
		}
		return StorageGood
	}

	sub := serverCOVSub{
		processID: req.ProcessID,
		objectID:  objectID,
		addr:      from,
		confirmed: req.HasConfirmed && req.Confirmed,
	}
	if req.HasLifetime && req.Lifetime > 0 {
		sub.expires = time.Now().Add(time.Duration(req.Lifetime) * time.Second)
	}
	for i, existing := range s.covSubs {
		if existing.processID == sub.processID && existing.objectID == sub.objectID {
			s.covSubs[i] = sub
			return StorageGood
		}
	}
	s.covSubs = append(s.covSubs, sub)
	return StorageGood
}

func (s *Server) serveSubscribeCOV(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeSubscribeCOVRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	if res := s.registerCOV(req, from); res != StorageGood {
		s.client.sendError(ctx, from, apdu.InvokeID, ServiceSubscribeCOV, ErrorClassObject, ErrorCodeUnknownObject)
		return
	}
	s.client.sendSimpleAck(ctx, from, apdu.InvokeID, ServiceSubscribeCOV)
}

func (s *Server) serveSubscribeCOVProperty(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeSubscribeCOVPropertyRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	if res := s.registerCOV(&req.SubscribeCOVRequest, from); res != StorageGood {
		s.client.sendError(ctx, from, apdu.InvokeID, ServiceSubscribeCOVProperty, ErrorClassObject, ErrorCodeUnknownObject)
		return
	}
	s.client.sendSimpleAck(ctx, from, apdu.InvokeID, ServiceSubscribeCOVProperty)
}

// onStorageChange fans a committed write out to matching subscriptions.
// It runs inside the storage mutex, so the sends happen off-thread.
func (s *Server) onStorageChange(objectID ObjectIdentifier, prop PropertyIdentifier, arrayIndex uint32, values []TaggedValue) {
	s.covMu.Lock()
	now := time.Now()
	var targets []serverCOVSub
	live := s.covSubs[:0]
	for _, sub := range s.covSubs {
		if !sub.expires.IsZero() && now.After(sub.expires) {
			continue
		}
		live = append(live, sub)
		if sub.objectID == objectID {
			targets = append(targets, sub)
		}
	}
	s.covSubs = live
	s.covMu.Unlock()

	if len(targets) == 0 {
		return
	}
	// The caller holds the storage mutex, so the id is read from the field
	// rather than through DeviceID(), which would lock it again.
	notification := &COVNotification{
		InitiatingDev: NewObjectIdentifier(ObjectTypeDevice, s.storage.deviceID),
		ObjectID:      objectID,
		Values: []PropertyValue{{
			Ref:    PropertyReference{ID: prop, ArrayIndex: arrayIndex},
			Values: values,
		}},
	}
	for _, sub := range targets {
		sub := sub
		n := *notification
		n.ProcessID = sub.processID
		if !sub.expires.IsZero() {
			n.TimeRemaining = uint32(time.Until(sub.expires) / time.Second)
		}
		go s.sendCOV(sub, &n)
	}
}

func (s *Server) sendCOV(sub serverCOVSub, n *COVNotification) {
	ctx := s.client.receiverCtx
	if sub.confirmed {
		ua := sub.addr
		if _, err := s.client.SendConfirmed(ctx, ua, ServiceConfirmedCOVNotification, n.Encode); err != nil {
			s.logger.Debug("confirmed cov failed", slog.String("error", err.Error()))
		}
		return
	}
	if err := s.client.SendUnconfirmed(ctx, sub.addr, false, ServiceUnconfirmedCOVNotification, n.Encode); err != nil {
		s.logger.Debug("cov notification failed", slog.String("error", err.Error()))
	}
}

func (s *Server) serveDeviceCommunicationControl(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeDeviceCommunicationControlRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	s.dccMu.Lock()
	switch req.Enable {
	case CommunicationEnable:
		s.dccUntil = time.Time{}
	case CommunicationDisable, CommunicationDisableInitiation:
		until := time.Now().Add(24 * time.Hour)
		if req.HasDuration {
			until = time.Now().Add(time.Duration(req.Duration) * time.Minute)
		}
		s.dccUntil = until
		s.dccInitOnly = req.Enable == CommunicationDisableInitiation
	}
	s.dccMu.Unlock()
	s.client.sendSimpleAck(ctx, from, apdu.InvokeID, ServiceDeviceCommunicationControl)
}

func (s *Server) serveReinitializeDevice(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeReinitializeDeviceRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	s.logger.Info("reinitialize requested", slog.Uint64("state", uint64(req.State)))
	s.client.sendSimpleAck(ctx, from, apdu.InvokeID, ServiceReinitializeDevice)
}

func (s *Server) serveCreateObject(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeCreateObjectRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	objectID := req.ObjectID
	if !req.HasObjectID {
		// assign the next free instance of the requested type
		instance := uint32(1)
		for _, oid := range s.storage.ObjectIDs() {
			if oid.Type == req.ObjectType && oid.Instance >= instance {
				instance = oid.Instance + 1
			}
		}
		objectID = ObjectIdentifier{Type: req.ObjectType, Instance: instance}
	}
	obj := &StorageObject{Type: objectID.Type, Instance: objectID.Instance}
	obj.SetProperty(PropertyObjectIdentifier, ObjectIDValue(objectID))
	for _, pv := range req.InitialValues {
		tag := TagNull
		for _, v := range pv.Values {
			if v.Tag != TagNull {
				tag = v.Tag
				break
			}
		}
		obj.SetPropertyList(pv.Ref.ID, tag, pv.Values)
	}
	s.storage.AddObject(obj)
	ack := CreateObjectAck{ObjectID: objectID}
	if err := s.client.SendComplexAck(ctx, from, apdu.InvokeID, ServiceCreateObject, ack.Encode); err != nil {
		s.logger.Debug("create-object ack failed", slog.String("error", err.Error()))
	}
}

func (s *Server) serveDeleteObject(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeDeleteObjectRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	switch res := s.storage.DeleteObject(req.ObjectID); res {
	case StorageGood:
		s.client.sendSimpleAck(ctx, from, apdu.InvokeID, ServiceDeleteObject)
	case StorageUnknownObject:
		s.client.sendError(ctx, from, apdu.InvokeID, ServiceDeleteObject, ErrorClassObject, ErrorCodeUnknownObject)
	default:
		s.client.sendError(ctx, from, apdu.InvokeID, ServiceDeleteObject, ErrorClassObject, ErrorCodeObjectDeletionNotPermitted)
	}
}

func (s *Server) serveListElement(ctx context.Context, apdu *APDU, from *net.UDPAddr, service ConfirmedServiceChoice) {
	req, err := DecodeListElementRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	objectID := s.normalizedID(req.ObjectID)
	res, current := s.storage.ReadProperty(objectID, req.Property.ID, ArrayIndexAll)
	if res != StorageGood {
		s.client.sendError(ctx, from, apdu.InvokeID, service, res.BACnetError().Class, res.BACnetError().Code)
		return
	}
	if service == ServiceAddListElement {
		current = append(current, req.Elements...)
	} else {
		kept := current[:0]
		for _, v := range current {
			remove := false
			for _, e := range req.Elements {
				if v.Equal(e) {
					remove = true
					break
				}
			}
			if !remove {
				kept = append(kept, v)
			}
		}
		current = kept
	}
	if res := s.storage.WriteProperty(objectID, req.Property.ID, ArrayIndexAll, current, false); res != StorageGood {
		s.client.sendError(ctx, from, apdu.InvokeID, service, ErrorClassProperty, ErrorCodePropertyIsNotAList)
		return
	}
	s.client.sendSimpleAck(ctx, from, apdu.InvokeID, service)
}

func (s *Server) serveAtomicReadFile(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeAtomicReadFileRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	s.fileMu.Lock()
	data, ok := s.files[req.FileID]
	s.fileMu.Unlock()
	if !ok {
		s.client.sendError(ctx, from, apdu.InvokeID, ServiceAtomicReadFile, ErrorClassObject, ErrorCodeUnknownObject)
		return
	}
	start := int(req.StartPos)
	if start < 0 || start > len(data) {
		s.client.sendError(ctx, from, apdu.InvokeID, ServiceAtomicReadFile, ErrorClassServices, ErrorCodeInvalidFileStartPosition)
		return
	}
	end := start + int(req.OctetCount)
	if end > len(data) {
		end = len(data)
	}
	ack := AtomicReadFileAck{
		EndOfFile: end == len(data),
		StartPos:  req.StartPos,
		Data:      data[start:end],
	}
	if err := s.client.SendComplexAck(ctx, from, apdu.InvokeID, ServiceAtomicReadFile, ack.Encode); err != nil {
		s.logger.Debug("atomic-read-file ack failed", slog.String("error", err.Error()))
	}
}

func (s *Server) serveAtomicWriteFile(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeAtomicWriteFileRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	if req.FileID.Type != ObjectTypeFile {
		s.client.sendError(ctx, from, apdu.InvokeID, ServiceAtomicWriteFile, ErrorClassServices, ErrorCodeInvalidFileAccessMethod)
		return
	}
	s.fileMu.Lock()
	data := s.files[req.FileID]
	start := int(req.StartPos)
	if start < 0 {
		start = len(data)
	}
	if need := start + len(req.Data); need > len(data) {
		grown := make([]byte, need)
		copy(grown, data)
		data = grown
	}
	copy(data[start:], req.Data)
	s.files[req.FileID] = data
	size := len(data)
	s.fileMu.Unlock()

	s.storage.WriteProperty(req.FileID, PropertyFileSize, ArrayIndexAll,
		[]TaggedValue{UnsignedValue(uint32(size))}, true)

	ack := AtomicWriteFileAck{StartPos: int32(start)}
	if err := s.client.SendComplexAck(ctx, from, apdu.InvokeID, ServiceAtomicWriteFile, ack.Encode); err != nil {
		s.logger.Debug("atomic-write-file ack failed", slog.String("error", err.Error()))
	}
}

func (s *Server) serveReadRange(ctx context.Context, apdu *APDU, from *net.UDPAddr) {
	req, err := DecodeReadRangeRequest(apdu.Data)
	if err != nil {
		s.client.sendReject(ctx, from, apdu.InvokeID, RejectReasonForDecodeError(err))
		return
	}
	res, values := s.storage.ReadProperty(req.ObjectID, req.Property.ID, ArrayIndexAll)
	if res != StorageGood {
		s.client.sendError(ctx, from, apdu.InvokeID, ServiceReadRange, res.BACnetError().Class, res.BACnetError().Code)
		return
	}

	lo, hi := 0, len(values)
	if req.Range == RangeByPosition || req.Range == RangeBySequence {
		lo = int(req.Reference) - 1
		if lo < 0 {
			lo = 0
		}
		hi = lo + int(req.Count)
		if hi > len(values) {
			hi = len(values)
		}
		if lo > hi {
			lo = hi
		}
	}

	itemBuf := NewEncodeBuffer(0, 0)
	for _, v := range values[lo:hi] {
		itemBuf.WriteValue(v)
	}
	first := lo == 0
	last := hi == len(values)
	var flags byte
	if first {
		flags |= 0x80
	}
	if last {
		flags |= 0x40
	}
	ack := ReadRangeAck{
		ObjectID:    s.normalizedID(req.ObjectID),
		Property:    req.Property,
		ResultFlags: BitString{UnusedBits: 5, Data: []byte{flags}},
		ItemCount:   uint32(hi - lo),
		Items:       itemBuf.Bytes(),
	}
	if err := s.client.SendComplexAck(ctx, from, apdu.InvokeID, ServiceReadRange, ack.Encode); err != nil {
		s.logger.Debug("read-range ack failed", slog.String("error", err.Error()))
	}
}

// SetFile installs a file object's content, creating the object record.
func (s *Server) SetFile(instance uint32, name string, data []byte) {
	fileID := ObjectIdentifier{Type: ObjectTypeFile, Instance: instance}
	s.fileMu.Lock()
	s.files[fileID] = data
	s.fileMu.Unlock()

	obj := &StorageObject{Type: ObjectTypeFile, Instance: instance}
	obj.SetProperty(PropertyObjectIdentifier, ObjectIDValue(fileID))
	obj.SetProperty(PropertyObjectName, StringValue(name))
	obj.SetProperty(PropertyFileSize, UnsignedValue(uint32(len(data))))
	s.storage.AddObject(obj)
}
