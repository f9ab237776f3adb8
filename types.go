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

// Package bacnet implements a BACnet/IP application stack: the tagged-value
// codec, NPDU/APDU framing, the confirmed-request engine with segmentation,
// a device-side object store, and client/server facades over UDP.
package bacnet

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// DefaultPort is the standard BACnet/IP UDP port (0xBAC0).
const DefaultPort = 47808

// MaxAPDULength is the maximum APDU length for BACnet/IP.
const MaxAPDULength = 1476

// MaxInstance is the largest valid object instance number (22 bits).
const MaxInstance = 0x3FFFFF - 1

// WildcardInstance is the broadcast device instance; requests carrying it
// are rewritten to the local device id before lookup.
const WildcardInstance = 0x3FFFFF

// ArrayIndexAll selects the whole property rather than a single element.
const ArrayIndexAll = 0xFFFFFFFF

// BVLCType identifies the BACnet Virtual Link Control family.
type BVLCType uint8

const (
	BVLCTypeBACnetIP BVLCType = 0x81
)

// BVLCFunction selects the BVLC frame function.
type BVLCFunction uint8

const (
	BVLCResult              BVLCFunction = 0x00
	BVLCForwardedNPDU       BVLCFunction = 0x04
	BVLCOriginalUnicastNPDU BVLCFunction = 0x0A
	BVLCOriginalBroadcastNPDU BVLCFunction = 0x0B
)

// NPDUControl carries the NPDU control-octet flag bits.
type NPDUControl uint8

const (
	NPDUControlNetworkLayerMessage NPDUControl = 0x80
	NPDUControlDestSpecifier       NPDUControl = 0x20
	NPDUControlSourceSpecifier     NPDUControl = 0x08
	NPDUControlExpectingReply      NPDUControl = 0x04
	NPDUControlPriorityNormal      NPDUControl = 0x00
	NPDUControlPriorityUrgent      NPDUControl = 0x01
	NPDUControlPriorityCritical    NPDUControl = 0x02
	NPDUControlPriorityLifeSafety  NPDUControl = 0x03
)

// PDUType distinguishes the APDU head variants (upper nibble of octet 0).
type PDUType uint8

const (
	PDUTypeConfirmedRequest   PDUType = 0x00
	PDUTypeUnconfirmedRequest PDUType = 0x10
	PDUTypeSimpleAck          PDUType = 0x20
	PDUTypeComplexAck         PDUType = 0x30
	PDUTypeSegmentAck         PDUType = 0x40
	PDUTypeError              PDUType = 0x50
	PDUTypeReject             PDUType = 0x60
	PDUTypeAbort              PDUType = 0x70
)

// ConfirmedServiceChoice enumerates confirmed service numbers per ASHRAE 135.
type ConfirmedServiceChoice uint8

const (
	ServiceAcknowledgeAlarm           ConfirmedServiceChoice = 0
	ServiceConfirmedCOVNotification   ConfirmedServiceChoice = 1
	ServiceConfirmedEventNotification ConfirmedServiceChoice = 2
	ServiceGetAlarmSummary            ConfirmedServiceChoice = 3
	ServiceGetEnrollmentSummary       ConfirmedServiceChoice = 4
	ServiceSubscribeCOV               ConfirmedServiceChoice = 5
	ServiceAtomicReadFile             ConfirmedServiceChoice = 6
	ServiceAtomicWriteFile            ConfirmedServiceChoice = 7
	ServiceAddListElement             ConfirmedServiceChoice = 8
	ServiceRemoveListElement          ConfirmedServiceChoice = 9
	ServiceCreateObject               ConfirmedServiceChoice = 10
	ServiceDeleteObject               ConfirmedServiceChoice = 11
	ServiceReadProperty               ConfirmedServiceChoice = 12
	ServiceReadPropertyMultiple       ConfirmedServiceChoice = 14
	ServiceWriteProperty              ConfirmedServiceChoice = 15
	ServiceWritePropertyMultiple      ConfirmedServiceChoice = 16
	ServiceDeviceCommunicationControl ConfirmedServiceChoice = 17
	ServiceReinitializeDevice         ConfirmedServiceChoice = 20
	ServiceReadRange                  ConfirmedServiceChoice = 26
	ServiceLifeSafetyOperation        ConfirmedServiceChoice = 27
	ServiceSubscribeCOVProperty       ConfirmedServiceChoice = 28
	ServiceGetEventInformation        ConfirmedServiceChoice = 29
)

func (s ConfirmedServiceChoice) String() string {
	names := map[ConfirmedServiceChoice]string{
		ServiceAcknowledgeAlarm:           "AcknowledgeAlarm",
		ServiceConfirmedCOVNotification:   "ConfirmedCOVNotification",
		ServiceConfirmedEventNotification: "ConfirmedEventNotification",
		ServiceGetAlarmSummary:            "GetAlarmSummary",
		ServiceGetEnrollmentSummary:       "GetEnrollmentSummary",
		ServiceSubscribeCOV:               "SubscribeCOV",
		ServiceAtomicReadFile:             "AtomicReadFile",
		ServiceAtomicWriteFile:            "AtomicWriteFile",
		ServiceAddListElement:             "AddListElement",
		ServiceRemoveListElement:          "RemoveListElement",
		ServiceCreateObject:               "CreateObject",
		ServiceDeleteObject:               "DeleteObject",
		ServiceReadProperty:               "ReadProperty",
		ServiceReadPropertyMultiple:       "ReadPropertyMultiple",
		ServiceWriteProperty:              "WriteProperty",
		ServiceWritePropertyMultiple:      "WritePropertyMultiple",
		ServiceDeviceCommunicationControl: "DeviceCommunicationControl",
		ServiceReinitializeDevice:         "ReinitializeDevice",
		ServiceReadRange:                  "ReadRange",
		ServiceLifeSafetyOperation:        "LifeSafetyOperation",
		ServiceSubscribeCOVProperty:       "SubscribeCOVProperty",
		ServiceGetEventInformation:        "GetEventInformation",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// UnconfirmedServiceChoice enumerates unconfirmed service numbers.
type UnconfirmedServiceChoice uint8

const (
	ServiceIAm                          UnconfirmedServiceChoice = 0
	ServiceIHave                        UnconfirmedServiceChoice = 1
	ServiceUnconfirmedCOVNotification   UnconfirmedServiceChoice = 2
	ServiceUnconfirmedEventNotification UnconfirmedServiceChoice = 3
	ServiceTimeSynchronization          UnconfirmedServiceChoice = 6
	ServiceWhoHas                       UnconfirmedServiceChoice = 7
	ServiceWhoIs                        UnconfirmedServiceChoice = 8
	ServiceUTCTimeSynchronization       UnconfirmedServiceChoice = 9
)

func (s UnconfirmedServiceChoice) String() string {
	names := map[UnconfirmedServiceChoice]string{
		ServiceIAm:                          "I-Am",
		ServiceIHave:                        "I-Have",
		ServiceUnconfirmedCOVNotification:   "UnconfirmedCOVNotification",
		ServiceUnconfirmedEventNotification: "UnconfirmedEventNotification",
		ServiceTimeSynchronization:          "TimeSynchronization",
		ServiceWhoHas:                       "Who-Has",
		ServiceWhoIs:                        "Who-Is",
		ServiceUTCTimeSynchronization:       "UTCTimeSynchronization",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", s)
}

// ObjectType represents BACnet object types.
type ObjectType uint16

const (
	ObjectTypeAnalogInput       ObjectType = 0
	ObjectTypeAnalogOutput      ObjectType = 1
	ObjectTypeAnalogValue       ObjectType = 2
	ObjectTypeBinaryInput       ObjectType = 3
	ObjectTypeBinaryOutput      ObjectType = 4
	ObjectTypeBinaryValue       ObjectType = 5
	ObjectTypeCalendar          ObjectType = 6
	ObjectTypeCommand           ObjectType = 7
	ObjectTypeDevice            ObjectType = 8
	ObjectTypeEventEnrollment   ObjectType = 9
	ObjectTypeFile              ObjectType = 10
	ObjectTypeGroup             ObjectType = 11
	ObjectTypeLoop              ObjectType = 12
	ObjectTypeMultiStateInput   ObjectType = 13
	ObjectTypeMultiStateOutput  ObjectType = 14
	ObjectTypeNotificationClass ObjectType = 15
	ObjectTypeProgram           ObjectType = 16
	ObjectTypeSchedule          ObjectType = 17
	ObjectTypeAveraging         ObjectType = 18
	ObjectTypeMultiStateValue   ObjectType = 19
	ObjectTypeTrendLog          ObjectType = 20
	ObjectTypeLifeSafetyPoint   ObjectType = 21
	ObjectTypeLifeSafetyZone    ObjectType = 22
	ObjectTypeAccumulator       ObjectType = 23
	ObjectTypePulseConverter    ObjectType = 24
	ObjectTypeEventLog          ObjectType = 25
	ObjectTypeStructuredView    ObjectType = 29
	ObjectTypeAccessDoor        ObjectType = 30
	ObjectTypeCharacterStringValue ObjectType = 40
	ObjectTypeIntegerValue      ObjectType = 45
	ObjectTypeLargeAnalogValue  ObjectType = 46
	ObjectTypePositiveIntegerValue ObjectType = 48
)

var objectTypeNames = map[ObjectType]string{
	ObjectTypeAnalogInput:       "analog-input",
	ObjectTypeAnalogOutput:      "analog-output",
	ObjectTypeAnalogValue:       "analog-value",
	ObjectTypeBinaryInput:       "binary-input",
	ObjectTypeBinaryOutput:      "binary-output",
	ObjectTypeBinaryValue:       "binary-value",
	ObjectTypeCalendar:          "calendar",
	ObjectTypeCommand:           "command",
	ObjectTypeDevice:            "device",
	ObjectTypeEventEnrollment:   "event-enrollment",
	ObjectTypeFile:              "file",
	ObjectTypeGroup:             "group",
	ObjectTypeLoop:              "loop",
	ObjectTypeMultiStateInput:   "multi-state-input",
	ObjectTypeMultiStateOutput:  "multi-state-output",
	ObjectTypeNotificationClass: "notification-class",
	ObjectTypeProgram:           "program",
	ObjectTypeSchedule:          "schedule",
	ObjectTypeAveraging:         "averaging",
	ObjectTypeMultiStateValue:   "multi-state-value",
	ObjectTypeTrendLog:          "trend-log",
	ObjectTypeLifeSafetyPoint:   "life-safety-point",
	ObjectTypeLifeSafetyZone:    "life-safety-zone",
	ObjectTypeAccumulator:       "accumulator",
	ObjectTypePulseConverter:    "pulse-converter",
	ObjectTypeEventLog:          "event-log",
	ObjectTypeStructuredView:    "structured-view",
	ObjectTypeAccessDoor:        "access-door",
	ObjectTypeCharacterStringValue: "characterstring-value",
	ObjectTypeIntegerValue:      "integer-value",
	ObjectTypeLargeAnalogValue:  "large-analog-value",
	ObjectTypePositiveIntegerValue: "positive-integer-value",
}

func (o ObjectType) String() string {
	if name, ok := objectTypeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("vendor-specific(%d)", o)
}

// ParseObjectType parses a string to ObjectType. Both the canonical
// hyphenated names and short aliases are accepted.
func ParseObjectType(s string) (ObjectType, bool) {
	aliases := map[string]ObjectType{
		"ai":  ObjectTypeAnalogInput,
		"ao":  ObjectTypeAnalogOutput,
		"av":  ObjectTypeAnalogValue,
		"bi":  ObjectTypeBinaryInput,
		"bo":  ObjectTypeBinaryOutput,
		"bv":  ObjectTypeBinaryValue,
		"dev": ObjectTypeDevice,
		"msi": ObjectTypeMultiStateInput,
		"mso": ObjectTypeMultiStateOutput,
		"msv": ObjectTypeMultiStateValue,
		"sch": ObjectTypeSchedule,
		"tl":  ObjectTypeTrendLog,
		"nc":  ObjectTypeNotificationClass,
	}
	if t, ok := aliases[s]; ok {
		return t, true
	}
	for t, name := range objectTypeNames {
		if name == s {
			return t, true
		}
	}
	return 0, false
}

// PropertyIdentifier represents BACnet property identifiers.
type PropertyIdentifier uint32

const (
	PropertyAckedTransitions              PropertyIdentifier = 0
	PropertyAckRequired                   PropertyIdentifier = 1
	PropertyActiveText                    PropertyIdentifier = 4
	PropertyAll                           PropertyIdentifier = 8
	PropertyApduSegmentTimeout            PropertyIdentifier = 10
	PropertyApduTimeout                   PropertyIdentifier = 11
	PropertyApplicationSoftwareVersion    PropertyIdentifier = 12
	PropertyCOVIncrement                  PropertyIdentifier = 22
	PropertyDaylightSavingsStatus         PropertyIdentifier = 24
	PropertyDeadband                      PropertyIdentifier = 25
	PropertyDescription                   PropertyIdentifier = 28
	PropertyDeviceAddressBinding          PropertyIdentifier = 30
	PropertyDeviceType                    PropertyIdentifier = 31
	PropertyEventState                    PropertyIdentifier = 36
	PropertyFileAccessMethod              PropertyIdentifier = 41
	PropertyFileSize                      PropertyIdentifier = 42
	PropertyFirmwareRevision              PropertyIdentifier = 44
	PropertyHighLimit                     PropertyIdentifier = 45
	PropertyInactiveText                  PropertyIdentifier = 46
	PropertyLocalDate                     PropertyIdentifier = 56
	PropertyLocalTime                     PropertyIdentifier = 57
	PropertyLocation                      PropertyIdentifier = 58
	PropertyLowLimit                      PropertyIdentifier = 59
	PropertyMaxApduLengthAccepted         PropertyIdentifier = 62
	PropertyModelName                     PropertyIdentifier = 70
	PropertyNotifyType                    PropertyIdentifier = 72
	PropertyNumberOfApduRetries           PropertyIdentifier = 73
	PropertyNumberOfStates                PropertyIdentifier = 74
	PropertyObjectIdentifier              PropertyIdentifier = 75
	PropertyObjectList                    PropertyIdentifier = 76
	PropertyObjectName                    PropertyIdentifier = 77
	PropertyObjectType                    PropertyIdentifier = 79
	PropertyOptional                      PropertyIdentifier = 80
	PropertyOutOfService                  PropertyIdentifier = 81
	PropertyPresentValue                  PropertyIdentifier = 85
	PropertyPriority                      PropertyIdentifier = 86
	PropertyPriorityArray                 PropertyIdentifier = 87
	PropertyProcessIdentifier             PropertyIdentifier = 89
	PropertyProtocolObjectTypesSupported  PropertyIdentifier = 96
	PropertyProtocolServicesSupported     PropertyIdentifier = 97
	PropertyProtocolVersion               PropertyIdentifier = 98
	PropertyReliability                   PropertyIdentifier = 103
	PropertyRelinquishDefault             PropertyIdentifier = 104
	PropertyRequired                      PropertyIdentifier = 105
	PropertySegmentationSupported         PropertyIdentifier = 107
	PropertyStateText                     PropertyIdentifier = 110
	PropertyStatusFlags                   PropertyIdentifier = 111
	PropertySystemStatus                  PropertyIdentifier = 112
	PropertyUnits                         PropertyIdentifier = 117
	PropertyUtcOffset                     PropertyIdentifier = 119
	PropertyVendorIdentifier              PropertyIdentifier = 120
	PropertyVendorName                    PropertyIdentifier = 121
	PropertyProtocolRevision              PropertyIdentifier = 139
	PropertyDatabaseRevision              PropertyIdentifier = 155
	PropertyMaxSegmentsAccepted           PropertyIdentifier = 167
	PropertyProfileName                   PropertyIdentifier = 168
)

var propertyNames = map[PropertyIdentifier]string{
	PropertyAll:                        "all",
	PropertyApplicationSoftwareVersion: "application-software-version",
	PropertyCOVIncrement:               "cov-increment",
	PropertyDatabaseRevision:           "database-revision",
	PropertyDeadband:                   "deadband",
	PropertyDescription:                "description",
	PropertyDeviceType:                 "device-type",
	PropertyEventState:                 "event-state",
	PropertyFirmwareRevision:           "firmware-revision",
	PropertyHighLimit:                  "high-limit",
	PropertyLocalDate:                  "local-date",
	PropertyLocalTime:                  "local-time",
	PropertyLocation:                   "location",
	PropertyLowLimit:                   "low-limit",
	PropertyMaxApduLengthAccepted:      "max-apdu-length-accepted",
	PropertyModelName:                  "model-name",
	PropertyObjectIdentifier:           "object-identifier",
	PropertyObjectList:                 "object-list",
	PropertyObjectName:                 "object-name",
	PropertyObjectType:                 "object-type",
	PropertyOptional:                   "optional",
	PropertyOutOfService:               "out-of-service",
	PropertyPresentValue:               "present-value",
	PropertyPriorityArray:              "priority-array",
	PropertyProtocolRevision:           "protocol-revision",
	PropertyProtocolVersion:            "protocol-version",
	PropertyReliability:                "reliability",
	PropertyRelinquishDefault:          "relinquish-default",
	PropertyRequired:                   "required",
	PropertySegmentationSupported:      "segmentation-supported",
	PropertyStatusFlags:                "status-flags",
	PropertySystemStatus:               "system-status",
	PropertyUnits:                      "units",
	PropertyVendorIdentifier:           "vendor-identifier",
	PropertyVendorName:                 "vendor-name",
}

func (p PropertyIdentifier) String() string {
	if name, ok := propertyNames[p]; ok {
		return name
	}
	return fmt.Sprintf("property(%d)", p)
}

// ParsePropertyIdentifier parses a string to PropertyIdentifier.
func ParsePropertyIdentifier(s string) (PropertyIdentifier, bool) {
	aliases := map[string]PropertyIdentifier{
		"oid":  PropertyObjectIdentifier,
		"name": PropertyObjectName,
		"type": PropertyObjectType,
		"pv":   PropertyPresentValue,
		"desc": PropertyDescription,
		"oos":  PropertyOutOfService,
		"pa":   PropertyPriorityArray,
		"rd":   PropertyRelinquishDefault,
	}
	if p, ok := aliases[s]; ok {
		return p, true
	}
	for p, name := range propertyNames {
		if name == s {
			return p, true
		}
	}
	return 0, false
}

// ObjectIdentifier represents a BACnet object identifier (type + instance).
type ObjectIdentifier struct {
	Type     ObjectType
	Instance uint32
}

// NewObjectIdentifier creates a new ObjectIdentifier.
func NewObjectIdentifier(objectType ObjectType, instance uint32) ObjectIdentifier {
	return ObjectIdentifier{Type: objectType, Instance: instance}
}

// Encode packs the object identifier into its 32-bit wire form.
func (o ObjectIdentifier) Encode() uint32 {
	return (uint32(o.Type) << 22) | (o.Instance & WildcardInstance)
}

// DecodeObjectIdentifier unpacks a 32-bit wire value.
func DecodeObjectIdentifier(value uint32) ObjectIdentifier {
	return ObjectIdentifier{
		Type:     ObjectType((value >> 22) & 0x3FF),
		Instance: value & WildcardInstance,
	}
}

func (o ObjectIdentifier) String() string {
	return fmt.Sprintf("%s:%d", o.Type.String(), o.Instance)
}

// ParsePoint parses the addressable point form "<instance>_<type>" used by
// the driver layer, e.g. "3_0" is instance 3 of analog-input. A missing
// type suffix defaults to analog-input.
func ParsePoint(s string) (ObjectIdentifier, error) {
	instPart, typePart, found := strings.Cut(s, "_")
	if !found || typePart == "" {
		typePart = "0"
	}
	inst, err := strconv.ParseUint(instPart, 10, 32)
	if err != nil || inst > MaxInstance {
		return ObjectIdentifier{}, fmt.Errorf("%w: %q", ErrInvalidPoint, s)
	}
	typ, err := strconv.ParseUint(typePart, 10, 16)
	if err != nil {
		return ObjectIdentifier{}, fmt.Errorf("%w: %q", ErrInvalidPoint, s)
	}
	return ObjectIdentifier{Type: ObjectType(typ), Instance: uint32(inst)}, nil
}

// FormatPoint renders an object identifier in point form.
func FormatPoint(id ObjectIdentifier) string {
	return fmt.Sprintf("%d_%d", id.Instance, uint16(id.Type))
}

// PropertyReference addresses a property, optionally a single array element.
// ArrayIndexAll selects the whole property; 0 selects the element count.
type PropertyReference struct {
	ID         PropertyIdentifier
	ArrayIndex uint32
}

// NewPropertyReference references the whole property.
func NewPropertyReference(id PropertyIdentifier) PropertyReference {
	return PropertyReference{ID: id, ArrayIndex: ArrayIndexAll}
}

// PropertyValue couples a property reference with its values and an
// optional write priority (0 = no priority given).
type PropertyValue struct {
	Ref      PropertyReference
	Values   []TaggedValue
	Priority uint8
}

// ReadAccessResult is one object's slice of a ReadPropertyMultiple response.
type ReadAccessResult struct {
	ObjectID ObjectIdentifier
	Values   []PropertyValue
}

// Address is a transport endpoint. For IPv4 the MAC is IP(4)+port(2).
// RoutedSource and RoutedDest carry the remote BACnet address when the
// packet crossed a router.
type Address struct {
	Net          uint16
	MAC          []byte
	RoutedSource *Address
	RoutedDest   *Address
}

// AddressFromUDP builds an Address from a UDP endpoint.
func AddressFromUDP(addr *net.UDPAddr) Address {
	mac := make([]byte, 6)
	copy(mac, addr.IP.To4())
	binary.BigEndian.PutUint16(mac[4:], uint16(addr.Port))
	return Address{MAC: mac}
}

// UDPAddr converts the address MAC back to a UDP endpoint.
func (a Address) UDPAddr() (*net.UDPAddr, error) {
	switch len(a.MAC) {
	case 6:
		return &net.UDPAddr{
			IP:   net.IP(a.MAC[:4]),
			Port: int(binary.BigEndian.Uint16(a.MAC[4:])),
		}, nil
	case 4:
		return &net.UDPAddr{IP: net.IP(a.MAC), Port: DefaultPort}, nil
	default:
		return nil, fmt.Errorf("bacnet: invalid address MAC length %d", len(a.MAC))
	}
}

// Equal reports structural equality.
func (a Address) Equal(b Address) bool {
	if a.Net != b.Net || !bytes.Equal(a.MAC, b.MAC) {
		return false
	}
	if (a.RoutedSource == nil) != (b.RoutedSource == nil) {
		return false
	}
	if a.RoutedSource != nil && !a.RoutedSource.Equal(*b.RoutedSource) {
		return false
	}
	if (a.RoutedDest == nil) != (b.RoutedDest == nil) {
		return false
	}
	if a.RoutedDest != nil && !a.RoutedDest.Equal(*b.RoutedDest) {
		return false
	}
	return true
}

func (a Address) String() string {
	if u, err := a.UDPAddr(); err == nil {
		if a.Net != 0 {
			return fmt.Sprintf("%d:%s", a.Net, u)
		}
		return u.String()
	}
	return fmt.Sprintf("%d:%x", a.Net, a.MAC)
}

// Segmentation represents the BACnet segmentation capability.
type Segmentation uint8

const (
	SegmentationBoth     Segmentation = 0
	SegmentationTransmit Segmentation = 1
	SegmentationReceive  Segmentation = 2
	SegmentationNone     Segmentation = 3
)

func (s Segmentation) String() string {
	names := map[Segmentation]string{
		SegmentationBoth:     "segmented-both",
		SegmentationTransmit: "segmented-transmit",
		SegmentationReceive:  "segmented-receive",
		SegmentationNone:     "no-segmentation",
	}
	if name, ok := names[s]; ok {
		return name
	}
	return fmt.Sprintf("segmentation(%d)", s)
}

// DeviceStatus represents the device system-status property.
type DeviceStatus uint8

const (
	DeviceStatusOperational         DeviceStatus = 0
	DeviceStatusOperationalReadOnly DeviceStatus = 1
	DeviceStatusDownloadRequired    DeviceStatus = 2
	DeviceStatusDownloadInProgress  DeviceStatus = 3
	DeviceStatusNonOperational      DeviceStatus = 4
)

// StatusFlags represents the BACnet status-flags bit string.
type StatusFlags struct {
	InAlarm      bool
	Fault        bool
	Overridden   bool
	OutOfService bool
}

// BitString renders the flags in wire bit-string form.
func (s StatusFlags) BitString() BitString {
	var b byte
	if s.InAlarm {
		b |= 0x80
	}
	if s.Fault {
		b |= 0x40
	}
	if s.Overridden {
		b |= 0x20
	}
	if s.OutOfService {
		b |= 0x10
	}
	return BitString{UnusedBits: 4, Data: []byte{b}}
}

func (s StatusFlags) String() string {
	return fmt.Sprintf("{in-alarm:%v, fault:%v, overridden:%v, out-of-service:%v}",
		s.InAlarm, s.Fault, s.Overridden, s.OutOfService)
}

// DeviceInfo describes a device learned from an I-Am.
type DeviceInfo struct {
	ObjectID      ObjectIdentifier
	Address       Address
	MaxAPDULength uint16
	Segmentation  Segmentation
	VendorID      uint16
}
