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
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"
)

// StorageResult classifies storage operation outcomes.
type StorageResult int

const (
	StorageGood StorageResult = iota
	StorageUnknownObject
	StorageNotExist
	StorageWriteAccessDenied
	StorageNotForMe
	StorageError
)

func (r StorageResult) String() string {
	switch r {
	case StorageGood:
		return "good"
	case StorageUnknownObject:
		return "unknown-object"
	case StorageNotExist:
		return "not-exist"
	case StorageWriteAccessDenied:
		return "write-access-denied"
	case StorageNotForMe:
		return "not-for-me"
	default:
		return "error"
	}
}

// BACnetError converts a failed result to the wire error pair.
func (r StorageResult) BACnetError() *BACnetError {
	switch r {
	case StorageUnknownObject:
		return NewBACnetError(ErrorClassObject, ErrorCodeUnknownObject)
	case StorageNotExist:
		return NewBACnetError(ErrorClassProperty, ErrorCodeUnknownProperty)
	case StorageWriteAccessDenied:
		return NewBACnetError(ErrorClassDevice, ErrorCodeWriteAccessDenied)
	default:
		return NewBACnetError(ErrorClassDevice, ErrorCodeOther)
	}
}

// StorageProperty is one stored property: its id, the application tag its
// values carry, and the value list. When Tag is non-null every non-null
// element of Values has that tag.
type StorageProperty struct {
	ID     PropertyIdentifier
	Tag    ApplicationTag
	Values []TaggedValue
}

// StorageObject is one stored object, identified by (Type, Instance).
type StorageObject struct {
	Type       ObjectType
	Instance   uint32
	Properties []*StorageProperty
}

// ID returns the object's identifier.
func (o *StorageObject) ID() ObjectIdentifier {
	return ObjectIdentifier{Type: o.Type, Instance: o.Instance}
}

// FindProperty returns the property with the given id, or nil.
func (o *StorageObject) FindProperty(id PropertyIdentifier) *StorageProperty {
	for _, p := range o.Properties {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// SetProperty replaces (or creates) a property with a single value.
func (o *StorageObject) SetProperty(id PropertyIdentifier, v TaggedValue) {
	o.SetPropertyList(id, v.Tag, []TaggedValue{v})
}

// SetPropertyList replaces (or creates) a property with a value list.
func (o *StorageObject) SetPropertyList(id PropertyIdentifier, tag ApplicationTag, values []TaggedValue) {
	if p := o.FindProperty(id); p != nil {
		p.Tag = tag
		p.Values = values
		return
	}
	o.Properties = append(o.Properties, &StorageProperty{ID: id, Tag: tag, Values: values})
}

// ChangeOfValueFunc observes committed writes. It fires inside the storage
// mutex; observers must not re-enter storage.
type ChangeOfValueFunc func(object ObjectIdentifier, property PropertyIdentifier, arrayIndex uint32, values []TaggedValue)

// ReadOverrideFunc may short-circuit a read with a supplied value.
type ReadOverrideFunc func(object ObjectIdentifier, property PropertyIdentifier, arrayIndex uint32) ([]TaggedValue, bool)

// WriteOverrideFunc may preempt a write.
type WriteOverrideFunc func(object ObjectIdentifier, property PropertyIdentifier, arrayIndex uint32, values []TaggedValue) (StorageResult, bool)

// DeviceStorage is the in-memory object/property database behind a device.
// A single mutex serialises all access, load and save included.
type DeviceStorage struct {
	mu       sync.Mutex
	deviceID uint32
	objects  []*StorageObject

	OnChange      ChangeOfValueFunc
	ReadOverride  ReadOverrideFunc
	WriteOverride WriteOverrideFunc
}

// ResourceFS, when set, is searched by Load after the filesystem path
// misses; it stands in for embedded storage resources.
var ResourceFS fs.FS

// NewDeviceStorage creates a storage holding the mandatory device object.
func NewDeviceStorage(deviceID uint32) *DeviceStorage {
	s := &DeviceStorage{deviceID: deviceID}
	dev := &StorageObject{Type: ObjectTypeDevice, Instance: deviceID}
	dev.SetProperty(PropertyObjectIdentifier, ObjectIDValue(dev.ID()))
	dev.SetProperty(PropertyObjectName, StringValue(fmt.Sprintf("device-%d", deviceID)))
	dev.SetProperty(PropertyVendorName, StringValue("Edgeo SCADA"))
	dev.SetProperty(PropertyModelName, StringValue("edgeo-bacnet"))
	dev.SetProperty(PropertyMaxApduLengthAccepted, UnsignedValue(MaxAPDULength))
	dev.SetProperty(PropertySegmentationSupported, EnumeratedValue(uint32(SegmentationBoth)))
	dev.SetProperty(PropertySystemStatus, EnumeratedValue(uint32(DeviceStatusOperational)))
	s.objects = append(s.objects, dev)
	return s
}

// DeviceID returns the configured device instance.
func (s *DeviceStorage) DeviceID() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceID
}

// SetDeviceID rewrites the device id; every device object's instance is
// updated to match.
func (s *DeviceStorage) SetDeviceID(id uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceID = id
	for _, o := range s.objects {
		if o.Type == ObjectTypeDevice {
			o.Instance = id
			if p := o.FindProperty(PropertyObjectIdentifier); p != nil {
				p.Values = []TaggedValue{ObjectIDValue(o.ID())}
			}
		}
	}
}

// normalize rewrites the wildcard device instance before lookup.
func (s *DeviceStorage) normalize(id ObjectIdentifier) ObjectIdentifier {
	if id.Type == ObjectTypeDevice && id.Instance == WildcardInstance {
		id.Instance = s.deviceID
	}
	return id
}

// findObject scans for an object; the mutex must be held.
func (s *DeviceStorage) findObject(id ObjectIdentifier) *StorageObject {
	for _, o := range s.objects {
		if o.Type == id.Type && o.Instance == id.Instance {
			return o
		}
	}
	return nil
}

// AddObject inserts an object (replacing any existing one with the same id).
func (s *DeviceStorage) AddObject(obj *StorageObject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, o := range s.objects {
		if o.Type == obj.Type && o.Instance == obj.Instance {
			s.objects[i] = obj
			return
		}
	}
	s.objects = append(s.objects, obj)
}

// DeleteObject removes an object.
func (s *DeviceStorage) DeleteObject(id ObjectIdentifier) StorageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = s.normalize(id)
	if id.Type == ObjectTypeDevice {
		return StorageWriteAccessDenied
	}
	for i, o := range s.objects {
		if o.Type == id.Type && o.Instance == id.Instance {
			s.objects = append(s.objects[:i], s.objects[i+1:]...)
			return StorageGood
		}
	}
	return StorageUnknownObject
}

// ObjectIDs lists the stored object identifiers.
func (s *DeviceStorage) ObjectIDs() []ObjectIdentifier {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.objectIDsLocked()
}

func (s *DeviceStorage) objectIDsLocked() []ObjectIdentifier {
	ids := make([]ObjectIdentifier, 0, len(s.objects))
	for _, o := range s.objects {
		ids = append(ids, o.ID())
	}
	return ids
}

// ReadProperty reads one property reference.
func (s *DeviceStorage) ReadProperty(id ObjectIdentifier, prop PropertyIdentifier, arrayIndex uint32) (StorageResult, []TaggedValue) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readPropertyLocked(id, prop, arrayIndex)
}

func (s *DeviceStorage) readPropertyLocked(id ObjectIdentifier, prop PropertyIdentifier, arrayIndex uint32) (StorageResult, []TaggedValue) {
	id = s.normalize(id)
	if s.ReadOverride != nil {
		if values, ok := s.ReadOverride(id, prop, arrayIndex); ok {
			return StorageGood, values
		}
	}
	obj := s.findObject(id)
	if obj == nil {
		return StorageUnknownObject, nil
	}
	p := obj.FindProperty(prop)
	var values []TaggedValue
	if p == nil {
		// the device object-list is synthesized when not stored
		if obj.Type == ObjectTypeDevice && prop == PropertyObjectList {
			for _, oid := range s.objectIDsLocked() {
				values = append(values, ObjectIDValue(oid))
			}
		} else {
			return StorageNotExist, nil
		}
	} else {
		values = p.Values
	}
	switch arrayIndex {
	case ArrayIndexAll:
		out := make([]TaggedValue, len(values))
		copy(out, values)
		return StorageGood, out
	case 0:
		return StorageGood, []TaggedValue{UnsignedValue(uint32(len(values)))}
	default:
		if int(arrayIndex) > len(values) {
			return StorageNotExist, nil
		}
		return StorageGood, []TaggedValue{values[arrayIndex-1]}
	}
}

// WriteProperty replaces a property's value list. With addIfMissing the
// object and property are created on demand.
func (s *DeviceStorage) WriteProperty(id ObjectIdentifier, prop PropertyIdentifier, arrayIndex uint32, values []TaggedValue, addIfMissing bool) StorageResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writePropertyLocked(id, prop, arrayIndex, values, addIfMissing)
}

func (s *DeviceStorage) writePropertyLocked(id ObjectIdentifier, prop PropertyIdentifier, arrayIndex uint32, values []TaggedValue, addIfMissing bool) StorageResult {
	id = s.normalize(id)
	if s.WriteOverride != nil {
		if res, ok := s.WriteOverride(id, prop, arrayIndex, values); ok {
			return res
		}
	}
	obj := s.findObject(id)
	if obj == nil {
		if !addIfMissing {
			return StorageNotExist
		}
		obj = &StorageObject{Type: id.Type, Instance: id.Instance}
		s.objects = append(s.objects, obj)
	}
	p := obj.FindProperty(prop)
	if p == nil {
		if !addIfMissing {
			return StorageNotExist
		}
		p = &StorageProperty{ID: prop}
		obj.Properties = append(obj.Properties, p)
	}
	if p.Tag == TagNull {
		for _, v := range values {
			if v.Tag != TagNull {
				p.Tag = v.Tag
				break
			}
		}
	}
	if arrayIndex != ArrayIndexAll && arrayIndex > 0 {
		if int(arrayIndex) > len(p.Values) {
			return StorageNotExist
		}
		if len(values) != 1 {
			return StorageError
		}
		p.Values[arrayIndex-1] = values[0]
	} else {
		p.Values = values
	}
	if s.OnChange != nil {
		s.OnChange(id, prop, arrayIndex, values)
	}
	return StorageGood
}

// commandable properties a priority-array object must carry.
var commandableProps = []PropertyIdentifier{
	PropertyPresentValue,
	PropertyRelinquishDefault,
	PropertyOutOfService,
	PropertyPriorityArray,
}

// WriteCommandableProperty implements the 16-slot priority array. A null
// value clears the slot; the lowest-indexed non-null slot drives the
// present value, RELINQUISH_DEFAULT backs an all-null array. Priority 6 is
// reserved for minimum on/off and is refused.
func (s *DeviceStorage) WriteCommandableProperty(id ObjectIdentifier, prop PropertyIdentifier, value TaggedValue, priority uint8) StorageResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	id = s.normalize(id)
	obj := s.findObject(id)
	if obj == nil {
		return StorageUnknownObject
	}
	for _, required := range commandableProps {
		if obj.FindProperty(required) == nil {
			return StorageNotForMe
		}
	}
	if prop != PropertyPresentValue && prop != PropertyRelinquishDefault {
		return StorageNotForMe
	}

	oos := obj.FindProperty(PropertyOutOfService)
	outOfService := false
	if len(oos.Values) == 1 {
		if b, ok := oos.Values[0].Value.(bool); ok {
			outOfService = b
		}
	}
	if outOfService && prop == PropertyPresentValue {
		pv := obj.FindProperty(PropertyPresentValue)
		pv.Values = []TaggedValue{value}
		if s.OnChange != nil {
			s.OnChange(id, prop, ArrayIndexAll, pv.Values)
		}
		return StorageGood
	}

	if priority == 0 {
		priority = 16
	}
	if priority == 6 {
		return StorageWriteAccessDenied
	}
	if priority > 16 {
		return StorageError
	}

	array := obj.FindProperty(PropertyPriorityArray)
	if len(array.Values) != 16 {
		array.Values = make([]TaggedValue, 16)
		for i := range array.Values {
			array.Values[i] = NullValue()
		}
	}

	if prop == PropertyRelinquishDefault {
		// a relinquish-default write leaves the priority array untouched
		rd := obj.FindProperty(PropertyRelinquishDefault)
		rd.Values = []TaggedValue{value}
	} else {
		array.Values[priority-1] = value
	}

	effective := NullValue()
	if rdValues := obj.FindProperty(PropertyRelinquishDefault).Values; len(rdValues) > 0 {
		effective = rdValues[0]
	}
	for _, slot := range array.Values {
		if !slot.IsNull() {
			effective = slot
			break
		}
	}
	pv := obj.FindProperty(PropertyPresentValue)
	pv.Values = []TaggedValue{effective}
	if s.OnChange != nil {
		s.OnChange(id, PropertyPresentValue, ArrayIndexAll, pv.Values)
	}
	return StorageGood
}

// ReadPropertyMultiple resolves each reference, folding failures into
// error-variant values.
func (s *DeviceStorage) ReadPropertyMultiple(id ObjectIdentifier, refs []PropertyReference) []PropertyValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PropertyValue, 0, len(refs))
	for _, ref := range refs {
		res, values := s.readPropertyLocked(id, ref.ID, ref.ArrayIndex)
		if res != StorageGood {
			be := res.BACnetError()
			values = []TaggedValue{ErrorValue(be.Class, be.Code)}
		}
		out = append(out, PropertyValue{Ref: ref, Values: values})
	}
	return out
}

// ReadPropertyAll serves the PROP_ALL pseudo-property: every stored
// property of the object.
func (s *DeviceStorage) ReadPropertyAll(id ObjectIdentifier) (StorageResult, []PropertyValue) {
	s.mu.Lock()
	defer s.mu.Unlock()

	obj := s.findObject(s.normalize(id))
	if obj == nil {
		return StorageUnknownObject, nil
	}
	out := make([]PropertyValue, 0, len(obj.Properties))
	for _, p := range obj.Properties {
		values := make([]TaggedValue, len(p.Values))
		copy(values, p.Values)
		out = append(out, PropertyValue{
			Ref:    NewPropertyReference(p.ID),
			Values: values,
		})
	}
	return StorageGood, out
}

// --- XML persistence ---

type xmlStorage struct {
	XMLName  xml.Name    `xml:"DeviceStorage"`
	DeviceID uint32      `xml:"DeviceId,attr"`
	Objects  []xmlObject `xml:"Objects>Object"`
}

type xmlObject struct {
	Type       string        `xml:"Type,attr"`
	Instance   uint32        `xml:"Instance,attr"`
	Properties []xmlProperty `xml:"Properties>Property"`
}

type xmlProperty struct {
	ID     string     `xml:"Id,attr"`
	Tag    string     `xml:"Tag"`
	Values []xmlValue `xml:"Value"`
}

type xmlValue struct {
	Nil  bool   `xml:"Nil,attr,omitempty"`
	Text string `xml:",chardata"`
}

// formatValue renders a tagged value's persisted text form.
func formatValue(v TaggedValue) xmlValue {
	switch v.Tag {
	case TagNull:
		return xmlValue{Nil: true}
	case TagBoolean:
		return xmlValue{Text: strconv.FormatBool(v.Value.(bool))}
	case TagUnsignedInt, TagEnumerated:
		return xmlValue{Text: strconv.FormatUint(uint64(v.Value.(uint32)), 10)}
	case TagSignedInt:
		return xmlValue{Text: strconv.FormatInt(int64(v.Value.(int32)), 10)}
	case TagReal:
		return xmlValue{Text: strconv.FormatFloat(float64(v.Value.(float32)), 'g', -1, 32)}
	case TagDouble:
		return xmlValue{Text: strconv.FormatFloat(v.Value.(float64), 'g', -1, 64)}
	case TagOctetString:
		return xmlValue{Text: hex.EncodeToString(v.Value.([]byte))}
	case TagCharacterString:
		return xmlValue{Text: v.Value.(string)}
	case TagBitString:
		bs := v.Value.(BitString)
		return xmlValue{Text: fmt.Sprintf("%d:%s", bs.UnusedBits, hex.EncodeToString(bs.Data))}
	case TagDate:
		d := v.Value.(Date)
		return xmlValue{Text: fmt.Sprintf("%d-%d-%d-%d", d.Year, d.Month, d.Day, d.Weekday)}
	case TagTime:
		t := v.Value.(Time)
		return xmlValue{Text: fmt.Sprintf("%d:%d:%d.%d", t.Hour, t.Minute, t.Second, t.Hundredths)}
	case TagObjectID:
		return xmlValue{Text: strconv.FormatUint(uint64(v.Value.(ObjectIdentifier).Encode()), 10)}
	default:
		return xmlValue{Nil: true}
	}
}

// parseValue reads a persisted value back under the property's tag.
func parseValue(tag ApplicationTag, xv xmlValue) (TaggedValue, error) {
	if xv.Nil {
		return NullValue(), nil
	}
	text := xv.Text
	switch tag {
	case TagNull:
		return NullValue(), nil
	case TagBoolean:
		b, err := strconv.ParseBool(text)
		if err != nil {
			return TaggedValue{}, err
		}
		return BooleanValue(b), nil
	case TagUnsignedInt, TagEnumerated:
		u, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return TaggedValue{}, err
		}
		return TaggedValue{Tag: tag, Value: uint32(u)}, nil
	case TagSignedInt:
		i, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return TaggedValue{}, err
		}
		return SignedValue(int32(i)), nil
	case TagReal:
		f, err := strconv.ParseFloat(text, 32)
		if err != nil {
			return TaggedValue{}, err
		}
		return RealValue(float32(f)), nil
	case TagDouble:
		f, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return TaggedValue{}, err
		}
		return DoubleValue(f), nil
	case TagOctetString:
		raw, err := hex.DecodeString(text)
		if err != nil {
			return TaggedValue{}, err
		}
		return TaggedValue{Tag: TagOctetString, Value: raw}, nil
	case TagCharacterString:
		return StringValue(text), nil
	case TagBitString:
		unusedStr, hexStr, found := strings.Cut(text, ":")
		if !found {
			return TaggedValue{}, fmt.Errorf("malformed bit-string %q", text)
		}
		unused, err := strconv.ParseUint(unusedStr, 10, 8)
		if err != nil {
			return TaggedValue{}, err
		}
		raw, err := hex.DecodeString(hexStr)
		if err != nil {
			return TaggedValue{}, err
		}
		return TaggedValue{Tag: TagBitString, Value: BitString{UnusedBits: uint8(unused), Data: raw}}, nil
	case TagDate:
		var d Date
		if _, err := fmt.Sscanf(text, "%d-%d-%d-%d", &d.Year, &d.Month, &d.Day, &d.Weekday); err != nil {
			return TaggedValue{}, err
		}
		return TaggedValue{Tag: TagDate, Value: d}, nil
	case TagTime:
		var t Time
		if _, err := fmt.Sscanf(text, "%d:%d:%d.%d", &t.Hour, &t.Minute, &t.Second, &t.Hundredths); err != nil {
			return TaggedValue{}, err
		}
		return TaggedValue{Tag: TagTime, Value: t}, nil
	case TagObjectID:
		u, err := strconv.ParseUint(text, 10, 32)
		if err != nil {
			return TaggedValue{}, err
		}
		return ObjectIDValue(DecodeObjectIdentifier(uint32(u))), nil
	default:
		return TaggedValue{}, fmt.Errorf("unsupported persisted tag %s", tag)
	}
}

// Save writes the storage to path as XML.
func (s *DeviceStorage) Save(path string) error {
	s.mu.Lock()
	doc := xmlStorage{DeviceID: s.deviceID}
	for _, o := range s.objects {
		xo := xmlObject{Type: o.Type.String(), Instance: o.Instance}
		for _, p := range o.Properties {
			xp := xmlProperty{ID: p.ID.String(), Tag: p.Tag.String()}
			for _, v := range p.Values {
				xp.Values = append(xp.Values, formatValue(v))
			}
			xo.Properties = append(xo.Properties, xp)
		}
		doc.Objects = append(doc.Objects, xo)
	}
	s.mu.Unlock()

	raw, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal storage: %w", err)
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("write storage: %w", err)
	}
	return nil
}

// Load replaces the storage contents from an XML file. When path does not
// resolve on the filesystem, ResourceFS is searched before failing.
func (s *DeviceStorage) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if ResourceFS == nil {
			return fmt.Errorf("read storage: %w", err)
		}
		raw, err = fs.ReadFile(ResourceFS, path)
		if err != nil {
			return fmt.Errorf("read storage resource: %w", err)
		}
	}
	var doc xmlStorage
	if err := xml.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("unmarshal storage: %w", err)
	}

	objects := make([]*StorageObject, 0, len(doc.Objects))
	for _, xo := range doc.Objects {
		typ, ok := ParseObjectType(xo.Type)
		if !ok {
			return fmt.Errorf("unknown object type %q", xo.Type)
		}
		obj := &StorageObject{Type: typ, Instance: xo.Instance}
		for _, xp := range xo.Properties {
			id, ok := ParsePropertyIdentifier(xp.ID)
			if !ok {
				return fmt.Errorf("unknown property %q", xp.ID)
			}
			tag, ok := ParseApplicationTag(xp.Tag)
			if !ok {
				return fmt.Errorf("unknown tag %q", xp.Tag)
			}
			p := &StorageProperty{ID: id, Tag: tag}
			for _, xv := range xp.Values {
				v, err := parseValue(tag, xv)
				if err != nil {
					return fmt.Errorf("property %s: %w", xp.ID, err)
				}
				p.Values = append(p.Values, v)
			}
			obj.Properties = append(obj.Properties, p)
		}
		objects = append(objects, obj)
	}

	s.mu.Lock()
	s.deviceID = doc.DeviceID
	s.objects = objects
	s.mu.Unlock()
	return nil
}

// NewAnalogObject builds a commandable analog object ready for priority
// writes.
func NewAnalogObject(typ ObjectType, instance uint32, name string, relinquishDefault float32) *StorageObject {
	obj := &StorageObject{Type: typ, Instance: instance}
	obj.SetProperty(PropertyObjectIdentifier, ObjectIDValue(obj.ID()))
	obj.SetProperty(PropertyObjectName, StringValue(name))
	obj.SetProperty(PropertyPresentValue, RealValue(relinquishDefault))
	obj.SetProperty(PropertyRelinquishDefault, RealValue(relinquishDefault))
	obj.SetProperty(PropertyOutOfService, BooleanValue(false))
	array := make([]TaggedValue, 16)
	for i := range array {
		array[i] = NullValue()
	}
	obj.SetPropertyList(PropertyPriorityArray, TagReal, array)
	obj.SetProperty(PropertyStatusFlags, TaggedValue{Tag: TagBitString, Value: StatusFlags{}.BitString()})
	return obj
}
