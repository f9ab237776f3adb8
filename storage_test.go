package bacnet

import (
	"path/filepath"
	"testing"
)

func testStorage(t *testing.T) *DeviceStorage {
	t.Helper()
	s := NewDeviceStorage(666)
	s.AddObject(NewAnalogObject(ObjectTypeAnalogValue, 0, "setpoint", 0))
	return s
}

func TestReadPropertySemantics(t *testing.T) {
	s := testStorage(t)
	av0 := ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0}

	res, values := s.ReadProperty(av0, PropertyPresentValue, ArrayIndexAll)
	if res != StorageGood || len(values) != 1 {
		t.Fatalf("whole read: %v %v", res, values)
	}

	// index 0 reads the element count
	res, values = s.ReadProperty(av0, PropertyPriorityArray, 0)
	if res != StorageGood || !values[0].Equal(UnsignedValue(16)) {
		t.Fatalf("count read: %v %v", res, values)
	}

	// 1-based element access
	res, values = s.ReadProperty(av0, PropertyPriorityArray, 1)
	if res != StorageGood || !values[0].IsNull() {
		t.Fatalf("element read: %v %v", res, values)
	}
	res, _ = s.ReadProperty(av0, PropertyPriorityArray, 17)
	if res != StorageNotExist {
		t.Fatalf("out of range: %v", res)
	}

	res, _ = s.ReadProperty(ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 9}, PropertyPresentValue, ArrayIndexAll)
	if res != StorageUnknownObject {
		t.Fatalf("unknown object: %v", res)
	}
	res, _ = s.ReadProperty(av0, PropertyDeadband, ArrayIndexAll)
	if res != StorageNotExist {
		t.Fatalf("missing property: %v", res)
	}
}

func TestWildcardDeviceInstance(t *testing.T) {
	s := testStorage(t)
	wildcard := ObjectIdentifier{Type: ObjectTypeDevice, Instance: WildcardInstance}
	res, values := s.ReadProperty(wildcard, PropertyObjectIdentifier, ArrayIndexAll)
	if res != StorageGood {
		t.Fatalf("wildcard read: %v", res)
	}
	oid := values[0].Value.(ObjectIdentifier)
	if oid.Instance != 666 {
		t.Errorf("wildcard leaked: %v", oid)
	}
}

func TestWritePropertyLastWriteWins(t *testing.T) {
	s := testStorage(t)
	obj := ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 5}

	if res := s.WriteProperty(obj, PropertyPresentValue, ArrayIndexAll, []TaggedValue{RealValue(1)}, false); res != StorageNotExist {
		t.Fatalf("write without add: %v", res)
	}
	for _, v := range []float32{1, 2, 3} {
		if res := s.WriteProperty(obj, PropertyPresentValue, ArrayIndexAll, []TaggedValue{RealValue(v)}, true); res != StorageGood {
			t.Fatalf("write %v: %v", v, res)
		}
	}
	res, values := s.ReadProperty(obj, PropertyPresentValue, ArrayIndexAll)
	if res != StorageGood || !values[0].Equal(RealValue(3)) {
		t.Fatalf("last write must win: %v %v", res, values)
	}
}

func TestWriteAdoptsTag(t *testing.T) {
	s := testStorage(t)
	obj := ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 7}
	s.WriteProperty(obj, PropertyPresentValue, ArrayIndexAll, []TaggedValue{NullValue()}, true)
	s.WriteProperty(obj, PropertyPresentValue, ArrayIndexAll, []TaggedValue{RealValue(2)}, true)

	s.mu.Lock()
	prop := s.findObject(obj).FindProperty(PropertyPresentValue)
	s.mu.Unlock()
	if prop.Tag != TagReal {
		t.Errorf("tag not adopted: %v", prop.Tag)
	}
}

func TestChangeOfValueHook(t *testing.T) {
	s := testStorage(t)
	var fired int
	s.OnChange = func(object ObjectIdentifier, property PropertyIdentifier, arrayIndex uint32, values []TaggedValue) {
		fired++
	}
	obj := ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0}
	s.WriteProperty(obj, PropertyPresentValue, ArrayIndexAll, []TaggedValue{RealValue(9)}, false)
	if fired != 1 {
		t.Errorf("change hook fired %d times", fired)
	}
}

func TestPriorityArraySequence(t *testing.T) {
	s := NewDeviceStorage(1)
	s.AddObject(NewAnalogObject(ObjectTypeAnalogValue, 0, "pv", 0))
	obj := ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0}

	present := func() TaggedValue {
		res, values := s.ReadProperty(obj, PropertyPresentValue, ArrayIndexAll)
		if res != StorageGood || len(values) != 1 {
			t.Fatalf("present value read: %v %v", res, values)
		}
		return values[0]
	}

	// write p8=1, p4=2, then release p4: 1, 2, 1
	if res := s.WriteCommandableProperty(obj, PropertyPresentValue, RealValue(1), 8); res != StorageGood {
		t.Fatalf("p8 write: %v", res)
	}
	if !present().Equal(RealValue(1)) {
		t.Fatalf("after p8: %v", present())
	}
	if res := s.WriteCommandableProperty(obj, PropertyPresentValue, RealValue(2), 4); res != StorageGood {
		t.Fatalf("p4 write: %v", res)
	}
	if !present().Equal(RealValue(2)) {
		t.Fatalf("after p4: %v", present())
	}
	if res := s.WriteCommandableProperty(obj, PropertyPresentValue, NullValue(), 4); res != StorageGood {
		t.Fatalf("p4 release: %v", res)
	}
	if !present().Equal(RealValue(1)) {
		t.Fatalf("after p4 release: %v", present())
	}

	// release the last slot: relinquish-default (0) takes over
	if res := s.WriteCommandableProperty(obj, PropertyPresentValue, NullValue(), 8); res != StorageGood {
		t.Fatalf("p8 release: %v", res)
	}
	if !present().Equal(RealValue(0)) {
		t.Fatalf("relinquish default: %v", present())
	}
}

func TestPriorityArrayEdgeCases(t *testing.T) {
	s := NewDeviceStorage(1)
	s.AddObject(NewAnalogObject(ObjectTypeAnalogValue, 0, "pv", 5))
	obj := ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0}

	// priority 6 is reserved
	if res := s.WriteCommandableProperty(obj, PropertyPresentValue, RealValue(1), 6); res != StorageWriteAccessDenied {
		t.Errorf("priority 6: %v", res)
	}

	// a relinquish-default write leaves the priority array untouched
	if res := s.WriteCommandableProperty(obj, PropertyRelinquishDefault, RealValue(7), 16); res != StorageGood {
		t.Fatalf("relinquish-default write: %v", res)
	}
	res, values := s.ReadProperty(obj, PropertyPriorityArray, ArrayIndexAll)
	if res != StorageGood {
		t.Fatalf("array read: %v", res)
	}
	for i, v := range values {
		if !v.IsNull() {
			t.Errorf("slot %d written by relinquish-default", i+1)
		}
	}
	res, values = s.ReadProperty(obj, PropertyPresentValue, ArrayIndexAll)
	if res != StorageGood || !values[0].Equal(RealValue(7)) {
		t.Errorf("present value after relinquish-default: %v", values)
	}

	// out-of-service bypasses the array entirely
	s.WriteProperty(obj, PropertyOutOfService, ArrayIndexAll, []TaggedValue{BooleanValue(true)}, false)
	if res := s.WriteCommandableProperty(obj, PropertyPresentValue, RealValue(99), 8); res != StorageGood {
		t.Fatalf("out-of-service write: %v", res)
	}
	res, values = s.ReadProperty(obj, PropertyPriorityArray, 8)
	if res != StorageGood || !values[0].IsNull() {
		t.Errorf("slot 8 touched while out of service: %v", values)
	}
	res, values = s.ReadProperty(obj, PropertyPresentValue, ArrayIndexAll)
	if res != StorageGood || !values[0].Equal(RealValue(99)) {
		t.Errorf("direct write lost: %v", values)
	}

	// objects without the commandable property set are not for this path
	plain := ObjectIdentifier{Type: ObjectTypeAnalogInput, Instance: 0}
	s.WriteProperty(plain, PropertyPresentValue, ArrayIndexAll, []TaggedValue{RealValue(1)}, true)
	if res := s.WriteCommandableProperty(plain, PropertyPresentValue, RealValue(2), 8); res != StorageNotForMe {
		t.Errorf("plain object: %v", res)
	}
}

func TestReadPropertyMultipleErrors(t *testing.T) {
	s := testStorage(t)
	av0 := ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0}
	values := s.ReadPropertyMultiple(av0, []PropertyReference{
		NewPropertyReference(PropertyPresentValue),
		NewPropertyReference(PropertyDeadband),
	})
	if len(values) != 2 {
		t.Fatalf("values: %+v", values)
	}
	if values[0].Values[0].Tag == TagError {
		t.Error("present-value must not error")
	}
	be, ok := values[1].Values[0].Value.(*BACnetError)
	if values[1].Values[0].Tag != TagError || !ok || be.Code != ErrorCodeUnknownProperty {
		t.Errorf("deadband should error unknown-property: %+v", values[1])
	}

	missing := s.ReadPropertyMultiple(ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 9},
		[]PropertyReference{NewPropertyReference(PropertyPresentValue)})
	be, ok = missing[0].Values[0].Value.(*BACnetError)
	if !ok || be.Class != ErrorClassObject || be.Code != ErrorCodeUnknownObject {
		t.Errorf("unknown object mapping: %+v", missing[0])
	}
}

func TestReadPropertyAll(t *testing.T) {
	s := testStorage(t)
	res, values := s.ReadPropertyAll(ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0})
	if res != StorageGood || len(values) == 0 {
		t.Fatalf("read all: %v %d", res, len(values))
	}
	found := false
	for _, pv := range values {
		if pv.Ref.ID == PropertyPresentValue {
			found = true
		}
	}
	if !found {
		t.Error("present-value missing from PROP_ALL")
	}
}

func TestObjectListSynthesized(t *testing.T) {
	s := testStorage(t)
	res, values := s.ReadProperty(ObjectIdentifier{Type: ObjectTypeDevice, Instance: 666}, PropertyObjectList, ArrayIndexAll)
	if res != StorageGood || len(values) != 2 {
		t.Fatalf("object list: %v %v", res, values)
	}
	res, values = s.ReadProperty(ObjectIdentifier{Type: ObjectTypeDevice, Instance: 666}, PropertyObjectList, 0)
	if res != StorageGood || !values[0].Equal(UnsignedValue(2)) {
		t.Fatalf("object list count: %v %v", res, values)
	}
}

func TestXMLRoundTrip(t *testing.T) {
	s := NewDeviceStorage(666)
	av := NewAnalogObject(ObjectTypeAnalogValue, 0, "setpoint", 21.5)
	s.AddObject(av)
	s.WriteCommandableProperty(av.ID(), PropertyPresentValue, RealValue(30), 8)

	extra := &StorageObject{Type: ObjectTypeBinaryValue, Instance: 4}
	extra.SetProperty(PropertyObjectName, StringValue("fan enable"))
	extra.SetProperty(PropertyPresentValue, BooleanValue(true))
	extra.SetProperty(PropertyDescription, StringValue("ahu-1 supply fan"))
	s.AddObject(extra)

	path := filepath.Join(t.TempDir(), "device.xml")
	if err := s.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded := NewDeviceStorage(1)
	if err := loaded.Load(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.DeviceID() != 666 {
		t.Errorf("device id: %d", loaded.DeviceID())
	}

	// every readable property reads back identically, tag and value
	for _, oid := range s.ObjectIDs() {
		res, before := s.ReadPropertyAll(oid)
		if res != StorageGood {
			t.Fatalf("read all before: %v", res)
		}
		for _, pv := range before {
			wantRes, want := s.ReadProperty(oid, pv.Ref.ID, ArrayIndexAll)
			gotRes, got := loaded.ReadProperty(oid, pv.Ref.ID, ArrayIndexAll)
			if wantRes != gotRes || len(want) != len(got) {
				t.Fatalf("%v/%v: result %v vs %v", oid, pv.Ref.ID, wantRes, gotRes)
			}
			for i := range want {
				if !want[i].Equal(got[i]) {
					t.Errorf("%v/%v[%d]: %#v != %#v", oid, pv.Ref.ID, i, got[i], want[i])
				}
			}
		}
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	s := NewDeviceStorage(1)
	if err := s.Load(filepath.Join(t.TempDir(), "absent.xml")); err == nil {
		t.Fatal("expected load failure for missing file")
	}
}
