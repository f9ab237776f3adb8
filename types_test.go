package bacnet

import (
	"net"
	"testing"
)

func TestObjectIdentifierPacking(t *testing.T) {
	oid := ObjectIdentifier{Type: ObjectTypeDevice, Instance: 666}
	packed := oid.Encode()
	if packed != 0x0200029A {
		t.Fatalf("packed %08X", packed)
	}
	if got := DecodeObjectIdentifier(packed); got != oid {
		t.Errorf("round trip: %v", got)
	}
}

func TestParsePoint(t *testing.T) {
	cases := []struct {
		in   string
		want ObjectIdentifier
		ok   bool
	}{
		{"3_0", ObjectIdentifier{Type: ObjectTypeAnalogInput, Instance: 3}, true},
		{"0_2", ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0}, true},
		{"12_19", ObjectIdentifier{Type: ObjectTypeMultiStateValue, Instance: 12}, true},
		// missing type suffix defaults to analog-input
		{"7", ObjectIdentifier{Type: ObjectTypeAnalogInput, Instance: 7}, true},
		{"7_", ObjectIdentifier{Type: ObjectTypeAnalogInput, Instance: 7}, true},
		{"", ObjectIdentifier{}, false},
		{"x_2", ObjectIdentifier{}, false},
		{"3_y", ObjectIdentifier{}, false},
		{"4194303_0", ObjectIdentifier{}, false}, // beyond max instance
	}
	for _, tc := range cases {
		got, err := ParsePoint(tc.in)
		if tc.ok != (err == nil) {
			t.Errorf("%q: err=%v", tc.in, err)
			continue
		}
		if tc.ok && got != tc.want {
			t.Errorf("%q: got %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestFormatPoint(t *testing.T) {
	if got := FormatPoint(ObjectIdentifier{Type: ObjectTypeAnalogValue, Instance: 0}); got != "0_2" {
		t.Errorf("got %q", got)
	}
	// format and parse are inverses
	oid := ObjectIdentifier{Type: ObjectTypeBinaryOutput, Instance: 17}
	back, err := ParsePoint(FormatPoint(oid))
	if err != nil || back != oid {
		t.Errorf("round trip: %v %v", back, err)
	}
}

func TestAddressConversion(t *testing.T) {
	ua := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 2), Port: 47808}
	addr := AddressFromUDP(ua)
	if len(addr.MAC) != 6 {
		t.Fatalf("MAC length %d", len(addr.MAC))
	}
	back, err := addr.UDPAddr()
	if err != nil {
		t.Fatalf("back: %v", err)
	}
	if !back.IP.Equal(ua.IP) || back.Port != ua.Port {
		t.Errorf("round trip: %v", back)
	}
}

func TestAddressEquality(t *testing.T) {
	a := Address{Net: 1, MAC: []byte{1, 2, 3, 4, 0xBA, 0xC0}}
	b := Address{Net: 1, MAC: []byte{1, 2, 3, 4, 0xBA, 0xC0}}
	if !a.Equal(b) {
		t.Error("structural equality broken")
	}
	b.Net = 2
	if a.Equal(b) {
		t.Error("net number ignored")
	}
	routed := a
	routed.RoutedSource = &Address{MAC: []byte{9, 9, 9, 9, 0, 1}}
	if a.Equal(routed) || routed.Equal(a) {
		t.Error("routed source ignored")
	}
}

func TestParseObjectTypeAliases(t *testing.T) {
	if typ, ok := ParseObjectType("av"); !ok || typ != ObjectTypeAnalogValue {
		t.Error("alias av")
	}
	if typ, ok := ParseObjectType("analog-value"); !ok || typ != ObjectTypeAnalogValue {
		t.Error("canonical analog-value")
	}
	if _, ok := ParseObjectType("no-such-type"); ok {
		t.Error("unknown type accepted")
	}
}

func TestParsePropertyIdentifierAliases(t *testing.T) {
	if p, ok := ParsePropertyIdentifier("pv"); !ok || p != PropertyPresentValue {
		t.Error("alias pv")
	}
	if p, ok := ParsePropertyIdentifier("present-value"); !ok || p != PropertyPresentValue {
		t.Error("canonical present-value")
	}
}
