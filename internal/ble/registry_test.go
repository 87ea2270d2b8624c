package ble

import "testing"

func TestRegistryAddDeduplicates(t *testing.T) {
	r := NewRegistry()
	if !r.Add(Peripheral{ID: "a", Name: "Bonsai", RSSI: -70}) {
		t.Fatal("first Add(a) should report new")
	}
	r.Add(Peripheral{ID: "b", RSSI: -80})
	if r.Add(Peripheral{ID: "a", RSSI: -40}) {
		t.Error("second Add(a) should not report new")
	}
	r.Add(Peripheral{ID: "b", Name: "Kettle"})

	got := r.Snapshot()
	want := []Peripheral{
		{ID: "a", Name: "Bonsai", RSSI: -40},
		{ID: "b", Name: "Kettle", RSSI: -80},
	}
	if len(got) != len(want) {
		t.Fatalf("Snapshot() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Snapshot()[%d] = %+v, want %+v", i, got[i], want[i])
		}
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestRegistryIgnoresEmptyID(t *testing.T) {
	r := NewRegistry()
	if r.Add(Peripheral{Name: "ghost"}) {
		t.Error("Add with empty ID should be ignored")
	}
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry()
	r.Add(Peripheral{ID: "a"})
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", r.Len())
	}
	if _, ok := r.Lookup("a"); ok {
		t.Error("Lookup(a) after Reset should fail")
	}
	if s := r.Snapshot(); s == nil || len(s) != 0 {
		t.Errorf("Snapshot() after Reset = %#v, want empty non-nil", s)
	}
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Add(Peripheral{ID: "a", Name: "one"})
	s := r.Snapshot()
	s[0].Name = "changed"
	if p, _ := r.Lookup("a"); p.Name != "one" {
		t.Errorf("registry mutated through snapshot: %+v", p)
	}
}

func TestClassify(t *testing.T) {
	names := []string{"BonsaiPeripheral", "MoistureSensor"}
	tests := []struct {
		name string
		p    Peripheral
		want bool
	}{
		{"exact", Peripheral{Name: "BonsaiPeripheral"}, true},
		{"case-insensitive", Peripheral{Name: "bonsaiperipheral"}, true},
		{"substring", Peripheral{Name: "MoistureSensor-2"}, true},
		{"other device", Peripheral{Name: "Kettle"}, false},
		{"no name", Peripheral{ID: "BonsaiPeripheral"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.p, names); got != tt.want {
				t.Errorf("Classify(%+v) = %v, want %v", tt.p, got, tt.want)
			}
		})
	}
}

func TestClassifyEmptyNames(t *testing.T) {
	p := Peripheral{Name: "BonsaiPeripheral"}
	if Classify(p, nil) {
		t.Error("nil names should never match")
	}
	if Classify(p, []string{""}) {
		t.Error("empty name should never match")
	}
}

func TestClassifyAllAligned(t *testing.T) {
	ps := []Peripheral{{Name: "x"}, {Name: "bonsai"}, {}}
	got := ClassifyAll(ps, []string{"Bonsai"})
	want := []bool{false, true, false}
	if len(got) != len(want) {
		t.Fatalf("ClassifyAll() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ClassifyAll()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestScanResultFirstTarget(t *testing.T) {
	res := ScanResult{
		Devices: []Peripheral{{ID: "a"}, {ID: "b"}, {ID: "c"}},
		Targets: []bool{false, true, true},
	}
	p, ok := res.FirstTarget()
	if !ok || p.ID != "b" {
		t.Errorf("FirstTarget() = %+v, %v, want b", p, ok)
	}
	if _, ok := (ScanResult{}).FirstTarget(); ok {
		t.Error("FirstTarget() on empty result should report false")
	}
}

func TestPeripheralDisplayName(t *testing.T) {
	if got := (Peripheral{ID: "id"}).DisplayName(); got != "id" {
		t.Errorf("DisplayName() = %q, want id", got)
	}
	if got := (Peripheral{ID: "id", Name: "Bonsai"}).DisplayName(); got != "Bonsai" {
		t.Errorf("DisplayName() = %q, want Bonsai", got)
	}
}
