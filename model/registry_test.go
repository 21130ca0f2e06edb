package model

import (
	"testing"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Refresh([]Model{
		{ID: "keyXYZ", Name: "RGB Bulb", Control: 20},
		{ID: "pkPlug", Name: "Smart Plug", Control: 1},
	})

	tests := []struct {
		productKey  string
		wantControl int
		wantName    string
	}{
		{"keyXYZ", 20, "RGB Bulb"},
		{"KEYxyz", 20, "RGB Bulb"},
		{"pkPlug", 1, "Smart Plug"},
		{"unknown", 0, ""},
		{"", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.productKey, func(t *testing.T) {
			if got := r.Control(tt.productKey); got != tt.wantControl {
				t.Errorf("Control(%q) = %d, want %d", tt.productKey, got, tt.wantControl)
			}
			if got := r.Name(tt.productKey); got != tt.wantName {
				t.Errorf("Name(%q) = %q, want %q", tt.productKey, got, tt.wantName)
			}
		})
	}
}

func TestRegistryRefreshMerges(t *testing.T) {
	r := NewRegistry()
	r.Refresh([]Model{{ID: "keyXYZ", Name: "RGB Bulb", Control: 20}})
	if !r.Changed() {
		t.Fatalf("Changed() = false after first insert, want true")
	}

	// A second load updates in place and never drops entries.
	r.Refresh([]Model{{ID: "KEYXYZ", Name: "RGB Bulb v2", Control: 21}})
	if got := r.Control("keyXYZ"); got != 21 {
		t.Errorf("Control after update = %d, want 21", got)
	}
	if got := r.Name("keyXYZ"); got != "RGB Bulb v2" {
		t.Errorf("Name after update = %q, want RGB Bulb v2", got)
	}
	if n := len(r.Snapshot()); n != 1 {
		t.Errorf("Snapshot length = %d, want 1 (case-insensitive merge)", n)
	}

	r.Refresh([]Model{{ID: "pkPlug", Name: "Smart Plug", Control: 1}})
	if n := len(r.Snapshot()); n != 2 {
		t.Errorf("Snapshot length = %d, want 2 (refresh never removes)", n)
	}
}

func TestRegistryRefreshSkipsIncomplete(t *testing.T) {
	r := NewRegistry()
	r.Refresh([]Model{
		{ID: "", Name: "No ID", Control: 1},
		{ID: "noname", Name: "", Control: 1},
		{ID: "nocontrol", Name: "No Control", Control: 0},
	})
	if n := len(r.Snapshot()); n != 0 {
		t.Errorf("Snapshot length = %d, want 0 (incomplete entries skipped)", n)
	}
	if r.Changed() {
		t.Errorf("Changed() = true, want false when nothing was accepted")
	}
}

func TestRegistryChangedResets(t *testing.T) {
	r := NewRegistry()
	r.Refresh([]Model{{ID: "keyXYZ", Name: "RGB Bulb", Control: 20}})
	if !r.Changed() {
		t.Fatalf("Changed() = false, want true after mutation")
	}
	if r.Changed() {
		t.Errorf("Changed() = true twice, want reset after first read")
	}

	// An identical refresh is not a change.
	r.Refresh([]Model{{ID: "keyXYZ", Name: "RGB Bulb", Control: 20}})
	if r.Changed() {
		t.Errorf("Changed() = true after no-op refresh, want false")
	}
}
