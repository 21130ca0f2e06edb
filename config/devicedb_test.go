package config

import (
	"os"
	"path/filepath"
	"testing"

	"tuyalink/model"
)

const sampleDB = `{
  "tuya": {
    "devices": [
      {"name": "porch", "id": "abc123", "model": "keyXYZ", "key": "0123456789abcdef", "host": "192.168.1.40"},
      {"name": "garage", "id": "def456", "key": "fedcba9876543210"}
    ],
    "models": [
      {"id": "keyXYZ", "name": "bulb", "control": 20}
    ]
  }
}`

func TestParseDeviceDB(t *testing.T) {
	t.Run("valid database", func(t *testing.T) {
		db, err := ParseDeviceDB([]byte(sampleDB))
		if err != nil {
			t.Fatalf("ParseDeviceDB failed: %v", err)
		}
		if len(db.Tuya.Devices) != 2 {
			t.Fatalf("expected 2 devices, got %d", len(db.Tuya.Devices))
		}
		if db.Tuya.Devices[0].Name != "porch" || db.Tuya.Devices[0].ID != "abc123" {
			t.Errorf("first device mangled: %+v", db.Tuya.Devices[0])
		}
		if len(db.Tuya.Models) != 1 || db.Tuya.Models[0].Control != 20 {
			t.Errorf("models mangled: %+v", db.Tuya.Models)
		}
	})

	t.Run("malformed JSON", func(t *testing.T) {
		if _, err := ParseDeviceDB([]byte("{not json")); err == nil {
			t.Error("expected error for malformed JSON")
		}
	})

	t.Run("unknown fields tolerated", func(t *testing.T) {
		blob := `{"tuya": {"devices": [{"name": "a", "id": "b", "key": "c", "vendor_extra": 1}], "models": []}, "other": {}}`
		db, err := ParseDeviceDB([]byte(blob))
		if err != nil {
			t.Fatalf("ParseDeviceDB failed: %v", err)
		}
		if len(db.Tuya.Devices) != 1 {
			t.Errorf("expected 1 device, got %d", len(db.Tuya.Devices))
		}
	})
}

func TestLoadDevices(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("missing file is an empty database", func(t *testing.T) {
		db, err := LoadDevices(filepath.Join(tmpDir, "nonexistent.json"))
		if err != nil {
			t.Fatalf("LoadDevices failed: %v", err)
		}
		if len(db.Tuya.Devices) != 0 || len(db.Tuya.Models) != 0 {
			t.Error("expected empty database for missing file")
		}
	})

	t.Run("save and load roundtrip", func(t *testing.T) {
		path := filepath.Join(tmpDir, "sub", "devices.json")
		db := &DeviceDB{
			Tuya: TuyaSection{
				Devices: []TuyaDevice{
					{Name: "porch", ID: "abc123", Model: "keyXYZ", Key: "0123456789abcdef"},
				},
				Models: []model.Model{
					{ID: "keyXYZ", Name: "bulb", Control: 20},
				},
			},
		}

		if err := SaveDevices(path, db); err != nil {
			t.Fatalf("SaveDevices failed: %v", err)
		}

		loaded, err := LoadDevices(path)
		if err != nil {
			t.Fatalf("LoadDevices failed: %v", err)
		}
		if len(loaded.Tuya.Devices) != 1 || loaded.Tuya.Devices[0].Key != "0123456789abcdef" {
			t.Errorf("devices not preserved: %+v", loaded.Tuya.Devices)
		}
		if len(loaded.Tuya.Models) != 1 || loaded.Tuya.Models[0].Name != "bulb" {
			t.Errorf("models not preserved: %+v", loaded.Tuya.Models)
		}
	})

	t.Run("file ends with newline", func(t *testing.T) {
		path := filepath.Join(tmpDir, "newline.json")
		if err := SaveDevices(path, &DeviceDB{}); err != nil {
			t.Fatalf("SaveDevices failed: %v", err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if len(data) == 0 || data[len(data)-1] != '\n' {
			t.Error("expected trailing newline")
		}
	})
}
