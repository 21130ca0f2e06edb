package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"tuyalink/model"
)

// TuyaDevice is one entry of the JSON device database. Name, ID and Key are
// required; Model enables sensing and control once the registry knows it;
// Host is informational (beacons keep it current at runtime).
type TuyaDevice struct {
	Name        string `json:"name"`
	ID          string `json:"id"`
	Model       string `json:"model,omitempty"`
	Key         string `json:"key"`
	Host        string `json:"host,omitempty"`
	Description string `json:"description,omitempty"`
}

// DeviceDB mirrors the on-disk device database shape. Unknown fields in the
// file are tolerated and dropped on the next save.
type DeviceDB struct {
	Tuya TuyaSection `json:"tuya"`
}

// TuyaSection groups the device and model lists under the "tuya" key.
type TuyaSection struct {
	Devices []TuyaDevice  `json:"devices"`
	Models  []model.Model `json:"models"`
}

// ParseDeviceDB decodes a device database blob. Content validation is
// lenient (incomplete entries are skipped at merge time); only malformed
// JSON is an error.
func ParseDeviceDB(data []byte) (*DeviceDB, error) {
	db := &DeviceDB{}
	if err := json.Unmarshal(data, db); err != nil {
		return nil, fmt.Errorf("device database: %w", err)
	}
	return db, nil
}

// LoadDevices reads the device database. A missing file is an empty
// database: discovery fills the table at runtime.
func LoadDevices(path string) (*DeviceDB, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &DeviceDB{}, nil
		}
		return nil, err
	}
	return ParseDeviceDB(data)
}

// SaveDevices writes the device database, creating the directory if needed.
func SaveDevices(path string, db *DeviceDB) error {
	data, err := json.MarshalIndent(db, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0644)
}
