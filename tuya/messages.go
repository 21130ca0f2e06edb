package tuya

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// controlMessage is the CONTROL request body. The timestamp is serialized
// as a string; several firmware generations reject a bare number.
type controlMessage struct {
	DevID string          `json:"devId"`
	UID   string          `json:"uid"`
	T     string          `json:"t"`
	Dps   map[string]bool `json:"dps"`
}

type queryMessage struct {
	DevID string `json:"devId"`
	UID   string `json:"uid"`
	T     string `json:"t"`
}

// ControlPayload builds the JSON body for a CONTROL command setting one
// boolean data point.
func ControlPayload(deviceID string, dp int, on bool, now time.Time) ([]byte, error) {
	if dp <= 0 {
		return nil, fmt.Errorf("invalid data point %d", dp)
	}
	return json.Marshal(controlMessage{
		DevID: deviceID,
		UID:   deviceID,
		T:     strconv.FormatInt(now.Unix(), 10),
		Dps:   map[string]bool{strconv.Itoa(dp): on},
	})
}

// QueryPayload builds the JSON body for a QUERY command.
func QueryPayload(deviceID string, now time.Time) ([]byte, error) {
	return json.Marshal(queryMessage{
		DevID: deviceID,
		UID:   deviceID,
		T:     strconv.FormatInt(now.Unix(), 10),
	})
}

// ParseDps extracts one boolean data point from a STATUS or QUERY response
// body. ok is false when the point is absent or not a boolean; non-boolean
// points (dimmer levels, color temperatures) ride along in the same dps
// object and must not be mistaken for switch state.
func ParseDps(payload []byte, dp int) (value, ok bool) {
	var msg struct {
		Dps map[string]json.RawMessage `json:"dps"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return false, false
	}
	raw, found := msg.Dps[strconv.Itoa(dp)]
	if !found {
		return false, false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err != nil {
		return false, false
	}
	return b, true
}

// Beacon is one parsed discovery broadcast. IP is the datagram source
// address; the ip field some beacons carry is advisory and ignored in
// favor of where the packet actually came from.
type Beacon struct {
	GwID       string
	ProductKey string
	Version    string
	Encrypted  bool
	IP         string
}

// ParseBeacon decodes a discovery beacon body. gwId and productKey are
// required, all other fields are optional and unknown ones are ignored.
func ParseBeacon(payload []byte) (*Beacon, error) {
	var msg struct {
		GwID       string `json:"gwId"`
		ProductKey string `json:"productKey"`
		Version    string `json:"version"`
		Encrypt    bool   `json:"encrypt"`
	}
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, fmt.Errorf("beacon parse: %w", err)
	}
	if msg.GwID == "" {
		return nil, fmt.Errorf("beacon missing gwId")
	}
	if msg.ProductKey == "" {
		return nil, fmt.Errorf("beacon missing productKey")
	}
	return &Beacon{
		GwID:       msg.GwID,
		ProductKey: msg.ProductKey,
		Version:    msg.Version,
		Encrypted:  msg.Encrypt,
	}, nil
}
