// Package tuya implements the Tuya LAN protocol spoken by Wi-Fi smart
// bulbs, plugs and switches: UDP discovery beacons on ports 6666/6667 and
// framed TCP command/query exchanges on port 6668. Payloads are JSON,
// optionally AES-128-ECB encrypted, wrapped in a fixed big-endian envelope.
// Protocol versions 3.1 (plaintext discovery) and 3.3 (the common case) are
// supported; 3.4 and newer HMAC variants are not.
package tuya

import "errors"

// Command codes used in the frame header.
const (
	CmdControl uint32 = 7  // set data points; reply echoes code 7 and is not trustworthy
	CmdStatus  uint32 = 8  // unsolicited state report from the device
	CmdQuery   uint32 = 10 // request current data points
	CmdUpdate  uint32 = 18 // firmware/status refresh; sent without version header
)

// Frame envelope constants. All integers on the wire are big-endian.
const (
	FramePrefix uint32 = 0x000055AA
	FrameSuffix uint32 = 0x0000AA55

	// headerLen covers prefix, sequence, command and length fields.
	headerLen = 16
	// trailerLen covers the CRC-32 and the suffix.
	trailerLen = 8
	// extHeaderLen is the zero-padded ASCII version string inserted after
	// the length field on command packets (QUERY and UPDATE excepted).
	extHeaderLen = 15

	// MaxFrameLen bounds a complete frame. Devices run small fixed
	// buffers; anything larger is junk.
	MaxFrameLen = 1024
)

// Well-known ports.
const (
	PortDiscovery31 = 6666 // v3.1 plaintext broadcast beacons
	PortDiscovery33 = 6667 // v3.3+ AES-encrypted broadcast beacons
	PortControl     = 6668 // TCP command/query
)

// VersionDefault is assumed when a device or config omits the protocol
// version.
const VersionDefault = "3.3"

// Envelope validation errors.
var (
	ErrTruncated      = errors.New("frame truncated")
	ErrBadPrefix      = errors.New("bad frame prefix")
	ErrBadSuffix      = errors.New("bad frame suffix")
	ErrLengthMismatch = errors.New("frame length field mismatch")
	ErrFrameTooLarge  = errors.New("frame exceeds maximum length")
	ErrUndecodable    = errors.New("frame body not decodable")
)

// Secret identifies one device on the wire: its gateway id, its AES-128
// local key and the protocol version it speaks.
type Secret struct {
	ID      string
	Key     []byte
	Version string
}

// NewSecret builds a Secret from the user-provided key string. Keys longer
// than 16 bytes are truncated; shorter keys are zero padded (the device side
// does the same). An empty version selects VersionDefault.
func NewSecret(id, key, version string) *Secret {
	if version == "" {
		version = VersionDefault
	}
	k := make([]byte, keySize)
	copy(k, key)
	if key == "" {
		k = nil
	}
	return &Secret{ID: id, Key: k, Version: version}
}

// version returns the secret's protocol version, defaulting when the secret
// itself is nil (plaintext discovery path).
func (s *Secret) version() string {
	if s == nil || s.Version == "" {
		return VersionDefault
	}
	return s.Version
}

// hasKey reports whether payloads for this secret are encrypted.
func (s *Secret) hasKey() bool {
	return s != nil && len(s.Key) > 0
}
