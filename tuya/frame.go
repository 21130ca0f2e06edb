package tuya

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"

	"tuyalink/logging"
)

// Frame is a decoded envelope. Payload is cleartext JSON (or verbatim bytes
// when no secret was supplied). Response frames usually carry a 4-byte
// return code between the header and the body; HasRetcode reports whether
// one was found.
type Frame struct {
	Code       uint32
	Seq        uint32
	Retcode    uint32
	HasRetcode bool
	Payload    []byte
}

// Encode frames a payload for transmission:
//
//	prefix(4) seq(4) cmd(4) length(4) [version(15)] body crc32(4) suffix(4)
//
// The body is AES-128-ECB encrypted when the secret carries a key. Commands
// other than QUERY and UPDATE get the 15-byte zero-padded ASCII version
// header. length counts everything after the length field through the
// suffix. The CRC-32 (IEEE) covers prefix through the last body byte.
func Encode(secret *Secret, code, seq uint32, payload []byte) ([]byte, error) {
	body := payload
	if secret.hasKey() {
		var err error
		body, err = encryptECB(secret.Key, payload)
		if err != nil {
			return nil, err
		}
	}

	var ext []byte
	if code != CmdQuery && code != CmdUpdate {
		ext = make([]byte, extHeaderLen)
		copy(ext, secret.version())
	}

	total := headerLen + len(ext) + len(body) + trailerLen
	if total > MaxFrameLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, total)
	}

	frame := make([]byte, total)
	binary.BigEndian.PutUint32(frame[0:4], FramePrefix)
	binary.BigEndian.PutUint32(frame[4:8], seq)
	binary.BigEndian.PutUint32(frame[8:12], code)
	binary.BigEndian.PutUint32(frame[12:16], uint32(total-headerLen))
	copy(frame[headerLen:], ext)
	copy(frame[headerLen+len(ext):], body)

	crcEnd := total - trailerLen
	binary.BigEndian.PutUint32(frame[crcEnd:crcEnd+4], crc32.ChecksumIEEE(frame[:crcEnd]))
	binary.BigEndian.PutUint32(frame[total-4:], FrameSuffix)
	return frame, nil
}

// Decode validates the envelope and returns the frame with its cleartext
// payload. A nil secret returns the body verbatim (plaintext discovery).
// The CRC is computed on send but deliberately not enforced on receive;
// with the tuya debug filter active a mismatch is logged for diagnosis.
func Decode(raw []byte, secret *Secret) (*Frame, error) {
	if len(raw) < headerLen+trailerLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTruncated, len(raw))
	}
	if binary.BigEndian.Uint32(raw[0:4]) != FramePrefix {
		return nil, ErrBadPrefix
	}
	length := binary.BigEndian.Uint32(raw[12:16])
	if int(length) != len(raw)-headerLen {
		return nil, fmt.Errorf("%w: field %d, actual %d", ErrLengthMismatch, length, len(raw)-headerLen)
	}
	if binary.BigEndian.Uint32(raw[len(raw)-4:]) != FrameSuffix {
		return nil, ErrBadSuffix
	}

	if logging.DebugEnabled("tuya") {
		want := binary.BigEndian.Uint32(raw[len(raw)-trailerLen : len(raw)-4])
		if got := crc32.ChecksumIEEE(raw[:len(raw)-trailerLen]); got != want {
			logging.DebugLog("tuya", "CRC mismatch on receive: frame=%08X computed=%08X (not enforced)", want, got)
		}
	}

	f := &Frame{
		Seq:  binary.BigEndian.Uint32(raw[4:8]),
		Code: binary.BigEndian.Uint32(raw[8:12]),
	}
	body := raw[headerLen : len(raw)-trailerLen]

	// Return-code heuristic: devices insert a 4-byte status code at the
	// start of response bodies. Nonzero high bytes mean those four bytes
	// are real payload. When the test is ambiguous, prefer whichever
	// interpretation decodes to JSON.
	if len(body) >= 4 {
		if rc := binary.BigEndian.Uint32(body[:4]); rc&0xFFFFFF00 == 0 {
			plain, err := decodeBody(body[4:], secret)
			if err == nil && (len(plain) == 0 || json.Valid(plain)) {
				f.HasRetcode, f.Retcode, f.Payload = true, rc, plain
				return f, nil
			}
			alt, altErr := decodeBody(body, secret)
			if altErr == nil && json.Valid(alt) {
				f.Payload = alt
				return f, nil
			}
			if err == nil {
				f.HasRetcode, f.Retcode, f.Payload = true, rc, plain
				return f, nil
			}
			if altErr == nil {
				f.Payload = alt
				return f, nil
			}
			logging.DebugLog("tuya", "cmd %d body undecodable with or without retcode: %v / %v", f.Code, err, altErr)
			return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
		}
	}

	plain, err := decodeBody(body, secret)
	if err != nil {
		logging.DebugLog("tuya", "cmd %d body undecodable: %v", f.Code, err)
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	f.Payload = plain
	return f, nil
}

// decodeBody strips the optional extended version header and decrypts.
// The header is detected rather than assumed: a version-like ASCII prefix
// is dropped when doing so block-aligns the ciphertext, and again after
// decryption when the result only parses as JSON past it.
func decodeBody(body []byte, secret *Secret) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	if !secret.hasKey() {
		if secret == nil {
			return body, nil
		}
		if versionPrefixed(body) && len(body) > extHeaderLen {
			return body[extHeaderLen:], nil
		}
		return body, nil
	}

	cipher := body
	if versionPrefixed(body) && len(body) > extHeaderLen && (len(body)-extHeaderLen)%keySize == 0 {
		cipher = body[extHeaderLen:]
	} else if len(body)%keySize != 0 {
		return nil, fmt.Errorf("body length %d not a block multiple", len(body))
	}

	plain, err := decryptECB(secret.Key, cipher)
	if err != nil {
		return nil, err
	}
	if json.Valid(plain) {
		return plain, nil
	}
	// Some firmwares place the version header inside the encryption.
	if versionPrefixed(plain) && len(plain) > extHeaderLen {
		if rest := plain[extHeaderLen:]; json.Valid(rest) {
			return rest, nil
		}
	}
	return plain, nil
}

// versionPrefixed reports whether b starts with a protocol version string
// ("3." and a digit). The 12 padding bytes after it are not inspected;
// firmwares disagree on their contents.
func versionPrefixed(b []byte) bool {
	return len(b) >= 3 && b[0] == '3' && b[1] == '.' && b[2] >= '0' && b[2] <= '9'
}

// ReadFrame reads one complete frame from a stream. The prefix and length
// field are validated before the remainder is read so a desynchronized
// connection fails fast instead of blocking forever.
func ReadFrame(r io.Reader) ([]byte, error) {
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if binary.BigEndian.Uint32(header[0:4]) != FramePrefix {
		return nil, ErrBadPrefix
	}
	length := binary.BigEndian.Uint32(header[12:16])
	if int(length) < trailerLen || int(length) > MaxFrameLen-headerLen {
		return nil, fmt.Errorf("%w: length field %d", ErrLengthMismatch, length)
	}
	frame := make([]byte, headerLen+int(length))
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[headerLen:]); err != nil {
		return nil, err
	}
	return frame, nil
}
