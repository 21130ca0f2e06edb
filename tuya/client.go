package tuya

import (
	"fmt"
	"net"
	"time"

	"tuyalink/logging"
)

// DialFunc opens the TCP connection for a device exchange. It exists as a
// seam so tests can substitute an in-memory pipe for a real device.
type DialFunc func(address string, timeout time.Duration) (net.Conn, error)

// Dial is the default DialFunc.
func Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp4", address, timeout)
}

// WriteFrame sends one encoded frame on the connection.
func WriteFrame(conn net.Conn, frame []byte) error {
	logging.DebugTX("tuya/tcp", frame)
	n, err := conn.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(frame))
	}
	return nil
}

// Exchange performs a one-shot command: connect, send one frame, then read
// until a frame with wantCode and a non-empty payload arrives. Devices echo
// CONTROL commands with an empty acknowledgement before pushing the real
// STATUS on the same connection, so echoes and empty bodies are skipped
// rather than treated as the answer.
func Exchange(address string, secret *Secret, code uint32, payload []byte, wantCode uint32, timeout time.Duration) ([]byte, error) {
	frame, err := Encode(secret, code, 1, payload)
	if err != nil {
		return nil, err
	}

	logging.DebugConnect("tuya/tcp", address)
	conn, err := Dial(address, timeout)
	if err != nil {
		logging.DebugConnectError("tuya/tcp", address, err)
		return nil, err
	}
	defer conn.Close()
	logging.DebugLog("tuya/tcp", "connected to %s", address)
	conn.SetDeadline(time.Now().Add(timeout))

	if err := WriteFrame(conn, frame); err != nil {
		return nil, err
	}
	for {
		raw, err := ReadFrame(conn)
		if err != nil {
			return nil, err
		}
		logging.DebugRX("tuya/tcp", raw)
		f, err := Decode(raw, secret)
		if err != nil {
			logging.DebugError("tuya/tcp", "decode", err)
			continue
		}
		if f.Code == wantCode && len(f.Payload) > 0 {
			return f.Payload, nil
		}
		logging.DebugLog("tuya/tcp", "skipping cmd=%d len=%d waiting for cmd=%d", f.Code, len(f.Payload), wantCode)
	}
}
