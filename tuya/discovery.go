package tuya

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"tuyalink/logging"
)

// BeaconHandler receives every decoded discovery beacon. Handlers run on
// the listener's receive goroutines and should return quickly.
type BeaconHandler func(Beacon)

// Listener owns the two discovery sockets. Devices broadcast unsolicited;
// the listener only ever receives.
type Listener struct {
	conns   [2]*net.UDPConn
	handler BeaconHandler
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Listen binds the plaintext (protocol 3.1) and encrypted (3.3) discovery
// ports and starts one receive goroutine per socket. Production callers
// pass PortDiscovery31 and PortDiscovery33; tests pass zero to let the
// kernel pick.
func Listen(plainPort, cryptPort int, handler BeaconHandler) (*Listener, error) {
	plain, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: plainPort})
	if err != nil {
		return nil, fmt.Errorf("bind udp %d: %w", plainPort, err)
	}
	crypt, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: cryptPort})
	if err != nil {
		plain.Close()
		return nil, fmt.Errorf("bind udp %d: %w", cryptPort, err)
	}

	l := &Listener{conns: [2]*net.UDPConn{plain, crypt}, handler: handler}
	l.wg.Add(2)
	go l.receive(plain, nil)
	go l.receive(crypt, DiscoverySecret())
	logging.DebugLog("discovery", "listening on %s (plaintext) and %s (encrypted)", plain.LocalAddr(), crypt.LocalAddr())
	return l, nil
}

// Addrs returns the bound local addresses (plaintext socket, encrypted
// socket), mainly so tests can discover kernel-assigned ports.
func (l *Listener) Addrs() (net.Addr, net.Addr) {
	return l.conns[0].LocalAddr(), l.conns[1].LocalAddr()
}

func (l *Listener) receive(conn *net.UDPConn, secret *Secret) {
	defer l.wg.Done()
	buf := make([]byte, MaxFrameLen)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				logging.DebugError("discovery", "udp read", err)
			}
			return
		}
		raw := make([]byte, n)
		copy(raw, buf[:n])
		logging.DebugRX("tuya/udp", raw)

		f, err := Decode(raw, secret)
		if err != nil {
			logging.DebugLog("discovery", "dropping datagram from %s: %v", src.IP, err)
			continue
		}
		b, err := ParseBeacon(f.Payload)
		if err != nil {
			logging.DebugLog("discovery", "dropping beacon from %s: %v", src.IP, err)
			continue
		}
		b.IP = src.IP.String()
		if l.handler != nil {
			l.handler(*b)
		}
	}
}

// Close releases both sockets and waits for the receive goroutines.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	for _, c := range l.conns {
		c.Close()
	}
	l.wg.Wait()
	return nil
}
