// Tuyacmd - command line probe for Tuya LAN devices.
//
// With no arguments it listens for discovery beacons and prints each
// decoded broadcast. Given a device address and credentials it switches
// the device or queries its data points directly, without the daemon.
//
// Usage:
//
//	tuyacmd
//	tuyacmd <host> <id> <key> [bulb|light|switch] on|off|get [version]
package main

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"tuyalink/tuya"
)

const listenDuration = 5 * time.Second
const exchangeTimeout = 5 * time.Second

func usage() {
	fmt.Fprintf(os.Stderr, "usage: %s [host id key [bulb|light|switch] on|off|get [version]]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  with no arguments, listens %v for discovery beacons\n", listenDuration)
}

func main() {
	args := os.Args[1:]

	if len(args) == 0 {
		if err := listenBeacons(listenDuration); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	cmd, err := parseCommand(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		usage()
		os.Exit(1)
	}

	resp, err := cmd.run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Response: %s\n", resp)
}

// command is one parsed invocation.
type command struct {
	host    string
	id      string
	key     string
	dp      int
	action  string
	version string
}

// dpForType maps the device type keyword to its switch data point.
// Bulbs and lights switch on DP 20, plain relays on DP 1.
func dpForType(word string) (int, bool) {
	switch word {
	case "bulb", "light":
		return 20, true
	case "switch":
		return 1, true
	default:
		return 0, false
	}
}

// parseCommand reads `host id key [type] action [version]`. The type
// keyword is optional and distinguished from the action by value.
func parseCommand(args []string) (*command, error) {
	if len(args) < 4 {
		return nil, fmt.Errorf("not enough arguments")
	}

	cmd := &command{
		host:    args[0],
		id:      args[1],
		key:     args[2],
		dp:      20,
		version: tuya.VersionDefault,
	}

	i := 3
	if dp, ok := dpForType(args[i]); ok {
		cmd.dp = dp
		i++
		if i >= len(args) {
			return nil, fmt.Errorf("missing action")
		}
	}

	switch args[i] {
	case "on", "off", "get":
		cmd.action = args[i]
	default:
		return nil, fmt.Errorf("unknown action %q", args[i])
	}
	i++

	if i < len(args) {
		cmd.version = args[i]
		i++
	}
	if i != len(args) {
		return nil, fmt.Errorf("too many arguments")
	}

	return cmd, nil
}

// run executes the exchange and returns the device's response payload.
func (c *command) run() ([]byte, error) {
	secret := tuya.NewSecret(c.id, c.key, c.version)
	address := net.JoinHostPort(c.host, strconv.Itoa(tuya.PortControl))

	switch c.action {
	case "on", "off":
		payload, err := tuya.ControlPayload(c.id, c.dp, c.action == "on", time.Now())
		if err != nil {
			return nil, err
		}
		return tuya.Exchange(address, secret, tuya.CmdControl, payload, tuya.CmdStatus, exchangeTimeout)
	case "get":
		payload, err := tuya.QueryPayload(c.id, time.Now())
		if err != nil {
			return nil, err
		}
		return tuya.Exchange(address, secret, tuya.CmdQuery, payload, tuya.CmdQuery, exchangeTimeout)
	}
	return nil, fmt.Errorf("unknown action %q", c.action)
}

// listenBeacons binds both discovery ports and prints every decodable
// broadcast until the timeout passes.
func listenBeacons(timeout time.Duration) error {
	sockets := []struct {
		port   int
		secret *tuya.Secret
	}{
		{tuya.PortDiscovery31, nil},
		{tuya.PortDiscovery33, tuya.DiscoverySecret()},
	}

	deadline := time.Now().Add(timeout)
	var wg sync.WaitGroup
	conns := make([]*net.UDPConn, 0, len(sockets))

	for _, s := range sockets {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.port})
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return fmt.Errorf("bind udp %d: %w", s.port, err)
		}
		conn.SetReadDeadline(deadline)
		conns = append(conns, conn)

		wg.Add(1)
		go func(conn *net.UDPConn, secret *tuya.Secret) {
			defer wg.Done()
			buf := make([]byte, tuya.MaxFrameLen)
			for {
				n, src, err := conn.ReadFromUDP(buf)
				if err != nil {
					return
				}
				f, err := tuya.Decode(buf[:n], secret)
				if err != nil {
					continue
				}
				fmt.Printf("Message from %s: %s\n", src.IP, f.Payload)
			}
		}(conn, s.secret)
	}

	fmt.Printf("Listening for beacons on UDP %d/%d for %v...\n",
		tuya.PortDiscovery31, tuya.PortDiscovery33, timeout)
	wg.Wait()
	for _, c := range conns {
		c.Close()
	}
	return nil
}
