// Package tor implements the optional anonymizing transport façade: Tor
// daemon process management, a control-port client, ephemeral v3 hidden
// service publication, and circuit introspection. The control protocol (a
// plain line-oriented text protocol over a TCP socket) is spoken directly
// with net/textproto; see DESIGN.md for why this is a deliberate stdlib
// exception rather than a dropped dependency.
package tor

import (
	"fmt"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

// Control is a minimal Tor control-port client: enough of the protocol to
// authenticate, publish an ephemeral hidden service, and inspect circuits.
type Control struct {
	conn *textproto.Conn
	raw  net.Conn
}

// Dial connects to the control port at host:port.
func Dial(host string, port int) (*Control, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	raw, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("tor: dial control port %s: %w", addr, err)
	}
	return &Control{conn: textproto.NewConn(raw), raw: raw}, nil
}

// Close closes the control connection.
func (c *Control) Close() error {
	return c.raw.Close()
}

// cmd sends one control-protocol command and returns its reply lines,
// stripping the "250 " / "250-" status prefixes. A non-2xx status code is
// returned as an error.
func (c *Control) cmd(format string, args ...any) ([]string, error) {
	id, err := c.conn.Cmd(format, args...)
	if err != nil {
		return nil, fmt.Errorf("tor: send command: %w", err)
	}
	c.conn.StartResponse(id)
	defer c.conn.EndResponse(id)

	var lines []string
	for {
		line, err := c.conn.ReadLine()
		if err != nil {
			return nil, fmt.Errorf("tor: read response: %w", err)
		}
		if len(line) < 4 {
			return nil, fmt.Errorf("tor: malformed response line %q", line)
		}
		code, body := line[:3], line[4:]
		if !strings.HasPrefix(code, "2") {
			return nil, fmt.Errorf("tor: command failed: %s", line)
		}
		lines = append(lines, body)
		if line[3] == '+' { // data reply: dot-terminated lines follow
			data, err := c.conn.ReadDotLines()
			if err != nil {
				return nil, fmt.Errorf("tor: read data reply: %w", err)
			}
			lines = append(lines, data...)
			continue
		}
		if line[3] == ' ' { // final line of a multi-line reply
			break
		}
	}
	return lines, nil
}

// Authenticate authenticates to the control port. password may be empty
// when the control port uses cookie-less/no authentication.
func (c *Control) Authenticate(password string) error {
	if password == "" {
		_, err := c.cmd("AUTHENTICATE")
		return err
	}
	_, err := c.cmd("AUTHENTICATE %q", password)
	return err
}

// HiddenService is the result of publishing an ephemeral v3 hidden service.
type HiddenService struct {
	ServiceID     string // without the .onion suffix
	OnionAddress  string
	PrivateKeyPEM string // "NEW:ED25519-V3" responses include the generated key
}

// AddEphemeralV3HiddenService publishes an ephemeral ED25519-V3 hidden
// service mapping virtualPort to targetPort on localhost. It passes
// Flags=Detach, so the service outlives this control connection, and it
// returns as soon as Tor accepts the ADD_ONION command; it does not wait for
// the service descriptor to be published.
func (c *Control) AddEphemeralV3HiddenService(virtualPort, targetPort int) (*HiddenService, error) {
	lines, err := c.cmd("ADD_ONION NEW:ED25519-V3 Flags=Detach Port=%d,127.0.0.1:%d", virtualPort, targetPort)
	if err != nil {
		return nil, fmt.Errorf("tor: ADD_ONION: %w", err)
	}

	hs := &HiddenService{}
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "ServiceID="):
			hs.ServiceID = strings.TrimPrefix(line, "ServiceID=")
		case strings.HasPrefix(line, "PrivateKey="):
			hs.PrivateKeyPEM = strings.TrimPrefix(line, "PrivateKey=")
		}
	}
	if hs.ServiceID == "" {
		return nil, fmt.Errorf("tor: ADD_ONION reply missing ServiceID")
	}
	hs.OnionAddress = hs.ServiceID + ".onion"
	return hs, nil
}

// Circuit is a single entry from GETINFO circuit-status.
type Circuit struct {
	ID      string
	Status  string
	Purpose string
	Path    []string
}

// CircuitStatus returns the current circuit list via GETINFO circuit-status.
func (c *Control) CircuitStatus() ([]Circuit, error) {
	lines, err := c.cmd("GETINFO circuit-status")
	if err != nil {
		return nil, fmt.Errorf("tor: GETINFO circuit-status: %w", err)
	}
	var circuits []Circuit
	for _, line := range lines {
		if line == "circuit-status=" || line == "OK" || line == "" {
			continue
		}
		circuits = append(circuits, parseCircuitLine(line))
	}
	return circuits, nil
}

// parseCircuitLine parses one "ID STATUS PATH KEY=VALUE..." circuit-status
// line: the path is taken from the third field when it is a comma-separated
// list, and the purpose from any PURPOSE= field.
func parseCircuitLine(line string) Circuit {
	fields := strings.Fields(line)
	c := Circuit{}
	if len(fields) > 0 {
		c.ID = fields[0]
	}
	if len(fields) > 1 {
		c.Status = fields[1]
	}
	for _, f := range fields[2:] {
		if strings.HasPrefix(f, "PURPOSE=") {
			c.Purpose = strings.TrimPrefix(f, "PURPOSE=")
		}
		if strings.HasPrefix(f, "BUILD_FLAGS=") {
			continue
		}
	}
	if len(fields) > 2 && strings.Contains(fields[2], ",") {
		c.Path = strings.Split(fields[2], ",")
	}
	return c
}

// NewCircuit requests a new general-purpose circuit.
func (c *Control) NewCircuit() error {
	_, err := c.cmd("EXTENDCIRCUIT 0 purpose=general")
	return err
}

// GetInfo issues a single-key GETINFO request and returns its value.
func (c *Control) GetInfo(key string) (string, error) {
	lines, err := c.cmd("GETINFO %s", key)
	if err != nil {
		return "", err
	}
	for _, line := range lines {
		if v, ok := strings.CutPrefix(line, key+"="); ok {
			return v, nil
		}
	}
	return "", fmt.Errorf("tor: GETINFO %s: key not present in response", key)
}
