package tor

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"synnergy-network/pkg/config"
)

// onionAddressLength is the length of a v3 onion address's base32 service
// ID, excluding the ".onion" suffix.
const onionAddressLength = 56

// ValidateOnionAddress reports whether addr is a syntactically valid v3
// onion address: 56 base32 characters followed by ".onion".
func ValidateOnionAddress(addr string) bool {
	if !strings.HasSuffix(addr, ".onion") {
		return false
	}
	id := strings.TrimSuffix(addr, ".onion")
	if len(id) != onionAddressLength {
		return false
	}
	for _, r := range id {
		if !((r >= 'a' && r <= 'z') || (r >= '2' && r <= '7')) {
			return false
		}
	}
	return true
}

// Facade wires the daemon process and control-port client into the
// anonymizing transport path. cmd/synnergy starts it before the connection
// manager when Config.UseTor is set and hands its SocksAddr to p2p.Deps.
type Facade struct {
	cfg    config.TorConfig
	logger *logrus.Logger

	daemon  *Daemon
	control *Control
	service *HiddenService
}

// New constructs a Facade from cfg. logger may be nil.
func New(cfg config.TorConfig, logger *logrus.Logger) *Facade {
	if logger == nil {
		logger = logrus.New()
	}
	return &Facade{cfg: cfg, logger: logger}
}

// Start launches the daemon, authenticates to its control port, and
// publishes an ephemeral hidden service mapping servicePort (the node's
// public-facing port) to localPort (where ConnectionManager listens).
func (f *Facade) Start(servicePort, localPort int) error {
	daemon, err := Launch(DaemonConfig{
		SocksPort:   f.cfg.SocksPort,
		ControlPort: f.cfg.ControlPort,
		DataDir:     f.cfg.DataDir,
	})
	if err != nil {
		return err
	}
	f.daemon = daemon

	var control *Control
	deadline := time.Now().Add(30 * time.Second)
	for {
		control, err = Dial("127.0.0.1", f.cfg.ControlPort)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			daemon.Kill()
			return fmt.Errorf("tor: control port never became reachable: %w", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
	f.control = control

	if err := f.control.Authenticate(f.cfg.ControlPassword); err != nil {
		f.Stop()
		return fmt.Errorf("tor: authenticate: %w", err)
	}

	hs, err := f.control.AddEphemeralV3HiddenService(servicePort, localPort)
	if err != nil {
		f.Stop()
		return fmt.Errorf("tor: publish hidden service: %w", err)
	}
	f.service = hs

	f.logger.WithField("onion_address", hs.OnionAddress).Info("published Tor hidden service")
	return nil
}

// Stop closes the control channel, then kills the daemon subprocess.
func (f *Facade) Stop() error {
	if f.control != nil {
		f.control.Close()
		f.control = nil
	}
	if f.daemon != nil {
		err := f.daemon.Kill()
		f.daemon = nil
		return err
	}
	return nil
}

// OnionAddress returns the published hidden service's .onion address, or
// "" if Start has not completed successfully.
func (f *Facade) OnionAddress() string {
	if f.service == nil {
		return ""
	}
	return f.service.OnionAddress
}

// SocksAddr returns the local SOCKS proxy address outbound dials should
// route through while this façade is active.
func (f *Facade) SocksAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", f.cfg.SocksPort)
}

// CircuitStatus returns the current set of Tor circuits.
func (f *Facade) CircuitStatus() ([]Circuit, error) {
	if f.control == nil {
		return nil, fmt.Errorf("tor: façade not started")
	}
	return f.control.CircuitStatus()
}

// CreateNewCircuit requests a new general-purpose circuit.
func (f *Facade) CreateNewCircuit() error {
	if f.control == nil {
		return fmt.Errorf("tor: façade not started")
	}
	return f.control.NewCircuit()
}

// NetworkStatus is the snapshot returned by Facade.NetworkStatus.
type NetworkStatus struct {
	ServiceID       string `json:"service_id"`
	OnionAddress    string `json:"onion_address"`
	IsActive        bool   `json:"is_active"`
	BootstrapStatus string `json:"bootstrap_status"`
}

// NetworkStatus reports the façade's current state.
func (f *Facade) NetworkStatus() NetworkStatus {
	status := NetworkStatus{IsActive: f.control != nil}
	if f.service != nil {
		status.ServiceID = f.service.ServiceID
		status.OnionAddress = f.service.OnionAddress
	}
	if f.control != nil {
		if bootstrap, err := f.control.GetInfo("status/bootstrap-phase"); err == nil {
			status.BootstrapStatus = bootstrap
		}
	}
	return status
}
