package discovery

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// DNS-SD naming.
const (
	ServiceType = "_sxnet._tcp"
	Domain      = "local."

	// DefaultTTL is the record TTL when Config.TTL is zero.
	DefaultTTL = 120 * time.Second
)

// ErrInvalidConfig is returned by Start for an unusable configuration.
var ErrInvalidConfig = errors.New("discovery: invalid configuration")

// Config describes the advertised service.
type Config struct {
	// Instance is the DNS-SD instance name, e.g. "SX4".
	Instance string

	// Port is the SXnet TCP port.
	Port int

	// Interface restricts advertising to one network interface.
	// Empty means all multicast interfaces.
	Interface string

	// TTL of the DNS records. Zero uses DefaultTTL.
	TTL time.Duration

	Version string
	SiteID  string

	// APIPort is the HTTP API port; zero omits the api record.
	APIPort int
}

// TXT builds the TXT records for cfg.
func (cfg Config) TXT() []string {
	txt := []string{
		"version=" + cfg.Version,
		"site=" + cfg.SiteID,
	}
	if cfg.APIPort > 0 {
		txt = append(txt, "api="+strconv.Itoa(cfg.APIPort))
	}
	return txt
}

// registerFunc matches zeroconf.Register. Tests replace it.
type registerFunc func(instance, service, domain string, port int, text []string,
	ifaces []net.Interface, opts ...zeroconf.ServerOption) (*zeroconf.Server, error)

// Advertiser publishes the SXnet service until stopped.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Advertiser struct {
	cfg      Config
	register registerFunc

	mu     sync.Mutex
	server *zeroconf.Server
	active bool
}

// NewAdvertiser creates an advertiser. Nothing is sent until Start.
func NewAdvertiser(cfg Config) *Advertiser {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	return &Advertiser{cfg: cfg, register: zeroconf.Register}
}

// Start registers the service. Calling Start while advertising is a no-op.
func (a *Advertiser) Start() error {
	if a.cfg.Instance == "" {
		return fmt.Errorf("%w: instance name is required", ErrInvalidConfig)
	}
	if a.cfg.Port <= 0 || a.cfg.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidConfig, a.cfg.Port)
	}

	ifaces, err := a.interfaces()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return nil
	}

	server, err := a.register(
		a.cfg.Instance,
		ServiceType,
		Domain,
		a.cfg.Port,
		a.cfg.TXT(),
		ifaces,
		zeroconf.TTL(uint32(a.cfg.TTL.Seconds())),
	)
	if err != nil {
		return fmt.Errorf("registering %s service: %w", ServiceType, err)
	}
	a.server = server
	a.active = true
	return nil
}

// Stop withdraws the service. Safe to call when not started.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.server != nil {
		a.server.Shutdown()
	}
	a.server = nil
	a.active = false
}

// Active reports whether the service is being advertised.
func (a *Advertiser) Active() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// interfaces resolves Config.Interface; nil means all interfaces.
func (a *Advertiser) interfaces() ([]net.Interface, error) {
	if a.cfg.Interface == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(a.cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w: interface %q: %w", ErrInvalidConfig, a.cfg.Interface, err)
	}
	return []net.Interface{*iface}, nil
}
