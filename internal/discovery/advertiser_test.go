package discovery

import (
	"errors"
	"net"
	"reflect"
	"testing"

	"github.com/enbility/zeroconf/v3"
)

// registration records the arguments of one register call.
type registration struct {
	instance, service, domain string
	port                      int
	text                      []string
	ifaces                    []net.Interface
}

func fakeRegister(calls *[]registration, err error) registerFunc {
	return func(instance, service, domain string, port int, text []string,
		ifaces []net.Interface, _ ...zeroconf.ServerOption) (*zeroconf.Server, error) {
		*calls = append(*calls, registration{instance, service, domain, port, text, ifaces})
		return nil, err
	}
}

func TestConfig_TXT(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "with api",
			cfg:  Config{Version: "1.2.0", SiteID: "club", APIPort: 8080},
			want: []string{"version=1.2.0", "site=club", "api=8080"},
		},
		{
			name: "api disabled",
			cfg:  Config{Version: "dev", SiteID: "home"},
			want: []string{"version=dev", "site=home"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.TXT(); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("TXT() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAdvertiser_StartStop(t *testing.T) {
	var calls []registration
	a := NewAdvertiser(Config{Instance: "SX4", Port: 4104, Version: "test", SiteID: "club", APIPort: 8080})
	a.register = fakeRegister(&calls, nil)

	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !a.Active() {
		t.Error("Active() = false after Start")
	}
	if err := a.Start(); err != nil {
		t.Fatalf("second Start() error = %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("register calls = %d, want 1", len(calls))
	}

	c := calls[0]
	if c.instance != "SX4" || c.service != ServiceType || c.domain != Domain || c.port != 4104 {
		t.Errorf("registration = %+v", c)
	}
	if c.ifaces != nil {
		t.Errorf("ifaces = %v, want all interfaces", c.ifaces)
	}
	if want := []string{"version=test", "site=club", "api=8080"}; !reflect.DeepEqual(c.text, want) {
		t.Errorf("text = %v, want %v", c.text, want)
	}

	a.Stop()
	a.Stop()
	if a.Active() {
		t.Error("Active() = true after Stop")
	}
}

func TestAdvertiser_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
	}{
		{"no instance", Config{Port: 4104}},
		{"no port", Config{Instance: "SX4"}},
		{"port too large", Config{Instance: "SX4", Port: 70000}},
		{"unknown interface", Config{Instance: "SX4", Port: 4104, Interface: "does-not-exist0"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []registration
			a := NewAdvertiser(tt.cfg)
			a.register = fakeRegister(&calls, nil)

			err := a.Start()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Start() error = %v, want ErrInvalidConfig", err)
			}
			if len(calls) != 0 {
				t.Errorf("register called %d times", len(calls))
			}
		})
	}
}

func TestAdvertiser_RegisterFailure(t *testing.T) {
	var calls []registration
	a := NewAdvertiser(Config{Instance: "SX4", Port: 4104})
	a.register = fakeRegister(&calls, errors.New("no multicast"))

	if err := a.Start(); err == nil {
		t.Fatal("Start() should fail when registration fails")
	}
	if a.Active() {
		t.Error("Active() = true after failed Start")
	}
}

func TestNewAdvertiser_DefaultTTL(t *testing.T) {
	a := NewAdvertiser(Config{Instance: "SX4", Port: 4104})
	if a.cfg.TTL != DefaultTTL {
		t.Errorf("TTL = %v, want %v", a.cfg.TTL, DefaultTTL)
	}
}
