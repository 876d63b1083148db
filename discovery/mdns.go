// Package discovery advertises a relay on the local network over mDNS and lets
// clients find relays without configuration.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/grandcat/zeroconf"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// DefaultService is the mDNS service name without domain suffix.
	DefaultService = "_ephemera._tcp"
	// DefaultDomain is the mDNS domain.
	DefaultDomain = "local."
	// DefaultVersion is the TXT record protocol version.
	DefaultVersion = 1
	// DefaultRefreshInterval is the background scan interval of a Scanner.
	DefaultRefreshInterval = 10 * time.Second
	// DefaultScanTimeout bounds each browse window.
	DefaultScanTimeout = 3 * time.Second
	// DefaultTTL is the mDNS record TTL in seconds.
	DefaultTTL = 120

	txtRelayID     = "relay_id"
	txtVersion     = "version"
	txtFingerprint = "fingerprint"
	txtAPI         = "api"
	apiVersion     = "v1"
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Config controls the advertiser and scanners.
type Config struct {
	Service         string
	Domain          string
	Version         int
	RefreshInterval time.Duration
	ScanTimeout     time.Duration
	TTL             uint32

	// RelayID identifies the advertising relay. Scanners skip entries carrying it.
	RelayID     string
	Instance    string
	Port        int
	Fingerprint string

	Clock clock.Clock

	registerFn registerFunc
	browseFn   browseFunc
}

func (c Config) withDefaults() Config {
	out := c
	if out.Service == "" {
		out.Service = DefaultService
	}
	if out.Domain == "" {
		out.Domain = DefaultDomain
	}
	if out.Version == 0 {
		out.Version = DefaultVersion
	}
	if out.RefreshInterval <= 0 {
		out.RefreshInterval = DefaultRefreshInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultScanTimeout
	}
	if out.TTL == 0 {
		out.TTL = DefaultTTL
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

func (c Config) validateForAdvertise() error {
	if strings.TrimSpace(c.RelayID) == "" {
		return errors.New("relay ID is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	return nil
}

// TXT returns the TXT records advertised for cfg.
func (c Config) TXT() []string {
	cfg := c.withDefaults()
	txt := []string{
		txtRelayID + "=" + cfg.RelayID,
		txtVersion + "=" + strconv.Itoa(cfg.Version),
		txtAPI + "=" + apiVersion,
	}
	if cfg.Fingerprint != "" {
		txt = append(txt, txtFingerprint+"="+cfg.Fingerprint)
	}
	return txt
}

// Advertiser announces the relay via mDNS.
type Advertiser struct {
	server *zeroconf.Server
}

// Advertise registers the relay service. The instance name defaults to the relay id.
func Advertise(config Config) (*Advertiser, error) {
	cfg := config.withDefaults()
	if err := cfg.validateForAdvertise(); err != nil {
		return nil, err
	}

	instance := strings.TrimSpace(cfg.Instance)
	if instance == "" {
		instance = "ephemera-" + cfg.RelayID
	}

	server, err := cfg.registerFn(instance, cfg.Service, cfg.Domain, cfg.Port, cfg.TXT(), nil)
	if err != nil {
		return nil, fmt.Errorf("register mDNS service: %w", err)
	}
	if server != nil {
		server.TTL(cfg.TTL)
	}
	jww.INFO.Printf("[Discovery] advertising %s as %q on port %d", cfg.Service, instance, cfg.Port)

	return &Advertiser{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Advertiser) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}
