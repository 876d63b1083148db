package discovery

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/grandcat/zeroconf"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestAdvertiseBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	cfg := Config{
		RelayID:     "relay-123",
		Port:        8443,
		Fingerprint: "abcd-ef01",
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	advertiser, err := Advertise(cfg)
	if err != nil {
		t.Fatalf("Advertise failed: %v", err)
	}
	defer advertiser.Stop()

	if gotInstance != "ephemera-relay-123" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultService || gotDomain != DefaultDomain {
		t.Fatalf("unexpected service %q in domain %q", gotService, gotDomain)
	}
	if gotPort != 8443 {
		t.Fatalf("unexpected port: %d", gotPort)
	}
	assertContainsTXT(t, gotTXT, "relay_id=relay-123")
	assertContainsTXT(t, gotTXT, "version=1")
	assertContainsTXT(t, gotTXT, "api=v1")
	assertContainsTXT(t, gotTXT, "fingerprint=abcd-ef01")
}

func TestAdvertiseValidatesConfig(t *testing.T) {
	register := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, nil
	}
	if _, err := Advertise(Config{Port: 80, registerFn: register}); err == nil {
		t.Fatalf("expected error without relay id")
	}
	if _, err := Advertise(Config{RelayID: "r", Port: 70000, registerFn: register}); err == nil {
		t.Fatalf("expected error for out of range port")
	}

	failing := func(string, string, string, int, []string, []net.Interface) (*zeroconf.Server, error) {
		return nil, errors.New("no multicast interface")
	}
	if _, err := Advertise(Config{RelayID: "r", Port: 80, registerFn: failing}); err == nil {
		t.Fatalf("expected register error to surface")
	}
}

func TestBrowseFiltersSelfAndForeignAPIs(t *testing.T) {
	cfg := Config{
		RelayID:     "self",
		ScanTimeout: 40 * time.Millisecond,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			entries <- testServiceEntry("self", "Self", 8080, "10.0.0.1")
			entries <- testServiceEntry("relay-b", "Beta", 8081, "10.0.0.3")
			entries <- testServiceEntry("relay-a", "Alpha", 8082, "10.0.0.2")
			foreign := testServiceEntry("relay-c", "Gamma", 8083, "10.0.0.4")
			foreign.Text = append(foreign.Text, "api=v9")
			entries <- foreign
			<-ctx.Done()
			return ctx.Err()
		},
	}

	relays, err := Browse(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Browse failed: %v", err)
	}
	if len(relays) != 2 {
		t.Fatalf("expected 2 relays, got %+v", relays)
	}
	if relays[0].RelayID != "relay-a" || relays[1].RelayID != "relay-b" {
		t.Fatalf("unexpected order: %+v", relays)
	}
	if got := relays[0].URL(); got != "http://10.0.0.2:8082" {
		t.Fatalf("unexpected URL %q", got)
	}
}

func TestBrowseSurfacesResolverErrors(t *testing.T) {
	cfg := Config{
		ScanTimeout: time.Second,
		browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
			return errors.New("socket closed")
		},
	}
	if _, err := Browse(context.Background(), cfg); err == nil {
		t.Fatalf("expected browse error")
	}
}

func TestScannerRefreshAndRemovalEvents(t *testing.T) {
	var browseCalls int32
	mock := clock.NewMock()
	cfg := Config{
		RelayID:         "self",
		RefreshInterval: time.Hour,
		ScanTimeout:     25 * time.Millisecond,
		Clock:           mock,
		browseFn: func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
			call := atomic.AddInt32(&browseCalls, 1)
			if call == 1 {
				entries <- testServiceEntry("relay-1", "One", 8081, "10.0.0.2")
			}
			entries <- testServiceEntry("relay-2", "Two", 8082, "10.0.0.3")
			<-ctx.Done()
			return nil
		},
	}

	scanner, err := NewScanner(cfg)
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	scanner.Start()
	defer scanner.Stop()

	waitForCondition(t, time.Second, func() bool {
		return len(scanner.Relays()) == 2
	})

	if err := scanner.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	relays := scanner.Relays()
	if len(relays) != 1 || relays[0].RelayID != "relay-2" {
		t.Fatalf("expected only relay-2 after refresh, got %+v", relays)
	}
	if !waitForEvent(scanner.Events(), EventRelayRemoved, "relay-1", time.Second) {
		t.Fatalf("expected removal event for relay-1")
	}
}

func TestScannerRefreshBeforeStart(t *testing.T) {
	scanner, err := NewScanner(Config{browseFn: func(context.Context, string, string, chan<- *zeroconf.ServiceEntry) error {
		return nil
	}})
	if err != nil {
		t.Fatalf("NewScanner failed: %v", err)
	}
	if err := scanner.Refresh(context.Background()); err == nil {
		t.Fatalf("expected error before Start")
	}
}

func testServiceEntry(relayID, instance string, port int, ipv4 string) *zeroconf.ServiceEntry {
	entry := zeroconf.NewServiceEntry(instance, DefaultService, DefaultDomain)
	entry.HostName = instance + ".local."
	entry.Port = port
	entry.Text = []string{"relay_id=" + relayID, "version=1"}
	entry.AddrIPv4 = []net.IP{net.ParseIP(ipv4)}
	return entry
}

func waitForCondition(t *testing.T, timeout time.Duration, fn func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func waitForEvent(events <-chan Event, eventType EventType, relayID string, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return false
			}
			if event.Type == eventType && event.Relay.RelayID == relayID {
				return true
			}
		case <-timer.C:
			return false
		}
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
