package discovery

import (
	"context"
	"errors"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
)

const (
	// EventRelayUpserted is emitted when a relay appears or its metadata changes.
	EventRelayUpserted EventType = "relay_upserted"
	// EventRelayRemoved is emitted when a previously seen relay disappears.
	EventRelayRemoved EventType = "relay_removed"
)

// EventType identifies scanner updates.
type EventType string

// Event carries one scanner update.
type Event struct {
	Type  EventType
	Relay Relay
}

// Relay is a relay found on the local network.
type Relay struct {
	RelayID     string
	Instance    string
	Fingerprint string
	Version     int
	HostName    string
	Port        int
	Addresses   []string
	LastSeen    time.Time
}

// URL returns the base URL of the relay, preferring IPv4 addresses.
func (r Relay) URL() string {
	host := strings.TrimSuffix(r.HostName, ".")
	for _, addr := range r.Addresses {
		if ip := net.ParseIP(addr); ip != nil && ip.To4() != nil {
			host = addr
			break
		}
	}
	if host == "" && len(r.Addresses) > 0 {
		host = r.Addresses[0]
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(r.Port))
}

// Browse runs one scan window and returns the relays found, sorted by instance name.
func Browse(ctx context.Context, config Config) ([]Relay, error) {
	cfg := config.withDefaults()
	browse, err := resolveBrowse(cfg)
	if err != nil {
		return nil, err
	}
	found, err := scan(ctx, cfg, browse)
	if err != nil {
		return nil, err
	}
	return sortedRelays(found), nil
}

type refreshRequest struct {
	ctx  context.Context
	done chan error
}

// Scanner keeps an up-to-date view of relays with periodic and manual scans.
type Scanner struct {
	cfg    Config
	browse browseFunc

	mu     sync.RWMutex
	relays map[string]Relay

	events chan Event

	startOnce sync.Once
	stopOnce  sync.Once

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	refreshRequests chan refreshRequest
}

// NewScanner creates a scanner with config defaults applied.
func NewScanner(config Config) (*Scanner, error) {
	cfg := config.withDefaults()
	browse, err := resolveBrowse(cfg)
	if err != nil {
		return nil, err
	}

	return &Scanner{
		cfg:             cfg,
		browse:          browse,
		relays:          make(map[string]Relay),
		events:          make(chan Event, 128),
		refreshRequests: make(chan refreshRequest),
	}, nil
}

// Start begins background scanning.
func (s *Scanner) Start() {
	s.startOnce.Do(func() {
		s.ctx, s.cancel = context.WithCancel(context.Background())
		s.wg.Add(1)
		go s.loop()
	})
}

// Stop stops background scanning and closes Events.
func (s *Scanner) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()
		close(s.events)
	})
}

// Events provides asynchronous updates. Events are dropped when nobody keeps up.
func (s *Scanner) Events() <-chan Event {
	return s.events
}

// Refresh triggers an immediate scan and waits for it.
func (s *Scanner) Refresh(ctx context.Context) error {
	if s.ctx == nil {
		return errors.New("relay scanner is not started")
	}

	req := refreshRequest{ctx: ctx, done: make(chan error, 1)}
	select {
	case s.refreshRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return errors.New("relay scanner is stopped")
	}
}

// Relays returns a snapshot of the relays seen by the last scan.
func (s *Scanner) Relays() []Relay {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sortedRelays(s.relays)
}

func (s *Scanner) loop() {
	defer s.wg.Done()

	_ = s.runScan(s.ctx)

	ticker := s.cfg.Clock.Ticker(s.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.runScan(s.ctx)
		case req := <-s.refreshRequests:
			req.done <- s.runScan(req.ctx)
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Scanner) runScan(requestCtx context.Context) error {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(requestCtx, cancel)
	defer stop()

	found, err := scan(ctx, s.cfg, s.browse)
	if err != nil {
		return err
	}
	s.applySnapshot(found)
	return nil
}

func (s *Scanner) applySnapshot(next map[string]Relay) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.relays
	s.relays = next

	for id, relay := range next {
		old, exists := previous[id]
		if !exists || !relaysEqual(old, relay) {
			s.emit(Event{Type: EventRelayUpserted, Relay: relay})
		}
	}
	for id, relay := range previous {
		if _, exists := next[id]; !exists {
			s.emit(Event{Type: EventRelayRemoved, Relay: relay})
		}
	}
}

func (s *Scanner) emit(event Event) {
	select {
	case s.events <- event:
	default:
	}
}

func resolveBrowse(cfg Config) (browseFunc, error) {
	if cfg.browseFn != nil {
		return cfg.browseFn, nil
	}
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return nil, err
	}
	return resolver.Browse, nil
}

// scan collects entries for one ScanTimeout window. Running out the window is not an error.
func scan(parent context.Context, cfg Config, browse browseFunc) (map[string]Relay, error) {
	ctx, cancel := context.WithTimeout(parent, cfg.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collected := make(map[string]Relay)
	collectorDone := make(chan struct{})

	go func() {
		defer close(collectorDone)
		in := (<-chan *zeroconf.ServiceEntry)(entries)
		for {
			select {
			case <-ctx.Done():
				return
			case entry, ok := <-in:
				if !ok {
					// The resolver closes the channel when it stops; wait out the window.
					in = nil
					continue
				}
				if entry == nil {
					continue
				}
				relay, ok := parseEntry(entry, cfg.RelayID)
				if !ok {
					continue
				}
				relay.LastSeen = cfg.Clock.Now()
				collected[relay.RelayID] = relay
			}
		}
	}()

	err := browse(ctx, cfg.Service, cfg.Domain, entries)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		cancel()
		<-collectorDone
		return nil, err
	}

	<-ctx.Done()
	<-collectorDone
	if err := parent.Err(); err != nil {
		return nil, err
	}
	return collected, nil
}

func parseEntry(entry *zeroconf.ServiceEntry, selfRelayID string) (Relay, bool) {
	txt := txtToMap(entry.Text)

	relayID := strings.TrimSpace(txt[txtRelayID])
	if relayID == "" || relayID == selfRelayID {
		return Relay{}, false
	}
	if api := txt[txtAPI]; api != "" && api != apiVersion {
		return Relay{}, false
	}

	version := 0
	if raw := txt[txtVersion]; raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil {
			version = parsed
		}
	}

	addresses := make([]string, 0, len(entry.AddrIPv4)+len(entry.AddrIPv6))
	seen := make(map[string]struct{})
	for _, ip := range append(append([]net.IP(nil), entry.AddrIPv4...), entry.AddrIPv6...) {
		if ip == nil {
			continue
		}
		raw := ip.String()
		if _, exists := seen[raw]; exists {
			continue
		}
		seen[raw] = struct{}{}
		addresses = append(addresses, raw)
	}
	sort.Strings(addresses)

	instance := strings.TrimSpace(entry.Instance)
	if instance == "" {
		instance = relayID
	}

	return Relay{
		RelayID:     relayID,
		Instance:    instance,
		Fingerprint: strings.TrimSpace(txt[txtFingerprint]),
		Version:     version,
		HostName:    entry.HostName,
		Port:        entry.Port,
		Addresses:   addresses,
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}

func sortedRelays(relays map[string]Relay) []Relay {
	out := make([]Relay, 0, len(relays))
	for _, relay := range relays {
		out = append(out, relay)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Instance == out[j].Instance {
			return out[i].RelayID < out[j].RelayID
		}
		return out[i].Instance < out[j].Instance
	})
	return out
}

func relaysEqual(a, b Relay) bool {
	if a.RelayID != b.RelayID ||
		a.Instance != b.Instance ||
		a.Fingerprint != b.Fingerprint ||
		a.Version != b.Version ||
		a.HostName != b.HostName ||
		a.Port != b.Port ||
		len(a.Addresses) != len(b.Addresses) {
		return false
	}
	for i := range a.Addresses {
		if a.Addresses[i] != b.Addresses[i] {
			return false
		}
	}
	return true
}
