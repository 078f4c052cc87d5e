// Package netmon provides the network condition monitor that gates
// synchronization attempts.
//
// The monitor runs a periodic liveness probe against the backend plus
// event-driven checks (external connectivity hints, explicit
// CheckNow) and classifies connection quality into coarse tiers used
// to size timeouts. Subscribers are notified only when the online
// flag or the tier actually changes, so downstream consumers don't
// churn on every probe.
package netmon

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cuadrillasoledadaya/hermandad-sync/internal/events"
)

// ConnectionType is a coarse connection quality tier derived from the
// measured round-trip time.
type ConnectionType string

const (
	TierWifi    ConnectionType = "wifi"
	Tier4G      ConnectionType = "4g"
	Tier3G      ConnectionType = "3g"
	Tier2G      ConnectionType = "2g"
	TierUnknown ConnectionType = "unknown"
)

// State is a snapshot of network conditions. Not persisted; rebuilt
// fresh on process start.
type State struct {
	IsOnline       bool           `json:"is_online"`
	ConnectionType ConnectionType `json:"connection_type"`
	RTT            time.Duration  `json:"rtt"`
	Downlink       float64        `json:"downlink,omitempty"`
	LastChecked    time.Time      `json:"last_checked"`
}

// Prober performs the liveness probe. Implemented by
// *remote.Client.Ping.
type Prober interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// Config holds monitor configuration.
type Config struct {
	// CheckInterval is how often to re-probe (default: 30s).
	CheckInterval time.Duration

	// ProbeTimeout bounds one liveness probe (default: 5s). A probe
	// that exceeds it counts as offline.
	ProbeTimeout time.Duration

	// Logger for monitor activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		CheckInterval: 30 * time.Second,
		ProbeTimeout:  5 * time.Second,
		Logger:        log.New(os.Stderr, "[netmon] ", log.LstdFlags),
	}
}

// Monitor watches connectivity to the backend.
//
// Construct once at process start and pass by reference to consumers.
// Until the first check completes the monitor reports optimistic
// online=true with an unknown tier.
type Monitor struct {
	prober Prober
	bus    *events.Bus
	config *Config

	mu    sync.RWMutex
	state State

	hints  chan bool
	checks chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Monitor. The bus may be nil (no notifications).
func New(prober Prober, bus *events.Bus, config *Config) *Monitor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 30 * time.Second
	}
	if config.ProbeTimeout == 0 {
		config.ProbeTimeout = 5 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[netmon] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Monitor{
		prober: prober,
		bus:    bus,
		config: config,
		state: State{
			// Optimistic until the first check completes.
			IsOnline:       true,
			ConnectionType: TierUnknown,
		},
		hints:  make(chan bool, 8),
		checks: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start begins periodic checking. An immediate first check runs
// before the interval loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run()
}

// Stop shuts the monitor down and waits for the check loop to exit.
func (m *Monitor) Stop() {
	m.cancel()
	m.wg.Wait()
}

// State returns the current snapshot.
func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// ShouldTryOnline reports whether a sync attempt is worthwhile:
// online and the last measured RTT under 5 seconds.
func (m *Monitor) ShouldTryOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.IsOnline && m.state.RTT < 5*time.Second
}

// RecommendedTimeout returns a per-operation timeout sized by the
// current connection tier.
func (m *Monitor) RecommendedTimeout() time.Duration {
	m.mu.RLock()
	tier := m.state.ConnectionType
	m.mu.RUnlock()

	switch tier {
	case TierWifi:
		return 10 * time.Second
	case Tier4G:
		return 15 * time.Second
	case Tier3G:
		return 25 * time.Second
	case Tier2G:
		return 45 * time.Second
	default:
		return 20 * time.Second
	}
}

// NotifyConnectivityHint feeds a platform connectivity signal. An
// offline hint flips the state immediately without a probe (cheap);
// an online hint schedules a probe to confirm.
func (m *Monitor) NotifyConnectivityHint(online bool) {
	select {
	case m.hints <- online:
	default:
	}
}

// CheckNow requests an immediate check outside the interval.
func (m *Monitor) CheckNow() {
	select {
	case m.checks <- struct{}{}:
	default:
	}
}

// run is the check loop: interval ticks, hints and explicit checks.
func (m *Monitor) run() {
	defer m.wg.Done()

	// First check before the interval loop so consumers get a real
	// state quickly.
	m.check()

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return

		case <-ticker.C:
			m.check()

		case <-m.checks:
			m.check()

		case online := <-m.hints:
			if !online {
				m.setState(State{
					IsOnline:       false,
					ConnectionType: TierUnknown,
					LastChecked:    time.Now(),
				})
				continue
			}
			// Online hints are confirmed by a probe.
			m.check()
		}
	}
}

// check runs one liveness probe and updates the state. Probe errors
// are swallowed and treated as offline; nothing propagates to
// subscribers beyond the state change.
func (m *Monitor) check() {
	ctx, cancel := context.WithTimeout(m.ctx, m.config.ProbeTimeout)
	rtt, err := m.prober.Ping(ctx)
	cancel()

	now := time.Now()
	if err != nil {
		m.setState(State{
			IsOnline:       false,
			ConnectionType: TierUnknown,
			LastChecked:    now,
		})
		return
	}

	m.setState(State{
		IsOnline:       true,
		ConnectionType: classifyRTT(rtt),
		RTT:            rtt,
		Downlink:       estimateDownlink(rtt),
		LastChecked:    now,
	})
}

// setState stores the new snapshot and publishes a network-changed
// event only when the observable axes actually changed.
func (m *Monitor) setState(next State) {
	m.mu.Lock()
	prev := m.state
	m.state = next
	m.mu.Unlock()

	changed := prev.IsOnline != next.IsOnline || prev.ConnectionType != next.ConnectionType
	if !changed {
		return
	}

	m.config.Logger.Printf("Network state: online=%v tier=%s rtt=%v",
		next.IsOnline, next.ConnectionType, next.RTT.Round(time.Millisecond))

	if m.bus != nil {
		m.bus.Publish(events.Event{Type: events.TypeNetworkChanged, Payload: next})
	}
}

// classifyRTT maps a measured round-trip time onto a coarse tier.
func classifyRTT(rtt time.Duration) ConnectionType {
	switch {
	case rtt < 50*time.Millisecond:
		return TierWifi
	case rtt < 150*time.Millisecond:
		return Tier4G
	case rtt < 500*time.Millisecond:
		return Tier3G
	case rtt < 5*time.Second:
		return Tier2G
	default:
		return TierUnknown
	}
}

// estimateDownlink gives a rough Mbps estimate from RTT. Purely
// informational; nothing gates on it.
func estimateDownlink(rtt time.Duration) float64 {
	switch classifyRTT(rtt) {
	case TierWifi:
		return 50
	case Tier4G:
		return 10
	case Tier3G:
		return 1.5
	case Tier2G:
		return 0.25
	default:
		return 0
	}
}
