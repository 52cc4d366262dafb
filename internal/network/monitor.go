// Package network tracks connectivity to the sync API.
package network

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/kimhsiao/tempo/backend/internal/logging"
	"github.com/kimhsiao/tempo/backend/internal/notify"
)

const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 5 * time.Second

	subscriberBuffer = 8
)

// Transition is a connectivity change.
type Transition struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// Config configures a Monitor.
type Config struct {
	// ProbeURL is requested by Run; any HTTP response counts as online.
	ProbeURL      string
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	HTTPClient    *http.Client

	// Online is the assumed state before the first update.
	Online   bool
	Notifier notify.Notifier
}

type subscriber struct {
	ch          chan Transition
	reconnected bool
}

// Monitor holds the current connectivity and tells subscribers when it
// changes.
type Monitor struct {
	cfg    Config
	client *http.Client

	mu     sync.Mutex
	online bool
	subs   map[int]*subscriber
	nextID int
}

// NewMonitor creates a Monitor.
func NewMonitor(cfg Config) *Monitor {
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Discard
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Monitor{
		cfg:    cfg,
		client: client,
		online: cfg.Online,
		subs:   make(map[int]*subscriber),
	}
}

// Online reports the last known connectivity.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the connectivity reported by the platform and reports whether
// it changed.
func (m *Monitor) Set(online bool) bool {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	t := Transition{Online: online, At: time.Now().UTC()}
	for id, s := range m.subs {
		if s.reconnected && !online {
			continue
		}
		select {
		case s.ch <- t:
		default:
			logging.Debug("Dropping connectivity transition for slow subscriber", map[string]interface{}{"subscriber": id})
		}
	}
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	level, title := notify.LevelWarning, "Offline"
	if online {
		level, title = notify.LevelInfo, "Back online"
	}
	m.cfg.Notifier.Notify(notify.Notification{
		Level: level,
		Event: notify.EventNetworkChanged,
		Title: title,
		Data:  map[string]interface{}{"online": online},
		Time:  t.At,
	})
	return true
}

// Subscribe returns a channel receiving every transition and a function
// that ends the subscription.
func (m *Monitor) Subscribe() (<-chan Transition, func()) {
	return m.subscribe(false)
}

// Reconnected is Subscribe filtered to offline to online transitions.
func (m *Monitor) Reconnected() (<-chan Transition, func()) {
	return m.subscribe(true)
}

func (m *Monitor) subscribe(reconnected bool) (<-chan Transition, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	s := &subscriber{ch: make(chan Transition, subscriberBuffer), reconnected: reconnected}
	m.subs[id] = s

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Probe requests the probe URL once and records the result.
func (m *Monitor) Probe(ctx context.Context) bool {
	online := m.probe(ctx)
	m.Set(online)
	return online
}

func (m *Monitor) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.ProbeURL, nil)
	if err != nil {
		return false
	}
	resp, err := m.client.Do(req)
	if err != nil {
		logging.Debug("Connectivity probe failed", map[string]interface{}{"error": err.Error()})
		return false
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return true
}

// Run probes on the configured interval until ctx is done. Without a probe
// URL it only waits, leaving updates to Set.
func (m *Monitor) Run(ctx context.Context) {
	if m.cfg.ProbeURL == "" {
		<-ctx.Done()
		return
	}

	m.Probe(ctx)
	ticker := time.NewTicker(m.cfg.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
