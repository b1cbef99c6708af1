package salonsync

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Monitor tracks whether the API is reachable and tells subscribers about
// transitions. Subscribers run synchronously, in subscription order, and must
// not call Set.
type Monitor struct {
	notifyMu sync.Mutex

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(online bool)
	order  []int
}

func NewMonitor(online bool) *Monitor {
	return &Monitor{online: online, subs: map[int]func(bool){}}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the current state and reports whether it changed. Subscribers
// are only called on a change.
func (m *Monitor) Set(online bool) bool {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return false
	}
	m.online = online
	fns := make([]func(bool), 0, len(m.order))
	for _, id := range m.order {
		fns = append(fns, m.subs[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(online)
	}
	return true
}

// Subscribe registers fn for future transitions. The returned func removes it
// and is safe to call more than once.
func (m *Monitor) Subscribe(fn func(online bool)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.order = append(m.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subs, id)
			for i, v := range m.order {
				if v == id {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Prober feeds a Monitor by periodically requesting a URL on the API. Any
// response below 500 counts as online.
type Prober struct {
	Client  *http.Client
	URL     string
	Every   time.Duration
	Timeout time.Duration
	Monitor *Monitor
	Log     *slog.Logger
}

// Probe performs one check and updates the monitor.
func (p *Prober) Probe(parent context.Context) bool {
	ctx, cancel := context.WithTimeout(parent, p.Timeout)
	defer cancel()

	online := false
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err == nil {
		var resp *http.Response
		resp, err = p.Client.Do(req)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			online = resp.StatusCode < http.StatusInternalServerError
		}
	}
	if !online && parent.Err() != nil {
		// shutting down, not a connectivity signal
		return p.Monitor.Online()
	}
	if p.Monitor.Set(online) {
		if online {
			p.Log.Info("connectivity restored", "url", p.URL)
		} else {
			p.Log.Warn("connectivity lost", "url", p.URL, "err", err)
		}
	}
	return online
}

// Run probes immediately and then every p.Every until stop is closed.
func (p *Prober) Run(stop <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.Probe(ctx)
	t := time.NewTicker(p.Every)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			p.Probe(ctx)
		}
	}
}
