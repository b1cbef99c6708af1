package salonsync

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type syncer interface {
	Sync(ctx context.Context, tag string) SyncResult
}

// SyncManager is the background sync facility. A registered tag stays pending
// until a pass leaves its queue empty; pending tags fire while online, on every
// offline to online transition, and every retryEvery. A transition also fires
// every known tag, whether registered or not.
type SyncManager struct {
	syncer     syncer
	monitor    *Monitor
	retryEvery time.Duration
	log        *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	running map[string]bool
	rerun   map[string]bool
	last    map[string]SyncResult

	ctx         context.Context
	cancel      context.CancelFunc
	loops       sync.WaitGroup
	passes      sync.WaitGroup
	unsubscribe func()
}

func NewSyncManager(s syncer, monitor *Monitor, retryEvery time.Duration, log *slog.Logger) *SyncManager {
	if log == nil {
		log = discardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &SyncManager{
		syncer:     s,
		monitor:    monitor,
		retryEvery: retryEvery,
		log:        log,
		pending:    map[string]bool{},
		running:    map[string]bool{},
		rerun:      map[string]bool{},
		last:       map[string]SyncResult{},
		ctx:        ctx,
		cancel:     cancel,
	}
	m.unsubscribe = monitor.Subscribe(m.onConnectivity)
	if retryEvery > 0 {
		m.loops.Add(1)
		go func() {
			defer m.loops.Done()
			m.retryLoop()
		}()
	}
	return m
}

// Close stops the retry loop, cancels running passes and waits for them.
func (m *SyncManager) Close() {
	m.unsubscribe()
	m.mu.Lock()
	m.cancel()
	m.mu.Unlock()
	m.loops.Wait()
	m.passes.Wait()
}

// Wait blocks until no pass is running.
func (m *SyncManager) Wait() {
	m.passes.Wait()
}

// Register marks tag as needing a sync and fires it right away when online.
func (m *SyncManager) Register(tag string) error {
	if _, ok := specForTag(tag); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	m.mu.Lock()
	m.pending[tag] = true
	m.mu.Unlock()
	m.log.Debug("background sync registered", "tag", tag)

	if m.monitor.Online() {
		m.fire(tag)
	}
	return nil
}

// SyncNow runs one pass for tag on the caller's goroutine and records its
// result like a background pass would.
func (m *SyncManager) SyncNow(ctx context.Context, tag string) (SyncResult, error) {
	if _, ok := specForTag(tag); !ok {
		return SyncResult{}, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	res := m.syncer.Sync(ctx, tag)
	m.mu.Lock()
	m.recordLocked(tag, res)
	m.mu.Unlock()
	return res, nil
}

func (m *SyncManager) recordLocked(tag string, res SyncResult) {
	m.last[tag] = res
	if res.Err == nil && res.Remaining == 0 {
		delete(m.pending, tag)
	} else {
		m.pending[tag] = true
	}
}

// Pending lists tags waiting for a successful pass.
func (m *SyncManager) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.pending))
	for t := range m.pending {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// LastResult returns the outcome of the most recent pass for tag.
func (m *SyncManager) LastResult(tag string) (SyncResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.last[tag]
	return r, ok
}

func (m *SyncManager) onConnectivity(online bool) {
	if !online {
		return
	}
	for _, s := range queueSpecs {
		m.fire(s.Tag)
	}
}

func (m *SyncManager) retryLoop() {
	t := time.NewTicker(m.retryEvery)
	defer t.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-t.C:
			if !m.monitor.Online() {
				continue
			}
			for _, tag := range m.Pending() {
				m.fire(tag)
			}
		}
	}
}

// fire starts a pass for tag. If one is already running, another pass follows
// it so records queued meanwhile are not missed.
func (m *SyncManager) fire(tag string) {
	m.mu.Lock()
	if m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}
	if m.running[tag] {
		m.rerun[tag] = true
		m.mu.Unlock()
		return
	}
	m.running[tag] = true
	m.passes.Add(1)
	m.mu.Unlock()

	go func() {
		defer m.passes.Done()
		for {
			res := m.syncer.Sync(m.ctx, tag)

			m.mu.Lock()
			m.recordLocked(tag, res)
			if m.rerun[tag] && m.ctx.Err() == nil {
				m.rerun[tag] = false
				m.mu.Unlock()
				continue
			}
			m.running[tag] = false
			m.mu.Unlock()
			return
		}
	}()
}
