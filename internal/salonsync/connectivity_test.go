package salonsync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorNotifiesOnTransitionsOnly(t *testing.T) {
	m := NewMonitor(false)
	var got []string
	unsubA := m.Subscribe(func(online bool) {
		if online {
			got = append(got, "a:online")
		} else {
			got = append(got, "a:offline")
		}
	})
	m.Subscribe(func(online bool) {
		if online {
			got = append(got, "b:online")
		}
	})

	assert.False(t, m.Set(false))
	assert.True(t, m.Set(true))
	assert.False(t, m.Set(true))
	assert.True(t, m.Online())
	assert.Equal(t, []string{"a:online", "b:online"}, got)

	unsubA()
	unsubA()
	assert.True(t, m.Set(false))
	assert.True(t, m.Set(true))
	assert.Equal(t, []string{"a:online", "b:online", "b:online"}, got)
}

func newTestProber(url string, m *Monitor) *Prober {
	return &Prober{
		Client:  &http.Client{},
		URL:     url,
		Every:   10 * time.Millisecond,
		Timeout: time.Second,
		Monitor: m,
		Log:     discardLogger(),
	}
}

func TestProberTracksAPIHealth(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(int(status.Load()))
	}))

	m := NewMonitor(false)
	p := newTestProber(api.URL+"/health", m)

	assert.True(t, p.Probe(context.Background()))
	assert.True(t, m.Online())

	// A client error still proves the API is reachable.
	status.Store(http.StatusUnauthorized)
	assert.True(t, p.Probe(context.Background()))

	status.Store(http.StatusBadGateway)
	assert.False(t, p.Probe(context.Background()))
	assert.False(t, m.Online())

	status.Store(http.StatusOK)
	require.True(t, p.Probe(context.Background()))
	api.Close()
	assert.False(t, p.Probe(context.Background()))
	assert.False(t, m.Online())
}

func TestProberCanceledProbeKeepsState(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer api.Close()

	m := NewMonitor(true)
	p := newTestProber(api.URL, m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.True(t, p.Probe(ctx))
	assert.True(t, m.Online())
}

func TestProberRunStopsOnSignal(t *testing.T) {
	var hits atomic.Int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer api.Close()

	m := NewMonitor(false)
	p := newTestProber(api.URL, m)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.Run(stop)
	}()

	require.Eventually(t, func() bool { return hits.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, m.Online())
	close(stop)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("prober did not stop")
	}
}
