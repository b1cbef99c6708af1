package salonsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path/filepath"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
)

// Options overrides collaborators NewService would otherwise build from the
// config. Zero values mean "build from config".
type Options struct {
	Logger    *slog.Logger
	Store     DurableStore
	Bookings  RemoteBookingClient
	Profile   RemoteProfileClient
	Transport http.RoundTripper
	// Monitor replaces the probe-driven connectivity monitor; no prober runs.
	Monitor *Monitor
}

type Service struct {
	cfg Config
	log *slog.Logger

	db          *leveldb.DB
	caches      *CacheStorage
	cache       *Cache
	interceptor *Interceptor
	proxy       *httputil.ReverseProxy

	store      DurableStore
	queue      *Queue
	monitor    *Monitor
	reconciler *Reconciler
	syncs      *SyncManager
	outbox     *Outbox

	stats *statsCollector

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewService(cfg Config, opts Options) (*Service, error) {
	log := opts.Logger
	if log == nil {
		log = discardLogger()
	}
	ramMax, err := parseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return nil, err
	}
	origin, err := url.Parse(cfg.Server.Origin)
	if err != nil {
		return nil, fmt.Errorf("server.origin: %w", err)
	}

	db, err := leveldb.OpenFile(filepath.Join(cfg.Storage.Path, "leveldb"), nil)
	if err != nil {
		return nil, newError("storage.open", KindStorageOpen, err)
	}

	s := &Service{
		cfg:    cfg,
		log:    log,
		db:     db,
		stats:  newStatsCollector(),
		stopCh: make(chan struct{}),
	}
	ok := false
	defer func() {
		if !ok {
			s.closeStorage()
		}
	}()

	s.caches = NewCacheStorage(db, ramMax, log.With("component", "cache"))
	s.cache = s.caches.Open(cfg.Cache.Name)
	if _, err := s.caches.EvictOtherGenerations(cfg.Cache.Name); err != nil {
		return nil, fmt.Errorf("activate cache %q: %w", cfg.Cache.Name, err)
	}

	s.interceptor, err = NewInterceptor(InterceptorOptions{
		Origin:      cfg.Server.Origin,
		Cache:       s.cache,
		Next:        opts.Transport,
		Rules:       cfg.Rules,
		OfflinePage: cfg.Cache.OfflinePage,
		Fallbacks:   cfg.Cache.Fallbacks,
		Logger:      log.With("component", "interceptor"),
	})
	if err != nil {
		return nil, err
	}
	s.interceptor.stats = s.stats
	s.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(origin)
			pr.SetXForwarded()
		},
		Transport:      s.interceptor,
		ModifyResponse: markPassthrough,
		ErrorHandler:   s.proxyError,
	}

	s.store = opts.Store
	if s.store == nil {
		store, err := openQueueStore(cfg, db)
		if err != nil {
			return nil, err
		}
		s.store = store
	}
	s.queue = NewQueue(s.store)

	bookings, profile := opts.Bookings, opts.Profile
	if bookings == nil || profile == nil {
		api := NewAPIClient(cfg.Sync.API, cfg.Sync.Bookings, cfg.Sync.Profile)
		if opts.Transport != nil {
			api.HTTP.Transport = opts.Transport
		}
		if bookings == nil {
			bookings = api
		}
		if profile == nil {
			profile = api
		}
	}

	s.reconciler = NewReconciler(s.queue, bookings, profile, cfg.Sync.Concurrency, log.With("component", "reconciler"))
	s.reconciler.stats = s.stats
	if rs, ok := s.store.(*RedisStore); ok {
		s.reconciler.leases = NewRedisLeases(rs.client, rs.prefix+":lease")
	}

	var prober *Prober
	s.monitor = opts.Monitor
	if s.monitor == nil {
		s.monitor = NewMonitor(false)
		client := &http.Client{}
		if opts.Transport != nil {
			client.Transport = opts.Transport
		}
		prober = &Prober{
			Client:  client,
			URL:     cfg.Sync.API + cfg.Sync.Probe.Path,
			Every:   cfg.Sync.probeEveryDur,
			Timeout: cfg.Sync.probeTimeoutDur,
			Monitor: s.monitor,
			Log:     log.With("component", "connectivity"),
		}
	}
	s.syncs = NewSyncManager(s.reconciler, s.monitor, cfg.Sync.retryEveryDur, log.With("component", "sync"))
	s.outbox = NewOutbox(s.queue, bookings, profile, s.syncs, s.monitor, log.With("component", "outbox"))

	ok = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		go func() {
			select {
			case <-s.stopCh:
				cancel()
			case <-ctx.Done():
			}
		}()
		if err := s.Install(ctx); err != nil {
			log.Warn("precache failed, serving without it", "err", err)
		}
	}()

	if prober != nil {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			prober.Run(s.stopCh)
		}()
	}

	if cfg.Logging.logStatsEveryDur > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(cfg.Logging.logStatsEveryDur)
		}()
	}

	return s, nil
}

func openQueueStore(cfg Config, db *leveldb.DB) (DurableStore, error) {
	q := cfg.Storage.Queue
	switch q.Driver {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		dsn := q.DSN
		if dsn == "" {
			dsn = "file:" + filepath.Join(cfg.Storage.Path, "queue.db") + "?_journal_mode=WAL"
		}
		s, err := OpenSQLiteStore(dsn)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := OpenRedisStore(ctx, q.Redis.Addr, q.Redis.DB, q.Redis.Prefix)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		s, err := NewLevelDBStore(db)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// Install precaches the offline page and configured assets into the current
// cache generation.
func (s *Service) Install(ctx context.Context) error {
	c := s.cfg.Cache
	src := PrecacheSources{
		OfflinePage: c.OfflinePage,
		Assets:      c.Precache,
		Manifest:    c.PrecacheManifest,
		Sitemaps:    c.PrecacheSitemaps,
	}
	if src.OfflinePage == "" && len(src.Assets) == 0 && src.Manifest == "" && len(src.Sitemaps) == 0 {
		return nil
	}
	n, err := s.interceptor.Precache(ctx, src)
	if err != nil {
		return err
	}
	s.log.Info("precache installed", "generation", c.Name, "entries", n)
	return nil
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.syncs.Close()
	s.interceptor.Wait()
	s.closeStorage()
}

func (s *Service) closeStorage() {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("close queue store", "err", err)
		}
	}
	if err := s.db.Close(); err != nil {
		s.log.Warn("close leveldb", "err", err)
	}
}

// Queue, Monitor, Syncs and Outbox expose the components for embedding callers.
func (s *Service) Queue() *Queue             { return s.queue }
func (s *Service) Monitor() *Monitor         { return s.monitor }
func (s *Service) Syncs() *SyncManager       { return s.syncs }
func (s *Service) Outbox() *Outbox           { return s.outbox }
func (s *Service) Interceptor() *Interceptor { return s.interceptor }
func (s *Service) Cache() *Cache             { return s.cache }

func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerAdmin(mux)
	mux.Handle("/", s.proxy)
	return mux
}

func markPassthrough(resp *http.Response) error {
	if resp.Header.Get(HeaderMark) == "" {
		setMarkHeaders(resp.Header, markBypass)
	}
	return nil
}

func (s *Service) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrNoFallback) {
		setMarkHeaders(w.Header(), markOffline)
		http.Error(w, "offline and no cached copy available", http.StatusServiceUnavailable)
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	s.log.Warn("proxy error", "method", r.Method, "path", r.URL.Path, "err", err)
	setMarkHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			ss := s.stats.Snapshot()
			keys, _ := s.cache.Keys()
			s.log.Info("stats",
				"cached", len(keys),
				"ram", formatBytes(uint64(s.caches.RAMSize())),
				"resp_min", formatBytes(ss.MinRespBytes),
				"resp_avg", formatBytes(ss.AvgRespBytes),
				"resp_max", formatBytes(ss.MaxRespBytes),
				"hit", ss.Hits,
				"miss", ss.Misses,
				"stale", ss.Stale,
				"fallback", ss.Fallbacks,
				"offline", ss.Offline,
				"replayed", ss.Replayed,
				"replay_failures", ss.ReplayFailures,
				"queued", s.queueDepths(context.Background()),
			)
		}
	}
}

func (s *Service) queueDepths(ctx context.Context) map[string]int {
	out := make(map[string]int, len(queueSpecs))
	for _, spec := range queueSpecs {
		n, err := s.queue.Count(ctx, spec.Store)
		if err != nil {
			n = -1
		}
		out[spec.Store] = n
	}
	return out
}
