package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"bookmart/internal/api"
	"bookmart/internal/cart"
	"bookmart/internal/changelog"
	"bookmart/internal/checkout"
	"bookmart/internal/metrics"
	"bookmart/internal/session"
	"bookmart/internal/state"
	"bookmart/internal/web"
)

// Config holds CLI flags for the storefront. Each flag defaults from the
// environment variable named in its usage string.
type Config struct {
	Listen        string
	MetricsListen string
	APIBase       string
	BaseURL       string
	StateBackend  string // memory|pebble|badger|redis
	StateDir      string
	RedisAddr     string
	RedisDB       int
	// CartIdleEvict drops carts unused for this long from memory. 0 keeps
	// every opened cart cached.
	CartIdleEvict time.Duration
	// Changelog sinks
	ChangelogSink  string // none|file|kafka|confluent|both
	ChangelogDir   string
	KafkaBootstrap string
	TopicChangelog string

	EnableTracing  bool
	EnableProfiler bool
	LogLevel       string
}

func main() {
	cfg := readFlags()
	log := newLogger(cfg.LogLevel)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("storefront failed")
	}
}

func readFlags() Config {
	var cfg Config
	port := envOr("PORT", "8080")
	flag.StringVar(&cfg.Listen, "listen", envOr("LISTEN_ADDR", "")+":"+port, "http listen address (LISTEN_ADDR, PORT)")
	flag.StringVar(&cfg.MetricsListen, "metrics-listen", envOr("METRICS_LISTEN", ":9090"), "listen address for /metrics and /healthz (METRICS_LISTEN)")
	flag.StringVar(&cfg.APIBase, "api-base", envOr("API_BASE_URL", "http://localhost:8000/api/"), "marketplace API base url (API_BASE_URL)")
	flag.StringVar(&cfg.BaseURL, "base-url", envOr("BASE_URL", ""), "path prefix for every route (BASE_URL)")
	flag.StringVar(&cfg.StateBackend, "state-backend", envOr("STATE_BACKEND", state.BackendPebble), "state backend: memory|pebble|badger|redis (STATE_BACKEND)")
	flag.StringVar(&cfg.StateDir, "state-dir", envOr("STATE_DIR", "./data"), "data directory for pebble and badger (STATE_DIR)")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", envOr("REDIS_ADDR", ""), "redis address for the redis backend (REDIS_ADDR)")
	flag.IntVar(&cfg.RedisDB, "redis-db", envInt("REDIS_DB", 0), "redis database number (REDIS_DB)")
	flag.DurationVar(&cfg.CartIdleEvict, "cart-idle-evict", envDuration("CART_IDLE_EVICT", 30*time.Minute), "evict carts idle this long from memory, 0 disables (CART_IDLE_EVICT)")
	flag.StringVar(&cfg.ChangelogSink, "changelog-sink", envOr("CHANGELOG_SINK", "file"), "changelog sink: none|file|kafka|confluent|both (CHANGELOG_SINK)")
	flag.StringVar(&cfg.ChangelogDir, "changelog-dir", envOr("CHANGELOG_DIR", "./changelog"), "directory of the JSONL changelog (CHANGELOG_DIR)")
	flag.StringVar(&cfg.KafkaBootstrap, "kafka-bootstrap", envOr("KAFKA_BOOTSTRAP", ""), "kafka bootstrap servers, e.g. localhost:9092 (KAFKA_BOOTSTRAP)")
	flag.StringVar(&cfg.TopicChangelog, "topic-changelog", envOr("TOPIC_CHANGELOG", "bookmart.cart-changelog"), "kafka topic for the changelog (TOPIC_CHANGELOG)")
	flag.BoolVar(&cfg.EnableTracing, "enable-tracing", os.Getenv("ENABLE_TRACING") == "1", "enable OpenTelemetry tracing (ENABLE_TRACING=1)")
	flag.BoolVar(&cfg.EnableProfiler, "enable-profiler", os.Getenv("ENABLE_PROFILER") == "1", "enable the cloud profiler (ENABLE_PROFILER=1)")
	flag.StringVar(&cfg.LogLevel, "log-level", envOr("LOG_LEVEL", "info"), "log level (LOG_LEVEL)")
	flag.Parse()
	return cfg
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.Level = logrus.InfoLevel
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.Level = lvl
	}
	log.Formatter = &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyTime:  "timestamp",
			logrus.FieldKeyLevel: "severity",
			logrus.FieldKeyMsg:   "message",
		},
		TimestampFormat: time.RFC3339Nano,
	}
	log.Out = os.Stdout
	return log
}

func run(cfg Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.EnableTracing {
		log.Info("Tracing enabled.")
		tp := initTracing(log)
		defer func() { _ = tp.Shutdown(context.Background()) }()
	} else {
		log.Info("Tracing disabled.")
	}
	if cfg.EnableProfiler {
		log.Info("Profiling enabled.")
		go initProfiling(log, "storefront", "1.0.0")
	} else {
		log.Info("Profiling disabled.")
	}

	st, err := state.Open(state.Options{
		Backend:   cfg.StateBackend,
		Dir:       cfg.StateDir,
		RedisAddr: cfg.RedisAddr,
		RedisDB:   cfg.RedisDB,
	})
	if err != nil {
		return errors.Wrap(err, "init state")
	}
	defer st.Close()
	log.WithField("backend", cfg.StateBackend).Info("state store ready")

	client, err := api.NewClient(cfg.APIBase, nil)
	if err != nil {
		return errors.Wrap(err, "init api client")
	}

	mreg := metrics.NewRegistry()
	sessions := session.NewManager(st, log, mreg.CartOptions()...)
	sessions.Subscribe(mreg.CartObserver)

	clog, closers, err := openChangelog(cfg)
	if err != nil {
		return errors.Wrap(err, "init changelog")
	}
	defer func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				log.WithError(err).Warn("closing changelog writer")
			}
		}
	}()
	if clog != nil {
		clog = changelog.Instrumented(clog, mreg.ChangelogAppended, mreg.ChangelogFailed)
		sessions.Subscribe(func(sessionID string) cart.Observer {
			return changelog.Observer(sessionID, clog, log.WithField("session", sessionID))
		})
		log.WithField("sink", cfg.ChangelogSink).Info("changelog enabled")
	}

	srv := web.New(web.Deps{
		Sessions: sessions,
		Catalog:  client,
		Auth:     client,
		Orders:   client,
		Profile:  client,
		Seller:   client,
		Checkout: checkout.NewService(client, mreg, log),
		Metrics:  mreg,
		Log:      log,
		BaseURL:  cfg.BaseURL,
	})

	opsMux := http.NewServeMux()
	opsMux.Handle("/metrics", mreg.Handler())
	opsMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
	})

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: srv.Handler(), ReadHeaderTimeout: 10 * time.Second}
	opsSrv := &http.Server{Addr: cfg.MetricsListen, Handler: opsMux, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	for _, s := range []*http.Server{httpSrv, opsSrv} {
		s := s
		g.Go(func() error {
			log.Infof("starting server on %s", s.Addr)
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return errors.Wrapf(err, "listen %s", s.Addr)
			}
			return nil
		})
	}
	if cfg.CartIdleEvict > 0 {
		g.Go(func() error {
			evictIdleCarts(gctx, sessions, cfg.CartIdleEvict)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := httpSrv.Shutdown(shutdownCtx)
		if oerr := opsSrv.Shutdown(shutdownCtx); err == nil {
			err = oerr
		}
		return err
	})
	return g.Wait()
}

// evictIdleCarts sweeps the session cache until ctx is done. Carts are
// persisted on every mutation, so an evicted cart is rebuilt from storage.
func evictIdleCarts(ctx context.Context, sessions *session.Manager, maxIdle time.Duration) {
	every := maxIdle / 4
	if every < time.Second {
		every = time.Second
	}
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			sessions.EvictIdle(maxIdle)
		}
	}
}

// openChangelog builds the configured sink. A nil writer means the
// changelog is off.
func openChangelog(cfg Config) (changelog.Writer, []io.Closer, error) {
	var (
		writers []changelog.Writer
		closers []io.Closer
	)
	switch cfg.ChangelogSink {
	case "none":
		return nil, nil, nil
	case "", "file", "kafka", "confluent", "both":
	default:
		return nil, nil, fmt.Errorf("unknown changelog sink %q", cfg.ChangelogSink)
	}

	if cfg.ChangelogSink == "" || cfg.ChangelogSink == "file" || cfg.ChangelogSink == "both" {
		fw, err := changelog.NewFileWriter(cfg.ChangelogDir, changelog.FileName)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, fw)
	}
	if cfg.ChangelogSink == "kafka" || cfg.ChangelogSink == "both" || cfg.ChangelogSink == "confluent" {
		if cfg.KafkaBootstrap == "" {
			return nil, nil, fmt.Errorf("changelog sink %q needs -kafka-bootstrap", cfg.ChangelogSink)
		}
	}
	switch cfg.ChangelogSink {
	case "kafka", "both":
		kw := changelog.NewKafkaWriter(cfg.KafkaBootstrap, cfg.TopicChangelog)
		writers = append(writers, kw)
		closers = append(closers, kw)
	case "confluent":
		cw, err := changelog.NewConfluentWriter(cfg.KafkaBootstrap, cfg.TopicChangelog)
		if err != nil {
			return nil, nil, err
		}
		writers = append(writers, cw)
		closers = append(closers, cw)
	}

	if len(writers) == 1 {
		return writers[0], closers, nil
	}
	return changelog.NewMultiWriter(writers...), closers, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if n, err := strconv.Atoi(os.Getenv(key)); err == nil {
		return n
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if d, err := time.ParseDuration(os.Getenv(key)); err == nil {
		return d
	}
	return def
}
