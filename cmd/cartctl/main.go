// Command cartctl exports, restores, replays and inspects persisted session
// carts. Stop the storefront before pointing cartctl at a pebble or badger
// directory; both backends hold an exclusive lock.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"bookmart/internal/changelog"
	"bookmart/internal/manifest"
	"bookmart/internal/metrics"
	"bookmart/internal/restore"
	"bookmart/internal/snapshot"
	"bookmart/internal/state"
)

// Config holds the flags shared by every subcommand.
type Config struct {
	StateBackend string
	StateDir     string
	RedisAddr    string
	SnapshotDir  string
	ChangelogDir string
	// Kafka
	KafkaBootstrap  string
	TopicChangelog  string
	TopicManifest   string
	ManifestSink    string // file|kafka|both
	ManifestSource  string // file|kafka
	ChangelogSource string // file|kafka
	Verbose         bool
}

const usage = `usage: cartctl <command> [flags]

commands:
  export    write every session cart to a new snapshot and publish the manifest
  restore   load the latest snapshot and replay the changelog after it
  replay    replay the changelog since a watermark without touching the snapshot
  show      print one session's cart, or a summary of all carts
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	cmd, args := os.Args[1], os.Args[2:]
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	cfg := commonFlags(fs)

	var err error
	switch cmd {
	case "export":
		fs.Parse(args)
		err = runExport(cfg)
	case "restore":
		poll := fs.Int("poll", 0, "re-run restore every N seconds (0 runs once)")
		httpAddr := fs.String("http", "", "listen address for /metrics while polling")
		fs.Parse(args)
		err = runRestore(cfg, *poll, *httpAddr)
	case "replay":
		since := fs.Int64("since", 0, "replay events newer than this unix-millis watermark")
		fs.Parse(args)
		err = runReplay(cfg, *since)
	case "show":
		sessionID := fs.String("session", "", "session id to print; empty lists all carts")
		fs.Parse(args)
		err = runShow(cfg, *sessionID)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}
	if err != nil {
		log.Fatalf("cartctl %s failed: %v", cmd, err)
	}
}

func commonFlags(fs *flag.FlagSet) *Config {
	cfg := &Config{}
	fs.StringVar(&cfg.StateBackend, "state-backend", envOr("STATE_BACKEND", state.BackendPebble), "state backend: memory|pebble|badger|redis")
	fs.StringVar(&cfg.StateDir, "state-dir", envOr("STATE_DIR", "./data"), "data directory for pebble and badger")
	fs.StringVar(&cfg.RedisAddr, "redis-addr", envOr("REDIS_ADDR", ""), "redis address for the redis backend")
	fs.StringVar(&cfg.SnapshotDir, "snapshot-dir", envOr("SNAPSHOT_DIR", "./snapshots"), "snapshot and manifest directory")
	fs.StringVar(&cfg.ChangelogDir, "changelog-dir", envOr("CHANGELOG_DIR", "./changelog"), "directory of the JSONL changelog")
	fs.StringVar(&cfg.KafkaBootstrap, "kafka-bootstrap", envOr("KAFKA_BOOTSTRAP", ""), "kafka bootstrap servers")
	fs.StringVar(&cfg.TopicChangelog, "topic-changelog", envOr("TOPIC_CHANGELOG", "bookmart.cart-changelog"), "kafka topic for the changelog")
	fs.StringVar(&cfg.TopicManifest, "topic-manifest", envOr("TOPIC_MANIFEST", "bookmart.cart-manifest"), "kafka topic for the manifest (compacted)")
	fs.StringVar(&cfg.ManifestSink, "manifest-sink", "file", "manifest sink for export: file|kafka|both")
	fs.StringVar(&cfg.ManifestSource, "manifest-source", "file", "manifest source for restore: file|kafka")
	fs.StringVar(&cfg.ChangelogSource, "changelog-source", "file", "changelog source for restore and replay: file|kafka")
	fs.BoolVar(&cfg.Verbose, "v", false, "verbose component logging")
	return cfg
}

func (c *Config) logger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Level = logrus.WarnLevel
	if c.Verbose {
		l.Level = logrus.DebugLevel
	}
	return l
}

func (c *Config) openState() (state.Store, error) {
	return state.Open(state.Options{Backend: c.StateBackend, Dir: c.StateDir, RedisAddr: c.RedisAddr})
}

func (c *Config) needKafka(what string) error {
	if c.KafkaBootstrap == "" {
		return fmt.Errorf("%s needs -kafka-bootstrap", what)
	}
	return nil
}

func (c *Config) publisher() (manifest.Publisher, error) {
	fsm := manifest.NewFilesystemManifest(c.SnapshotDir)
	switch c.ManifestSink {
	case "", "file":
		return fsm, nil
	case "kafka", "both":
		if err := c.needKafka("manifest sink " + c.ManifestSink); err != nil {
			return nil, err
		}
		km := manifest.NewKafkaManifest(c.KafkaBootstrap, c.TopicManifest, manifest.DefaultKey)
		if c.ManifestSink == "kafka" {
			return km, nil
		}
		return manifest.MultiPublisher(fsm, km), nil
	}
	return nil, fmt.Errorf("unknown manifest sink %q", c.ManifestSink)
}

func (c *Config) manifestReader() (manifest.Reader, error) {
	switch c.ManifestSource {
	case "", "file":
		return manifest.NewFilesystemManifest(c.SnapshotDir), nil
	case "kafka":
		if err := c.needKafka("manifest source kafka"); err != nil {
			return nil, err
		}
		return manifest.NewKafkaReader(changelog.Brokers(c.KafkaBootstrap), c.TopicManifest, manifest.DefaultKey), nil
	}
	return nil, fmt.Errorf("unknown manifest source %q", c.ManifestSource)
}

func (c *Config) changelogPath() string {
	return filepath.Join(c.ChangelogDir, changelog.FileName)
}

func runExport(cfg *Config) error {
	st, err := cfg.openState()
	if err != nil {
		return fmt.Errorf("init state: %w", err)
	}
	defer st.Close()
	pub, err := cfg.publisher()
	if err != nil {
		return err
	}

	// Taken before the export so that events racing it are replayed.
	watermark := time.Now().UnixMilli() - 1
	id := time.Now().UTC().Format("20060102T150405Z")
	snap := snapshot.NewFilesystemSnapshotter(cfg.SnapshotDir, cfg.logger())
	stats, err := snap.WriteSnapshot(id, st)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := pub.PublishLatest(id, watermark); err != nil {
		return fmt.Errorf("publish manifest: %w", err)
	}
	log.Printf("snapshot %s written to %s: carts=%d skipped=%d watermark=%d", id, snap.Path(id), stats.Carts, stats.Skipped, watermark)
	return nil
}

func runRestore(cfg *Config, pollSec int, httpAddr string) error {
	st, err := cfg.openState()
	if err != nil {
		return fmt.Errorf("init state: %w", err)
	}
	defer st.Close()
	mr, err := cfg.manifestReader()
	if err != nil {
		return err
	}
	if cfg.ChangelogSource == "kafka" {
		if err := cfg.needKafka("changelog source kafka"); err != nil {
			return err
		}
	}

	mreg := metrics.NewRegistry()
	if httpAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", mreg.Handler())
			if err := http.ListenAndServe(httpAddr, mux); err != nil {
				log.Printf("metrics server: %v", err)
			}
		}()
	}

	snap := snapshot.NewFilesystemSnapshotter(cfg.SnapshotDir, cfg.logger())
	r := restore.NewRestorer(st, mr, snap.Path, cfg.changelogPath(),
		restore.WithMetrics(mreg), restore.WithLogger(cfg.logger()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	for {
		t0 := time.Now()
		res, err := restoreOnce(ctx, cfg, r, mr)
		if err != nil {
			if pollSec <= 0 {
				return err
			}
			log.Printf("restore: %v", err)
		} else {
			log.Printf("recovery cycle: applied=%d skipped=%d ttr=%.3fs", res.Applied, res.Skipped, time.Since(t0).Seconds())
		}
		if pollSec <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Duration(pollSec) * time.Second):
		}
	}
}

func restoreOnce(ctx context.Context, cfg *Config, r *restore.Restorer, mr manifest.Reader) (restore.RestoreResult, error) {
	if cfg.ChangelogSource != "kafka" {
		return r.RestoreAndReplay()
	}
	m, err := mr.ReadLatest()
	if err != nil {
		return restore.RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	}
	snap, err := r.RestoreFromSnapshot(m.SnapshotID)
	if err != nil {
		return snap, fmt.Errorf("restore snapshot: %w", err)
	}
	replay := r.ReplayChangelogKafka(ctx, changelog.Brokers(cfg.KafkaBootstrap), cfg.TopicChangelog, m.LastEventTS)
	res := restore.RestoreResult{
		Applied: snap.Applied + replay.Applied,
		Skipped: snap.Skipped + replay.Skipped,
		Error:   replay.Error,
	}
	return res, res.Error
}

func runReplay(cfg *Config, since int64) error {
	st, err := cfg.openState()
	if err != nil {
		return fmt.Errorf("init state: %w", err)
	}
	defer st.Close()
	r := restore.NewRestorer(st, nil, nil, cfg.changelogPath(), restore.WithLogger(cfg.logger()))

	var res restore.RestoreResult
	if cfg.ChangelogSource == "kafka" {
		if err := cfg.needKafka("changelog source kafka"); err != nil {
			return err
		}
		res = r.ReplayChangelogKafka(context.Background(), changelog.Brokers(cfg.KafkaBootstrap), cfg.TopicChangelog, since)
	} else {
		res = r.ReplayChangelog(cfg.changelogPath(), since)
	}
	if res.Error != nil {
		return res.Error
	}
	log.Printf("replay completed: applied=%d skipped=%d", res.Applied, res.Skipped)
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
