// Package restore rebuilds session carts from the latest export and the
// changelog written after it.
package restore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"bookmart/internal/cart"
	"bookmart/internal/changelog"
	"bookmart/internal/manifest"
	"bookmart/internal/metrics"
	"bookmart/internal/session"
	"bookmart/internal/state"
)

type Restorer struct {
	stateStore     state.Store
	manifestReader manifest.Reader
	snapshotPath   func(snapshotID string) string
	changelogPath  string
	metrics        *metrics.Registry
	log            logrus.FieldLogger
}

type Option func(*Restorer)

// WithMetrics records applied/skipped counts and time to recover.
func WithMetrics(m *metrics.Registry) Option { return func(r *Restorer) { r.metrics = m } }

func WithLogger(l logrus.FieldLogger) Option { return func(r *Restorer) { r.log = l } }

// NewRestorer restores into st. snapshotPath maps a snapshot id to its
// export file (see snapshot.FilesystemSnapshotter.Path); changelogPath is
// the JSONL changelog replayed by RestoreAndReplay.
func NewRestorer(st state.Store, mr manifest.Reader, snapshotPath func(string) string, changelogPath string, opts ...Option) *Restorer {
	r := &Restorer{
		stateStore:     st,
		manifestReader: mr,
		snapshotPath:   snapshotPath,
		changelogPath:  changelogPath,
		log:            logrus.StandardLogger(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

type RestoreResult struct {
	Applied int
	Skipped int
	Error   error
}

func (r *Restorer) count(res RestoreResult) {
	if r.metrics == nil {
		return
	}
	r.metrics.Applied.Add(float64(res.Applied))
	r.metrics.Skipped.Add(float64(res.Skipped))
}

// RestoreFromSnapshot replaces every session key with the carts in the
// export. Principals do not survive a restore. A missing export is skipped;
// entries that no longer decode are skipped and counted.
func (r *Restorer) RestoreFromSnapshot(snapshotID string) (RestoreResult, error) {
	if snapshotID == "" {
		return RestoreResult{}, nil
	}
	path := r.snapshotPath(snapshotID)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.log.WithField("path", path).Warn("restore: snapshot not found, skipping")
			return RestoreResult{}, nil
		}
		return RestoreResult{}, fmt.Errorf("read snapshot: %w", err)
	}
	var dump map[string]json.RawMessage
	if err := json.Unmarshal(data, &dump); err != nil {
		return RestoreResult{}, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	var res RestoreResult
	all := make(map[string][]byte, len(dump))
	for key, raw := range dump {
		_, rest, ok := session.Split(key)
		if !ok || rest != cart.StorageKey {
			res.Skipped++
			continue
		}
		lines, _, err := cart.Decode(raw)
		if err != nil || len(lines) == 0 {
			r.log.WithField("key", key).Warn("restore: skipping unreadable cart")
			res.Skipped++
			continue
		}
		b, err := cart.Encode(lines)
		if err != nil {
			return res, fmt.Errorf("encode %s: %w", key, err)
		}
		all[key] = b
		res.Applied++
	}
	if err := r.stateStore.LoadAll(session.KeyRoot(), all); err != nil {
		return res, fmt.Errorf("load snapshot: %w", err)
	}
	r.count(res)
	r.log.WithFields(logrus.Fields{"snapshot": snapshotID, "carts": res.Applied, "skipped": res.Skipped}).Info("restore: loaded snapshot")
	return res, nil
}

func (r *Restorer) countReplay(p *replayer) {
	r.count(p.res)
	if r.metrics != nil {
		r.metrics.ReplayBytes.Add(float64(p.bytes))
	}
}

// replayer keeps the newest cart per session while events stream in.
type replayer struct {
	since  int64
	latest map[string][]cart.Line
	order  []string
	bytes  int
	res    RestoreResult
}

func newReplayer(since int64) *replayer {
	return &replayer{since: since, latest: make(map[string][]cart.Line)}
}

func (p *replayer) add(raw []byte) {
	p.bytes += len(raw)
	var ev changelog.Event
	if err := json.Unmarshal(raw, &ev); err != nil || ev.Session == "" || noLines(ev.Lines) {
		p.res.Skipped++
		return
	}
	if ev.TS <= p.since {
		p.res.Skipped++
		return
	}
	lines, _, err := cart.Decode(ev.Lines)
	if err != nil {
		p.res.Skipped++
		return
	}
	if _, seen := p.latest[ev.Session]; !seen {
		p.order = append(p.order, ev.Session)
	}
	p.latest[ev.Session] = lines
	p.res.Applied++
}

// noLines reports an event that carries no cart state. A clear carries "[]",
// which is state; an absent or null field is not.
func noLines(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) == 0 || string(raw) == "null"
}

// flush writes the last cart seen for each session.
func (p *replayer) flush(st state.Store) error {
	for _, id := range p.order {
		lines := p.latest[id]
		key := session.CartKey(id)
		if len(lines) == 0 {
			if err := st.Delete(key); err != nil {
				return fmt.Errorf("delete %s: %w", key, err)
			}
			continue
		}
		b, err := cart.Encode(lines)
		if err != nil {
			return fmt.Errorf("encode %s: %w", key, err)
		}
		if err := st.Set(key, b); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// ReplayChangelog applies every event newer than sinceTS from a JSONL
// changelog. The last event for a session wins. Unreadable lines are
// skipped.
func (r *Restorer) ReplayChangelog(changelogPath string, sinceTS int64) RestoreResult {
	file, err := os.Open(changelogPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			r.log.WithField("path", changelogPath).Info("restore: no changelog to replay")
			return RestoreResult{}
		}
		return RestoreResult{Error: fmt.Errorf("open changelog: %w", err)}
	}
	defer file.Close()

	p := newReplayer(sinceTS)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64<<10), 4<<20)
	for scanner.Scan() {
		p.add(scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return RestoreResult{Applied: p.res.Applied, Skipped: p.res.Skipped, Error: fmt.Errorf("scan changelog: %w", err)}
	}
	if err := p.flush(r.stateStore); err != nil {
		p.res.Error = err
	}
	r.countReplay(p)
	return p.res
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ReplayChangelogKafka consumes events from partition 0 of topic until the
// reader has been idle for a few seconds, then applies them like
// ReplayChangelog.
func (r *Restorer) ReplayChangelogKafka(ctx context.Context, brokers []string, topic string, sinceTS int64) RestoreResult {
	rd := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   brokers,
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	return r.replayFrom(ctx, rd, sinceTS, 5*time.Second)
}

func (r *Restorer) replayFrom(ctx context.Context, rd messageReader, sinceTS int64, idle time.Duration) RestoreResult {
	defer rd.Close()
	p := newReplayer(sinceTS)
	for {
		rctx, cancel := context.WithTimeout(ctx, idle)
		m, err := rd.ReadMessage(rctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				p.res.Error = ctx.Err()
				return p.res
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				break
			}
			p.res.Error = fmt.Errorf("read kafka: %w", err)
			return p.res
		}
		p.add(m.Value)
	}
	if err := p.flush(r.stateStore); err != nil {
		p.res.Error = err
	}
	r.countReplay(p)
	return p.res
}

// RestoreAndReplay reads the latest manifest, restores its snapshot and
// replays the file changelog past the manifest watermark.
func (r *Restorer) RestoreAndReplay() (RestoreResult, error) {
	start := time.Now()
	m, err := r.manifestReader.ReadLatest()
	if err != nil {
		return RestoreResult{}, fmt.Errorf("read manifest: %w", err)
	}
	if r.metrics != nil {
		r.metrics.LastManifestAgeSec.Set(float64(time.Now().Unix() - m.CreatedAtEpochSecond))
	}

	snap, err := r.RestoreFromSnapshot(m.SnapshotID)
	if err != nil {
		return snap, fmt.Errorf("restore snapshot: %w", err)
	}

	replay := r.ReplayChangelog(r.changelogPath, m.LastEventTS)
	result := RestoreResult{
		Applied: snap.Applied + replay.Applied,
		Skipped: snap.Skipped + replay.Skipped,
		Error:   replay.Error,
	}
	if r.metrics != nil {
		r.metrics.TTRSec.Set(time.Since(start).Seconds())
	}
	return result, result.Error
}
