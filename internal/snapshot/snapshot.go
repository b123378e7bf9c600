// Package snapshot exports every persisted session cart to a JSON file.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"bookmart/internal/cart"
	"bookmart/internal/session"
	"bookmart/internal/state"
)

// FileName is the export file inside each snapshot directory.
const FileName = "carts.json"

type Snapshotter interface {
	WriteSnapshot(snapshotID string, st state.Store) (Stats, error)
}

// Stats describes one export.
type Stats struct {
	Carts   int
	Skipped int
}

type FilesystemSnapshotter struct {
	baseDir string
	log     logrus.FieldLogger
}

func NewFilesystemSnapshotter(baseDir string, log logrus.FieldLogger) *FilesystemSnapshotter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FilesystemSnapshotter{baseDir: baseDir, log: log}
}

// Path returns the export file of a snapshot.
func (f *FilesystemSnapshotter) Path(snapshotID string) string {
	return filepath.Join(f.baseDir, snapshotID, FileName)
}

// WriteSnapshot dumps every session cart as {absolute key: lines}. Carts
// that no longer decode are left out and counted in Stats.Skipped.
// Principals are never exported: they carry bearer tokens.
func (f *FilesystemSnapshotter) WriteSnapshot(snapshotID string, st state.Store) (Stats, error) {
	var stats Stats
	dump := make(map[string]json.RawMessage)
	err := st.Range(session.KeyRoot(), func(key string, val []byte) error {
		_, rest, ok := session.Split(key)
		if !ok || rest != cart.StorageKey {
			return nil
		}
		lines, _, err := cart.Decode(val)
		if err != nil {
			f.log.WithError(err).WithField("key", key).Warn("snapshot: skipping unreadable cart")
			stats.Skipped++
			return nil
		}
		if len(lines) == 0 {
			return nil
		}
		b, err := cart.Encode(lines)
		if err != nil {
			return err
		}
		dump[key] = b
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("range: %w", err)
	}
	stats.Carts = len(dump)

	if err := os.MkdirAll(filepath.Join(f.baseDir, snapshotID), 0o755); err != nil {
		return stats, fmt.Errorf("mkdir: %w", err)
	}
	out, err := os.Create(f.Path(snapshotID))
	if err != nil {
		return stats, fmt.Errorf("create: %w", err)
	}
	defer out.Close()
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(dump); err != nil {
		return stats, fmt.Errorf("encode: %w", err)
	}
	return stats, nil
}
