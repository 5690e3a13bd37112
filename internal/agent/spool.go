package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/ashita-ai/kokoro/internal/model"
)

const spoolSuffix = ".transcript.json"

// Spool is the on-disk holding area for transcripts the backend could not
// accept, one file per room session. Writes are atomic (temp file, sync,
// rename) so a crash never leaves a torn payload behind. The webhook
// endpoint treats redelivery of a finalized room as a no-op, which makes
// draining safe to repeat.
type Spool struct {
	dir    string
	logger *slog.Logger

	draining atomic.Bool
}

// NewSpool opens the spool directory, creating it when missing. Returns
// nil when dir is empty (spooling disabled).
func NewSpool(logger *slog.Logger, dir string) (*Spool, error) {
	if dir == "" {
		return nil, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("spool: create directory: %w", err)
	}

	// Verify the directory is writable now rather than on the first failed
	// delivery.
	probe := filepath.Join(dir, ".spool_probe")
	f, err := os.Create(probe) //nolint:gosec // path is constructed from validated config
	if err != nil {
		return nil, fmt.Errorf("spool: directory not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(probe)

	return &Spool{dir: dir, logger: logger}, nil
}

// Put persists a transcript for a later delivery retry. Room names are
// unique per session, so respooling the same room overwrites in place
// instead of accumulating duplicates.
func (s *Spool) Put(payload model.TranscriptWebhook) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("spool: marshal transcript: %w", err)
	}

	final := filepath.Join(s.dir, payload.RoomName+spoolSuffix)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("spool: write transcript: %w", err)
	}

	// Sync the temp file before rename for crash safety.
	f, err := os.Open(tmp) //nolint:gosec // path is constructed from s.dir
	if err != nil {
		return fmt.Errorf("spool: open for sync: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("spool: sync transcript: %w", err)
	}
	_ = f.Close()

	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("spool: rename transcript: %w", err)
	}
	return nil
}

// Len returns the number of spooled transcripts.
func (s *Spool) Len() int {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), spoolSuffix) {
			n++
		}
	}
	return n
}

// Drain attempts delivery of every spooled transcript, deleting each one
// the backend accepts and each one it rejects permanently. Transient
// failures stay on disk for the next drain; files that no longer decode
// are logged and left in place for inspection. Overlapping drains
// collapse into one.
func (s *Spool) Drain(ctx context.Context, deliver func(context.Context, model.TranscriptWebhook) error) int {
	if !s.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer s.draining.Store(false)

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Warn("agent: spool scan failed", "error", err)
		return 0
	}

	delivered := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			break
		}
		if !strings.HasSuffix(e.Name(), spoolSuffix) {
			continue
		}
		path := filepath.Join(s.dir, e.Name())

		data, err := os.ReadFile(path) //nolint:gosec // path is constructed from s.dir
		if err != nil {
			s.logger.Warn("agent: spool read failed", "file", e.Name(), "error", err)
			continue
		}
		var payload model.TranscriptWebhook
		if err := json.Unmarshal(data, &payload); err != nil {
			s.logger.Warn("agent: spooled transcript undecodable, leaving in place",
				"file", e.Name(), "error", err)
			continue
		}

		if err := deliver(ctx, payload); err != nil {
			var dErr *DeliveryError
			if errors.As(err, &dErr) && dErr.Permanent() {
				s.logger.Warn("agent: spooled transcript rejected permanently, dropping",
					"room", payload.RoomName, "status", dErr.StatusCode)
				s.remove(path)
				continue
			}
			s.logger.Warn("agent: spooled delivery failed, keeping",
				"room", payload.RoomName, "error", err)
			continue
		}

		s.remove(path)
		delivered++
	}
	return delivered
}

func (s *Spool) remove(path string) {
	if err := os.Remove(path); err != nil {
		s.logger.Warn("agent: spool cleanup failed", "file", filepath.Base(path), "error", err)
	}
}
