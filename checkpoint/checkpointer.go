// Package checkpoint makes the store durable: every commit is appended to a
// write-ahead log before it becomes visible, and periodic snapshots compact
// the log into a single compressed file. Startup recovery loads the newest
// snapshot and replays the log entries past it, which reconstructs exactly
// the committed state; tasks in flight at the crash simply never happened.
package checkpoint

import (
	"context"
	"fmt"
	log "log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/mudworks/weaver"
	"github.com/mudworks/weaver/store"
)

// keepSnapshots is how many finished snapshot files stay on disk.
const keepSnapshots = 2

// Checkpointer owns the durability log and the snapshot cycle for one store.
type Checkpointer struct {
	store    *store.Store
	log      *Log
	opts     weaver.CheckpointOptions
	archiver Archiver

	// mu serializes Force calls; overlapping snapshots would race on pruning.
	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// Open recovers the store from the checkpoint folder and wires the
// durability log into the store's commit path. The store must be empty.
// Unrecognized snapshot formats are fatal: the error comes back classified
// as CheckpointFormatFailure and the caller must not run against the folder.
func Open(ctx context.Context, s *store.Store, opts weaver.CheckpointOptions) (*Checkpointer, error) {
	if opts.Folder == "" {
		return nil, fmt.Errorf("checkpoint folder is required")
	}
	if err := os.MkdirAll(opts.Folder, 0o755); err != nil {
		return nil, err
	}
	l, err := OpenLog(filepath.Join(opts.Folder, "commits.db"))
	if err != nil {
		return nil, err
	}

	path, _, found, err := newestSnapshot(opts.Folder)
	if err != nil {
		l.Close()
		return nil, err
	}
	if found {
		version, nextObj, entries, err := ReadSnapshotFile(path)
		if err != nil && opts.Erasure != nil {
			// The local file may be the casualty; the erasure segments can
			// still hold a full copy.
			log.Warn("snapshot file unreadable, trying erasure segments", "file", path, "details", err)
			version, nextObj, entries, err = readFromErasure(filepath.Base(path), opts.Erasure)
		}
		if err != nil {
			l.Close()
			return nil, err
		}
		if err := s.Restore(version, entries, nextObj); err != nil {
			l.Close()
			return nil, err
		}
	}

	replayed := 0
	err = l.ReplayAfter(s.CurrentVersion(), func(version uint64, writes []store.Write) error {
		replayed++
		return s.ApplyCommitted(version, writes)
	})
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("replaying durability log: %w", err)
	}
	log.Info("recovery complete", "version", s.CurrentVersion(), "replayed_commits", replayed)

	s.SetCommitHook(l.Append)

	archiver, err := newArchiver(ctx, opts)
	if err != nil {
		l.Close()
		return nil, err
	}

	return &Checkpointer{
		store:    s,
		log:      l,
		opts:     opts,
		archiver: archiver,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}, nil
}

// Start launches the periodic checkpoint loop. No-op when the interval is 0;
// Force still works either way.
func (c *Checkpointer) Start(ctx context.Context) {
	if c.opts.Interval <= 0 {
		close(c.done)
		return
	}
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				if _, err := c.Force(ctx); err != nil {
					log.Error("periodic checkpoint failed", "details", err)
				}
			}
		}
	}()
}

// Force takes a snapshot of the current committed version, prunes the log
// through it, and kicks off archival. Running tasks are not paused; the
// snapshot reads a fixed version while commits continue past it.
func (c *Checkpointer) Force(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	version := c.store.CurrentVersion()
	entries := c.store.SnapshotAll(version)
	nextObj := c.store.NextObjID()

	path, err := WriteSnapshotFile(c.opts.Folder, version, nextObj, entries)
	if err != nil {
		return 0, err
	}
	var size uint64
	if fi, statErr := os.Stat(path); statErr == nil {
		size = uint64(fi.Size())
	}

	if c.opts.Erasure != nil || c.archiver != nil {
		data, err := os.ReadFile(path)
		if err != nil {
			return 0, err
		}
		if c.opts.Erasure != nil {
			if err := writeErasureSegments(filepath.Base(path), data, c.opts.Erasure); err != nil {
				return 0, err
			}
		}
		if c.archiver != nil {
			name := filepath.Base(path)
			// Best effort: losing the archive copy loses nothing locally.
			if err := weaver.Retry(ctx, func(ctx context.Context) error {
				return c.archiver.Put(ctx, name, data)
			}, nil); err != nil {
				log.Warn("snapshot archival failed", "target", c.archiver.Name(), "file", name, "details", err)
			}
		}
	}

	if err := c.log.PruneThrough(version); err != nil {
		return 0, err
	}
	if err := pruneSnapshots(c.opts.Folder, keepSnapshots); err != nil {
		return 0, err
	}
	log.Info("checkpoint complete", "version", version, "entries", len(entries), "file", path, "size", humanize.IBytes(size))
	return version, nil
}

// Close stops the periodic loop and closes the durability log. The store's
// commit hook stays installed; callers stop the scheduler first.
func (c *Checkpointer) Close() error {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
	return c.log.Close()
}

// readFromErasure reassembles a snapshot from its erasure segments and
// decodes it like a regular snapshot file.
func readFromErasure(name string, cfg *weaver.ErasureCodingConfig) (uint64, weaver.ObjID, []store.Entry, error) {
	data, err := readErasureSegments(name, cfg)
	if err != nil {
		return 0, 0, nil, err
	}
	tmp, err := os.CreateTemp("", "weaver-snapshot-*")
	if err != nil {
		return 0, 0, nil, err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return 0, 0, nil, err
	}
	tmp.Close()
	return ReadSnapshotFile(tmp.Name())
}
