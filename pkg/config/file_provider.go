package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/polisai/polis-governance/pkg/domain"
	"github.com/polisai/polis-governance/pkg/storage"
)

const defaultDebounce = 100 * time.Millisecond

// ProviderOptions tune a SnapshotProvider.
type ProviderOptions struct {
	// Debounce coalesces bursts of file events into one reload.
	Debounce time.Duration
	// OnReload is told the outcome of every reload attempt.
	OnReload func(err error)
	Logger   *slog.Logger
}

// SnapshotProvider serves governance data from a YAML (or JSON) file and reloads it
// when the file changes. It implements domain.SnapshotService, domain.Directory and
// domain.PolicySource. A reload that fails validation keeps the previous snapshot.
type SnapshotProvider struct {
	*storage.MemoryDirectory

	path     string
	debounce time.Duration
	onReload func(error)
	logger   *slog.Logger
	validate *validator.Validate

	reloadMu   sync.Mutex
	current    Snapshot
	generation int64

	subMu       sync.Mutex
	subscribers []chan domain.SnapshotChange

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotProvider loads path and starts watching it. A missing file starts an
// empty snapshot (every request is denied) and is picked up once created; a file
// that exists but does not validate is an error.
func NewSnapshotProvider(path string, opts ProviderOptions) (*SnapshotProvider, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	p := &SnapshotProvider{
		MemoryDirectory: storage.NewMemoryDirectory(domain.Snapshot{}),
		path:            absPath,
		debounce:        opts.Debounce,
		onReload:        opts.OnReload,
		logger:          opts.Logger,
		validate:        newValidator(),
		done:            make(chan struct{}),
	}

	if err := p.Reload(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		p.logger.Warn("governance snapshot not found, starting empty", "path", absPath)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Editors replace files by rename, so the directory is watched.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}
	p.watcher = watcher

	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.watchLoop(ctx)

	return p, nil
}

// CurrentSnapshot returns the current governance data.
func (p *SnapshotProvider) CurrentSnapshot() domain.Snapshot {
	return p.Snapshot()
}

// Subscribe returns a channel of snapshot changes; the current snapshot is delivered
// first. Changes are merged rather than dropped when the subscriber falls behind.
func (p *SnapshotProvider) Subscribe() <-chan domain.SnapshotChange {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	ch := make(chan domain.SnapshotChange, 1)
	ch <- domain.Initial(p.Snapshot())
	p.subscribers = append(p.subscribers, ch)
	return ch
}

// Reload reads, validates and installs the snapshot file.
func (p *SnapshotProvider) Reload() error {
	p.reloadMu.Lock()
	defer p.reloadMu.Unlock()

	err := p.reloadLocked()
	if p.onReload != nil {
		p.onReload(err)
	}
	return err
}

func (p *SnapshotProvider) reloadLocked() error {
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read snapshot %s: %w", p.path, err)
	}

	var next Snapshot
	if err := yaml.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("parse snapshot %s: %w", p.path, err)
	}
	if err := next.Validate(p.validate); err != nil {
		return err
	}
	snap, err := next.ToDomain()
	if err != nil {
		return fmt.Errorf("convert snapshot: %w", err)
	}

	if snap.Generation <= p.generation {
		snap.Generation = p.generation + 1
	}
	snap.Timestamp = time.Now().UTC()
	change := diff(p.current, next)
	change.Snapshot = snap

	p.MemoryDirectory.Replace(snap)
	p.current = next
	p.generation = snap.Generation

	p.logger.Info("governance snapshot loaded",
		"path", p.path,
		"generation", snap.Generation,
		"principals", len(snap.Principals),
		"roles", snap.Roles.Len(),
		"policies", len(snap.Policies),
	)
	p.publish(change)
	return nil
}

func (p *SnapshotProvider) publish(change domain.SnapshotChange) {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	for _, ch := range p.subscribers {
		select {
		case ch <- change:
			continue
		default:
		}
		// The subscriber has an undelivered change: fold it into this one.
		merged := change
		select {
		case pending := <-ch:
			merged = pending.Merge(change)
		default:
		}
		ch <- merged
	}
}

// Close stops the watcher and closes subscriber channels.
func (p *SnapshotProvider) Close() error {
	p.cancel()
	err := p.watcher.Close()
	<-p.done

	p.subMu.Lock()
	for _, ch := range p.subscribers {
		close(ch)
	}
	p.subscribers = nil
	p.subMu.Unlock()
	return err
}

func (p *SnapshotProvider) watchLoop(ctx context.Context) {
	defer close(p.done)

	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != p.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(p.debounce, func() {
				if ctx.Err() != nil {
					return
				}
				if err := p.Reload(); err != nil {
					p.logger.Error("governance snapshot reload failed, keeping previous", "path", p.path, "error", err)
				}
			})
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			p.logger.Warn("snapshot watcher error", "error", err)
		}
	}
}

var (
	_ domain.SnapshotService = (*SnapshotProvider)(nil)
	_ domain.Directory       = (*SnapshotProvider)(nil)
	_ domain.PolicySource    = (*SnapshotProvider)(nil)
)
