package watcher

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
)

// Inbox watches a directory tree for new and changed files.
type Inbox struct {
	root      string
	opts      Options
	logger    *slog.Logger
	fsw       *fsnotify.Watcher
	debouncer *Debouncer
	errs      chan error
	runOnce   sync.Once
}

// NewInbox creates a watcher for root. fsnotify is tried first; on failure
// the inbox is polled instead.
func NewInbox(root string, opts Options, logger *slog.Logger) (*Inbox, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve inbox path: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat inbox: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("inbox %s is not a directory", abs)
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.WithDefaults()

	in := &Inbox{
		root:      abs,
		opts:      opts,
		logger:    logger,
		debouncer: NewDebouncer(opts.DebounceWindow, opts.EventBufferSize, logger),
		errs:      make(chan error, 10),
	}
	if !opts.ForcePolling {
		fsw, err := fsnotify.NewWatcher()
		if err != nil {
			logger.Warn("watch_fsnotify_unavailable", slog.String("error", err.Error()))
		} else {
			in.fsw = fsw
		}
	}
	return in, nil
}

// Root returns the absolute inbox path.
func (in *Inbox) Root() string { return in.root }

// Mode returns "fsnotify" or "polling".
func (in *Inbox) Mode() string {
	if in.fsw != nil {
		return "fsnotify"
	}
	return "polling"
}

// Events returns debounced batches. The channel closes when Run returns.
func (in *Inbox) Events() <-chan []FileEvent { return in.debouncer.Output() }

// Errors returns non-fatal watch errors.
func (in *Inbox) Errors() <-chan error { return in.errs }

// Run watches until ctx is cancelled. It may be called once.
func (in *Inbox) Run(ctx context.Context) error {
	err := errors.New("inbox already running")
	in.runOnce.Do(func() {
		defer in.debouncer.Stop()
		in.logger.Info("watch_started", slog.String("inbox", in.root), slog.String("mode", in.Mode()))
		if in.fsw != nil {
			err = in.runFsnotify(ctx)
		} else {
			err = newPoller(in.root, in.opts.PollInterval).run(ctx, in.debouncer.Add, in.emitError)
		}
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	})
	return err
}

func (in *Inbox) runFsnotify(ctx context.Context) error {
	defer func() { _ = in.fsw.Close() }()
	if err := in.addTree(in.root); err != nil {
		return fmt.Errorf("watch inbox: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-in.fsw.Events:
			if !ok {
				return nil
			}
			in.handle(ev)
		case err, ok := <-in.fsw.Errors:
			if !ok {
				return nil
			}
			in.emitError(err)
		}
	}
}

func (in *Inbox) handle(ev fsnotify.Event) {
	if Ignored(in.root, ev.Name) {
		return
	}
	isDir := false
	if info, err := os.Stat(ev.Name); err == nil {
		isDir = info.IsDir()
	}

	var op Operation
	switch {
	case ev.Has(fsnotify.Create):
		op = OpCreate
		if isDir {
			// Files may land in the new directory before it is watched.
			if err := in.addTree(ev.Name); err != nil {
				in.emitError(err)
			}
			in.seedDir(ev.Name)
			return
		}
	case ev.Has(fsnotify.Write):
		op = OpModify
	case ev.Has(fsnotify.Remove):
		op = OpDelete
	case ev.Has(fsnotify.Rename):
		op = OpRename
	default:
		return
	}
	in.debouncer.Add(FileEvent{Path: ev.Name, Operation: op, IsDir: isDir, Timestamp: time.Now()})
}

// seedDir reports files already present in a directory that was just created.
func (in *Inbox) seedDir(dir string) {
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || Ignored(in.root, path) {
			return nil
		}
		in.debouncer.Add(FileEvent{Path: path, Operation: OpCreate, Timestamp: time.Now()})
		return nil
	})
}

func (in *Inbox) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		if path != in.root && Ignored(in.root, path) {
			return filepath.SkipDir
		}
		return in.fsw.Add(path)
	})
}

func (in *Inbox) emitError(err error) {
	in.logger.Warn("watch_error", slog.String("error", err.Error()))
	select {
	case in.errs <- err:
	default:
	}
}
