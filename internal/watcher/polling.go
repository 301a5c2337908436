package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"
)

type snapshot struct {
	modTime time.Time
	size    int64
}

// poller detects changes by rescanning the inbox. It only tracks files.
type poller struct {
	root     string
	interval time.Duration
	state    map[string]snapshot
}

func newPoller(root string, interval time.Duration) *poller {
	return &poller{root: root, interval: interval, state: make(map[string]snapshot)}
}

func (p *poller) walk() (map[string]snapshot, error) {
	files := make(map[string]snapshot)
	err := filepath.WalkDir(p.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if path != p.root && Ignored(p.root, path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files[path] = snapshot{modTime: info.ModTime(), size: info.Size()}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan inbox: %w", err)
	}
	return files, nil
}

// diff rescans and returns events against the previous scan.
func (p *poller) diff() ([]FileEvent, error) {
	current, err := p.walk()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	var events []FileEvent
	for path, snap := range current {
		prev, ok := p.state[path]
		switch {
		case !ok:
			events = append(events, FileEvent{Path: path, Operation: OpCreate, Timestamp: now})
		case prev != snap:
			events = append(events, FileEvent{Path: path, Operation: OpModify, Timestamp: now})
		}
	}
	for path := range p.state {
		if _, ok := current[path]; !ok {
			events = append(events, FileEvent{Path: path, Operation: OpDelete, Timestamp: now})
		}
	}
	p.state = current
	return events, nil
}

// run takes a baseline scan and then reports changes until ctx ends.
func (p *poller) run(ctx context.Context, emit func(FileEvent), fail func(error)) error {
	baseline, err := p.walk()
	if err != nil {
		return err
	}
	p.state = baseline

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			events, err := p.diff()
			if err != nil {
				fail(err)
				continue
			}
			for _, ev := range events {
				emit(ev)
			}
		}
	}
}
