package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIgnored(t *testing.T) {
	root := "/inbox"
	tests := []struct {
		path string
		want bool
	}{
		{"/inbox/note.md", false},
		{"/inbox/sub/scan.pdf", false},
		{"/inbox/.hidden.md", true},
		{"/inbox/.cache/note.md", true},
		{"/inbox/download.pdf.crdownload", true},
		{"/inbox/draft.md~", true},
		{"/inbox/upload.PART", true},
		{"/inbox", true},
		{"/elsewhere/note.md", true},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			assert.Equal(t, tt.want, Ignored(root, tt.path))
		})
	}
}

func TestFileEvent_Ingestible(t *testing.T) {
	assert.True(t, FileEvent{Operation: OpCreate}.Ingestible())
	assert.True(t, FileEvent{Operation: OpModify}.Ingestible())
	assert.False(t, FileEvent{Operation: OpDelete}.Ingestible())
	assert.False(t, FileEvent{Operation: OpCreate, IsDir: true}.Ingestible())
}

func TestPoller_Diff(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep.md")
	gone := filepath.Join(dir, "gone.md")
	require.NoError(t, os.WriteFile(keep, []byte("one"), 0o644))
	require.NoError(t, os.WriteFile(gone, []byte("two"), 0o644))

	p := newPoller(dir, time.Second)
	baseline, err := p.walk()
	require.NoError(t, err)
	p.state = baseline

	// Given: one file changed, one removed, one added, one hidden
	require.NoError(t, os.WriteFile(keep, []byte("one, longer"), 0o644))
	require.NoError(t, os.Remove(gone))
	added := filepath.Join(dir, "sub", "new.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(added), 0o755))
	require.NoError(t, os.WriteFile(added, []byte("three"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".DS_Store"), []byte("x"), 0o644))

	// When
	events, err := p.diff()

	// Then
	require.NoError(t, err)
	ops := map[string]Operation{}
	for _, ev := range events {
		ops[ev.Path] = ev.Operation
	}
	assert.Equal(t, map[string]Operation{keep: OpModify, gone: OpDelete, added: OpCreate}, ops)
}

func waitFor(t *testing.T, in *Inbox, path string) FileEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case batch, ok := <-in.Events():
			require.True(t, ok, "events closed")
			for _, ev := range batch {
				if ev.Path == path {
					return ev
				}
			}
		case <-deadline:
			t.Fatalf("no event for %s", path)
		}
	}
}

func TestInbox_ReportsNewFiles(t *testing.T) {
	for _, polling := range []bool{false, true} {
		t.Run(map[bool]string{false: "fsnotify", true: "polling"}[polling], func(t *testing.T) {
			dir := t.TempDir()
			in, err := NewInbox(dir, Options{
				DebounceWindow: 20 * time.Millisecond,
				PollInterval:   20 * time.Millisecond,
				ForcePolling:   polling,
			}, nil)
			require.NoError(t, err)
			if polling {
				assert.Equal(t, "polling", in.Mode())
			}

			ctx, cancel := context.WithCancel(context.Background())
			done := make(chan error, 1)
			go func() { done <- in.Run(ctx) }()
			time.Sleep(100 * time.Millisecond)

			// When: a file lands in the inbox
			path := filepath.Join(dir, "note.md")
			require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

			// Then
			ev := waitFor(t, in, path)
			assert.True(t, ev.Ingestible())

			cancel()
			assert.NoError(t, <-done)
		})
	}
}

func TestNewInbox_RequiresDirectory(t *testing.T) {
	file := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(file, nil, 0o644))

	_, err := NewInbox(file, Options{}, nil)
	assert.Error(t, err)

	_, err = NewInbox(filepath.Join(t.TempDir(), "missing"), Options{}, nil)
	assert.Error(t, err)
}
