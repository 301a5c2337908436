// Package watcher reports files that appear or change under an inbox
// directory. fsnotify is the primary mechanism; directory polling takes over
// where fsnotify cannot be initialized (network mounts, some containers).
//
// Raw events are debounced per path so that an editor or a copy that writes a
// file in several steps produces one event once the writes settle.
package watcher

import (
	"path/filepath"
	"strings"
	"time"
)

// Operation is a file system operation.
type Operation int

const (
	OpCreate Operation = iota
	OpModify
	OpDelete
	OpRename
)

// String returns the operation name.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// FileEvent is one observed change.
type FileEvent struct {
	// Path is absolute.
	Path      string
	Operation Operation
	IsDir     bool
	Timestamp time.Time
}

// Ingestible reports whether the event names a file that should be picked up.
func (e FileEvent) Ingestible() bool {
	return !e.IsDir && (e.Operation == OpCreate || e.Operation == OpModify)
}

// Options configures an inbox watcher.
type Options struct {
	// DebounceWindow is how long a path must stay quiet before it is emitted.
	DebounceWindow time.Duration

	// PollInterval is the scan interval in polling mode.
	PollInterval time.Duration

	// EventBufferSize bounds the batch channel.
	EventBufferSize int

	// ForcePolling skips fsnotify.
	ForcePolling bool
}

// DefaultOptions returns the default options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:  500 * time.Millisecond,
		PollInterval:    5 * time.Second,
		EventBufferSize: 100,
	}
}

// WithDefaults fills zero values.
func (o Options) WithDefaults() Options {
	d := DefaultOptions()
	if o.DebounceWindow <= 0 {
		o.DebounceWindow = d.DebounceWindow
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.EventBufferSize <= 0 {
		o.EventBufferSize = d.EventBufferSize
	}
	return o
}

// partialSuffixes mark files still being written by browsers, editors and rsync.
var partialSuffixes = []string{"~", ".tmp", ".part", ".partial", ".crdownload", ".swp"}

// Ignored reports whether a path is hidden or a partial download.
// Hidden directories hide everything below them.
func Ignored(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return true
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") {
			return true
		}
	}
	name := strings.ToLower(filepath.Base(path))
	for _, s := range partialSuffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
