package watcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, d *Debouncer) []FileEvent {
	t.Helper()
	select {
	case batch := <-d.Output():
		return batch
	case <-time.After(2 * time.Second):
		t.Fatal("no batch emitted")
		return nil
	}
}

func TestDebouncer_MergeRules(t *testing.T) {
	tests := []struct {
		name  string
		ops   []Operation
		want  Operation
		empty bool
	}{
		{name: "create then modify", ops: []Operation{OpCreate, OpModify, OpModify}, want: OpCreate},
		{name: "create then delete", ops: []Operation{OpCreate, OpDelete}, empty: true},
		{name: "delete then create", ops: []Operation{OpDelete, OpCreate}, want: OpModify},
		{name: "modify then delete", ops: []Operation{OpModify, OpDelete}, want: OpDelete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDebouncer(time.Hour, 4, nil)
			defer d.Stop()

			// Given
			for _, op := range tt.ops {
				d.Add(FileEvent{Path: "/inbox/a.md", Operation: op})
			}

			// When
			d.Flush()

			// Then
			if tt.empty {
				select {
				case batch := <-d.Output():
					t.Fatalf("unexpected batch %v", batch)
				default:
				}
				return
			}
			batch := recv(t, d)
			require.Len(t, batch, 1)
			assert.Equal(t, tt.want, batch[0].Operation)
		})
	}
}

func TestDebouncer_QuietWindowBatchesPaths(t *testing.T) {
	d := NewDebouncer(20*time.Millisecond, 4, nil)
	defer d.Stop()

	// Given: events for two paths inside one window
	d.Add(FileEvent{Path: "/inbox/b.md", Operation: OpCreate})
	d.Add(FileEvent{Path: "/inbox/a.md", Operation: OpCreate})

	// Then: one batch sorted by path
	batch := recv(t, d)
	require.Len(t, batch, 2)
	assert.Equal(t, "/inbox/a.md", batch[0].Path)
	assert.Equal(t, "/inbox/b.md", batch[1].Path)
}

func TestDebouncer_StopIsIdempotent(t *testing.T) {
	d := NewDebouncer(time.Millisecond, 1, nil)
	d.Stop()
	d.Stop()
	d.Add(FileEvent{Path: "/x"})

	_, ok := <-d.Output()
	assert.False(t, ok)
}
