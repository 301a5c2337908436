package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/internal/index"
	"github.com/Aman-CERP/amankb/internal/store"
)

// scriptedTransformer returns queued errors for a path before succeeding.
type scriptedTransformer struct {
	mu    sync.Mutex
	errs  map[string][]error
	calls map[string]int
}

func newScriptedTransformer() *scriptedTransformer {
	return &scriptedTransformer{errs: map[string][]error{}, calls: map[string]int{}}
}

func (s *scriptedTransformer) failNext(path string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs[path] = append(s.errs[path], errs...)
}

func (s *scriptedTransformer) callCount(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[path]
}

func (s *scriptedTransformer) Transform(_ context.Context, path string) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[path]++
	if q := s.errs[path]; len(q) > 0 {
		s.errs[path] = q[1:]
		return nil, q[0]
	}
	return &Item{Path: path, Title: filepath.Base(path), Text: "text of " + filepath.Base(path)}, nil
}

type fakeStager struct {
	mu     sync.Mutex
	staged map[string]int
	same   bool
}

func (f *fakeStager) Stage(_ context.Context, docID string, _ *Item) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.staged == nil {
		f.staged = map[string]int{}
	}
	f.staged[docID]++
	return !f.same, nil
}

type fakeCommitter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeCommitter) Rebuild(context.Context, bool) (*index.BuildResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &index.BuildResult{Version: f.calls}, nil
}

// fakeClock is a settable clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type pipelineEnv struct {
	tasks     *store.SQLiteStore
	transform *scriptedTransformer
	stager    *fakeStager
	committer *fakeCommitter
	clock     *fakeClock
	p         *Pipeline
}

func newPipelineEnv(t *testing.T) *pipelineEnv {
	t.Helper()
	st, err := store.NewSQLiteStore("", store.DriverModernc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	env := &pipelineEnv{
		tasks:     st,
		transform: newScriptedTransformer(),
		stager:    &fakeStager{},
		committer: &fakeCommitter{},
		clock:     &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
	}
	env.p = New(st, env.transform, env.stager, env.committer, Config{
		Workers:     2,
		MaxAttempts: 3,
		Backoff:     kberrors.RetryConfig{InitialDelay: time.Minute, MaxDelay: time.Hour, Multiplier: 2},
		Now:         env.clock.Now,
	})
	return env
}

// drainWithBackoff runs rounds, moving the clock past any backoff in between.
func (e *pipelineEnv) drainWithBackoff(t *testing.T, rounds int) {
	t.Helper()
	for range rounds {
		_, err := e.p.RunOnce(context.Background())
		require.NoError(t, err)
		e.clock.Advance(2 * time.Hour)
	}
}

func (e *pipelineEnv) enqueue(t *testing.T, path string) string {
	t.Helper()
	id, queued, err := e.p.Enqueue(context.Background(), path)
	require.NoError(t, err)
	require.True(t, queued)
	return id
}

func connRefused() error {
	return kberrors.Transient("ocr service unreachable", errors.New("dial tcp 127.0.0.1:8001: connect: connection refused"))
}

func TestPipeline_SuccessCommitsOncePerRound(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	// Given: three queued files
	for _, name := range []string{"a.md", "b.md", "c.md"} {
		env.enqueue(t, filepath.Join("/inbox", name))
	}

	// When
	res, err := env.p.RunOnce(ctx)

	// Then: all succeed and one build publishes them
	require.NoError(t, err)
	assert.Equal(t, 3, res.Claimed)
	assert.Equal(t, 3, res.Succeeded)
	assert.Equal(t, 3, res.Changed)
	assert.Equal(t, 1, env.committer.calls)
	require.NotNil(t, res.Build)

	status, err := env.p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Status{Processed: 3}, status)
}

func TestPipeline_UnchangedSkipsCommit(t *testing.T) {
	env := newPipelineEnv(t)
	env.stager.same = true
	env.enqueue(t, "/inbox/a.md")

	res, err := env.p.RunOnce(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 0, res.Changed)
	assert.Equal(t, 0, env.committer.calls)
}

func TestPipeline_RetryBound(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	path := "/inbox/scan.pdf"
	id := env.enqueue(t, path)

	// Given: the transform always fails with a connection error
	env.transform.failNext(path, connRefused(), connRefused(), connRefused(), connRefused(), connRefused())

	// When: more rounds than attempts
	env.drainWithBackoff(t, 6)

	// Then: exactly three attempts, then dead letter with the last error
	assert.Equal(t, 3, env.transform.callCount(path))
	task, err := env.tasks.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDeadLetter, task.Status)
	assert.Equal(t, 3, task.RetryCount)
	assert.Contains(t, task.LastError, "connection refused")
	assert.Equal(t, StageTransform, task.Stage)

	status, err := env.p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, status.DeadLetterCount)
	assert.Equal(t, 3, status.RetryTotal)
}

func TestPipeline_BackoffDelaysRetry(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	path := "/inbox/memo.m4a"
	id := env.enqueue(t, path)
	env.transform.failNext(path, connRefused())

	// Given: one failed attempt
	res, err := env.p.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retried)

	task, err := env.tasks.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, 1, task.RetryCount)
	assert.True(t, task.NextAttemptAt.Equal(env.clock.Now().Add(time.Minute)))

	// When: a round before the backoff elapses
	res, err = env.p.RunOnce(ctx)

	// Then: nothing is due
	require.NoError(t, err)
	assert.Equal(t, 0, res.Claimed)

	// When: after the backoff
	env.clock.Advance(time.Minute)
	res, err = env.p.RunOnce(ctx)

	// Then
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
}

func TestPipeline_PermanentGoesStraightToDeadLetter(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	path := "/inbox/archive.zip"
	id := env.enqueue(t, path)
	env.transform.failNext(path, kberrors.Unsupported(".zip"))

	res, err := env.p.RunOnce(ctx)

	require.NoError(t, err)
	assert.Equal(t, 1, res.DeadLettered)
	assert.Equal(t, 1, env.transform.callCount(path))
	task, err := env.tasks.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskDeadLetter, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Contains(t, task.LastError, "unsupported format")
}

func TestPipeline_DeadLetterReprocess(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	path := "/inbox/receipt.jpg"
	id := env.enqueue(t, path)

	// Given: three consecutive connection errors
	env.transform.failNext(path, connRefused(), connRefused(), connRefused())
	env.drainWithBackoff(t, 3)

	dead, err := env.p.DeadLetters(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, id, dead[0].ID)
	assert.Equal(t, store.TaskDeadLetter, dead[0].Status)

	// When: reprocessing the task
	require.NoError(t, env.p.Reprocess(ctx, id))

	task, err := env.tasks.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, 0, task.RetryCount)
	assert.Empty(t, task.LastError)

	res, err := env.p.RunOnce(ctx)

	// Then: it succeeds and leaves the dead-letter listing
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	dead, err = env.p.DeadLetters(ctx)
	require.NoError(t, err)
	assert.Empty(t, dead)
	assert.Equal(t, 4, env.transform.callCount(path))
}

func TestPipeline_ReprocessRejectsLiveTasks(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	id := env.enqueue(t, "/inbox/a.md")

	err := env.p.Reprocess(ctx, id)
	assert.Equal(t, kberrors.ErrCodeInvalidState, kberrors.GetCode(err))

	err = env.p.Reprocess(ctx, "no-such-task")
	assert.Equal(t, kberrors.ErrCodeNotFound, kberrors.GetCode(err))
}

func TestPipeline_ReprocessAll(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	for _, p := range []string{"/inbox/a.xyz", "/inbox/b.xyz"} {
		env.enqueue(t, p)
		env.transform.failNext(p, kberrors.Unsupported(".xyz"))
	}
	_, err := env.p.RunOnce(ctx)
	require.NoError(t, err)

	n, err := env.p.ReprocessAll(ctx)

	require.NoError(t, err)
	assert.Equal(t, 2, n)
	status, err := env.p.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, status.Pending)
	assert.Equal(t, 0, status.DeadLetterCount)
}

func TestPipeline_FatalStopsRound(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()
	path := "/inbox/a.md"
	id := env.enqueue(t, path)
	env.transform.failNext(path, kberrors.DimensionMismatch("m", 768, 384))

	_, err := env.p.RunOnce(ctx)

	require.Error(t, err)
	assert.True(t, kberrors.IsFatal(err))
	task, gerr := env.tasks.GetTask(ctx, id)
	require.NoError(t, gerr)
	assert.Equal(t, store.TaskPending, task.Status)
	assert.Equal(t, 0, task.RetryCount)
}

func TestPipeline_CommitFailureReported(t *testing.T) {
	env := newPipelineEnv(t)
	env.committer.err = kberrors.IndexBuild("build failed", errors.New("disk full"))
	env.enqueue(t, "/inbox/a.md")

	res, err := env.p.RunOnce(context.Background())

	require.Error(t, err)
	assert.Equal(t, kberrors.ErrCodeIndexBuildFailed, kberrors.GetCode(err))
	assert.Equal(t, 1, res.Succeeded)
	assert.Nil(t, res.Build)
}

func TestPipeline_EnqueueIsIdempotentWhilePending(t *testing.T) {
	env := newPipelineEnv(t)
	ctx := context.Background()

	id1, queued, err := env.p.Enqueue(ctx, "/inbox/a.md")
	require.NoError(t, err)
	assert.True(t, queued)

	id2, queued, err := env.p.Enqueue(ctx, "/inbox/a.md")
	require.NoError(t, err)
	assert.False(t, queued)
	assert.Equal(t, id1, id2)

	// A succeeded task is queued again when the file changes.
	_, err = env.p.RunOnce(ctx)
	require.NoError(t, err)
	_, queued, err = env.p.Enqueue(ctx, "/inbox/a.md")
	require.NoError(t, err)
	assert.True(t, queued)
}

func TestPipeline_EnqueuePathsWalksDirectories(t *testing.T) {
	env := newPipelineEnv(t)
	dir := t.TempDir()
	for _, rel := range []string{"a.md", "sub/b.txt", ".hidden.md", ".git/config", "c.pdf.part"} {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte("x"), 0o644))
	}

	n, err := env.p.EnqueuePaths(context.Background(), dir)

	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = env.p.EnqueuePaths(context.Background(), filepath.Join(dir, "missing"))
	assert.Equal(t, kberrors.ErrCodeInvalidInput, kberrors.GetCode(err))
}

func TestPipeline_DrainStopsAtBackoff(t *testing.T) {
	env := newPipelineEnv(t)
	env.enqueue(t, "/inbox/a.md")
	env.enqueue(t, "/inbox/b.md")
	env.transform.failNext("/inbox/b.md", connRefused())

	res, err := env.p.Drain(context.Background())

	require.NoError(t, err)
	assert.Equal(t, 2, res.Claimed)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, 1, res.Retried)
}

func TestItemID_StableUUIDv5(t *testing.T) {
	a1, err := ItemID("/inbox/a.md")
	require.NoError(t, err)
	a2, err := ItemID("/inbox/sub/../a.md")
	require.NoError(t, err)
	b, err := ItemID("/inbox/b.md")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Len(t, a1, 36)
	assert.Equal(t, byte('5'), a1[14])
}
