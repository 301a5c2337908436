// Package ingest turns inbox files into staged documents. Each file is a
// persisted task that moves pending -> processing -> succeeded, back to
// pending with backoff after a transient failure, or to the dead-letter
// state after a permanent failure or too many attempts.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/amankb/internal/config"
	kberrors "github.com/Aman-CERP/amankb/internal/errors"
	"github.com/Aman-CERP/amankb/internal/index"
	"github.com/Aman-CERP/amankb/internal/store"
	"github.com/Aman-CERP/amankb/internal/watcher"
)

// Task stages.
const (
	StageTransform = "transform"
	StageIndex     = "index"
	StageDone      = "done"
)

// Defaults.
const (
	DefaultWorkers      = 4
	DefaultMaxAttempts  = 3
	DefaultTaskTimeout  = 5 * time.Minute
	DefaultPollInterval = 2 * time.Second
)

// ItemTransformer produces text for a file. *Router implements it.
type ItemTransformer interface {
	Transform(ctx context.Context, path string) (*Item, error)
}

// DocumentStager stores a transformed item. *Stager implements it.
type DocumentStager interface {
	Stage(ctx context.Context, docID string, item *Item) (bool, error)
}

// Committer publishes staged documents. *index.Manager implements it.
type Committer interface {
	Rebuild(ctx context.Context, full bool) (*index.BuildResult, error)
}

// Config configures the pipeline.
type Config struct {
	Workers     int
	MaxAttempts int
	// Backoff computes next_attempt_at after the n-th failed attempt.
	Backoff      kberrors.RetryConfig
	TaskTimeout  time.Duration
	PollInterval time.Duration
	Logger       *slog.Logger

	// Now is the pipeline clock. Nil means time.Now.
	Now func() time.Time
}

// ConfigFrom maps the ingest configuration section.
func ConfigFrom(c config.IngestConfig) Config {
	return Config{
		Workers:     c.Workers,
		MaxAttempts: c.MaxAttempts,
		Backoff: kberrors.RetryConfig{
			MaxAttempts:  c.MaxAttempts,
			InitialDelay: c.InitialBackoff.D(),
			MaxDelay:     c.MaxBackoff.D(),
			Multiplier:   2,
			Jitter:       true,
		},
		TaskTimeout:  c.TaskTimeout.D(),
		PollInterval: c.PollInterval.D(),
	}
}

// Status summarizes the task table.
type Status struct {
	Processed       int `json:"processed"`
	RetryTotal      int `json:"retry_total"`
	DeadLetterCount int `json:"deadletter_count"`
	Pending         int `json:"pending"`
	Processing      int `json:"processing"`
}

// RoundResult reports one pass over the due tasks.
type RoundResult struct {
	Claimed      int                `json:"claimed"`
	Succeeded    int                `json:"succeeded"`
	Changed      int                `json:"changed"`
	Retried      int                `json:"retried"`
	DeadLettered int                `json:"dead_lettered"`
	Build        *index.BuildResult `json:"build,omitempty"`
}

// Pipeline runs ingestion tasks on a bounded worker pool.
type Pipeline struct {
	tasks     store.TaskStore
	transform ItemTransformer
	stager    DocumentStager
	committer Committer
	cfg       Config
	logger    *slog.Logger
	wake      chan struct{}
}

// New creates a pipeline. committer may be nil, in which case staged
// documents wait for an explicit rebuild.
func New(tasks store.TaskStore, transform ItemTransformer, stager DocumentStager, committer Committer, cfg Config) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Backoff.Multiplier == 0 {
		cfg.Backoff.Multiplier = 2
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		tasks:     tasks,
		transform: transform,
		stager:    stager,
		committer: committer,
		cfg:       cfg,
		logger:    cfg.Logger,
		wake:      make(chan struct{}, 1),
	}
}

func (p *Pipeline) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Enqueue adds a pending task for path. It reports false when a task for the
// path is already pending, in flight or dead-lettered.
func (p *Pipeline) Enqueue(ctx context.Context, path string) (string, bool, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", false, kberrors.Validation("invalid path", err)
	}
	id, err := ItemID(abs)
	if err != nil {
		return "", false, kberrors.Validation("invalid path", err)
	}
	queued, err := p.tasks.EnqueueTask(ctx, &store.Task{
		ID:            id,
		Path:          abs,
		Stage:         StageTransform,
		NextAttemptAt: p.cfg.Now(),
	})
	if err != nil {
		return "", false, kberrors.New(kberrors.ErrCodeStorageFailed, "enqueue task", err)
	}
	if queued {
		p.logger.Debug("ingest_enqueued", slog.String("task_id", id), slog.String("path", abs))
		p.signal()
	}
	return id, queued, nil
}

// EnqueuePaths enqueues files and, recursively, the files under directories.
// Hidden files and partial downloads are skipped. Returns how many were queued.
func (p *Pipeline) EnqueuePaths(ctx context.Context, paths ...string) (int, error) {
	queued := 0
	for _, root := range paths {
		abs, err := filepath.Abs(root)
		if err != nil {
			return queued, kberrors.Validation("invalid path", err)
		}
		err = filepath.WalkDir(abs, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				if path == abs {
					return err
				}
				return nil
			}
			if path != abs && watcher.Ignored(abs, path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return nil
			}
			_, ok, err := p.Enqueue(ctx, path)
			if err != nil {
				return err
			}
			if ok {
				queued++
			}
			return nil
		})
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return queued, kberrors.Validation(fmt.Sprintf("path %s does not exist", root), err)
			}
			return queued, err
		}
	}
	return queued, nil
}

type roundCounter struct {
	mu  sync.Mutex
	res RoundResult
}

func (c *roundCounter) add(fn func(r *RoundResult)) {
	c.mu.Lock()
	fn(&c.res)
	c.mu.Unlock()
}

// RunOnce claims every due task, processes them on the worker pool and, when
// any document changed, commits one incremental build.
func (p *Pipeline) RunOnce(ctx context.Context) (*RoundResult, error) {
	var counter roundCounter
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)

	var claimErr error
	for gctx.Err() == nil {
		task, err := p.tasks.ClaimTask(gctx, p.cfg.Now())
		if err != nil {
			if gctx.Err() == nil {
				claimErr = kberrors.New(kberrors.ErrCodeStorageFailed, "claim task", err)
			}
			break
		}
		if task == nil {
			break
		}
		counter.add(func(r *RoundResult) { r.Claimed++ })
		g.Go(func() error {
			return p.process(gctx, task, &counter)
		})
	}
	err := errors.Join(g.Wait(), claimErr)
	res := counter.res

	if res.Changed > 0 && p.committer != nil && ctx.Err() == nil {
		build, cerr := p.committer.Rebuild(ctx, false)
		if cerr != nil {
			p.logger.Error("ingest_commit_failed", kberrors.LogAttr(cerr))
			err = errors.Join(err, cerr)
		} else {
			res.Build = build
		}
	}

	if res.Claimed > 0 {
		p.logger.Info("ingest_round_completed",
			slog.Int("claimed", res.Claimed),
			slog.Int("succeeded", res.Succeeded),
			slog.Int("changed", res.Changed),
			slog.Int("retried", res.Retried),
			slog.Int("dead_lettered", res.DeadLettered))
	}
	return &res, err
}

// process runs one attempt and records its outcome. Only fatal errors are
// returned, which stops the round.
func (p *Pipeline) process(ctx context.Context, task *store.Task, counter *roundCounter) error {
	tctx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	changed, err := p.attempt(tctx, task)
	cancel()

	// The outcome must be recorded even when the round is being cancelled.
	wctx := context.WithoutCancel(ctx)
	log := p.logger.With(slog.String("task_id", task.ID), slog.String("path", task.Path))

	switch {
	case err == nil:
		task.Status = store.TaskSucceeded
		task.Stage = StageDone
		task.LastError = ""
		counter.add(func(r *RoundResult) {
			r.Succeeded++
			if changed {
				r.Changed++
			}
		})
		log.Info("ingest_succeeded", slog.Bool("changed", changed))

	case ctx.Err() != nil:
		// Shutdown, not a failure of the item.
		task.Status = store.TaskPending
		task.NextAttemptAt = p.cfg.Now()
		log.Debug("ingest_interrupted")

	case kberrors.IsFatal(err):
		task.Status = store.TaskPending
		task.LastError = err.Error()
		task.NextAttemptAt = p.cfg.Now()
		log.Error("ingest_fatal", kberrors.LogAttr(err))
		if uerr := p.tasks.UpdateTask(wctx, task); uerr != nil {
			log.Error("ingest_update_failed", slog.String("error", uerr.Error()))
		}
		return err

	case kberrors.IsPermanent(err):
		task.Status = store.TaskDeadLetter
		task.LastError = err.Error()
		counter.add(func(r *RoundResult) { r.DeadLettered++ })
		log.Warn("ingest_dead_letter", slog.String("stage", task.Stage), kberrors.LogAttr(err))

	default:
		task.RetryCount++
		task.LastError = err.Error()
		if task.RetryCount >= p.cfg.MaxAttempts {
			task.Status = store.TaskDeadLetter
			counter.add(func(r *RoundResult) { r.DeadLettered++ })
			log.Warn("ingest_dead_letter",
				slog.String("stage", task.Stage),
				slog.Int("attempts", task.RetryCount),
				kberrors.LogAttr(err))
		} else {
			delay := p.cfg.Backoff.Delay(task.RetryCount)
			task.Status = store.TaskPending
			task.NextAttemptAt = p.cfg.Now().Add(delay)
			counter.add(func(r *RoundResult) { r.Retried++ })
			log.Warn("ingest_retry",
				slog.String("stage", task.Stage),
				slog.Int("attempt", task.RetryCount),
				slog.Duration("backoff", delay),
				kberrors.LogAttr(err))
		}
	}

	if err := p.tasks.UpdateTask(wctx, task); err != nil {
		log.Error("ingest_update_failed", slog.String("error", err.Error()))
	}
	return nil
}

func (p *Pipeline) attempt(ctx context.Context, task *store.Task) (bool, error) {
	task.Stage = StageTransform
	item, err := p.transform.Transform(ctx, task.Path)
	if err != nil {
		return false, err
	}
	task.Stage = StageIndex
	return p.stager.Stage(ctx, task.ID, item)
}

// Run recovers tasks left in processing and then processes rounds until ctx
// ends, waking on new tasks or every poll interval.
func (p *Pipeline) Run(ctx context.Context) error {
	if n, err := p.tasks.RecoverTasks(ctx); err != nil {
		return kberrors.New(kberrors.ErrCodeStorageFailed, "recover tasks", err)
	} else if n > 0 {
		p.logger.Info("ingest_recovered", slog.Int("tasks", n))
	}

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if kberrors.IsFatal(err) {
				return err
			}
			p.logger.Warn("ingest_round_failed", kberrors.LogAttr(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

// Drain processes rounds until no task is due. Tasks waiting on backoff are
// left for a later run.
func (p *Pipeline) Drain(ctx context.Context) (*RoundResult, error) {
	if _, err := p.tasks.RecoverTasks(ctx); err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "recover tasks", err)
	}
	var total RoundResult
	for {
		res, err := p.RunOnce(ctx)
		if res != nil {
			total.Claimed += res.Claimed
			total.Succeeded += res.Succeeded
			total.Changed += res.Changed
			total.Retried += res.Retried
			total.DeadLettered += res.DeadLettered
			if res.Build != nil {
				total.Build = res.Build
			}
		}
		if err != nil {
			return &total, err
		}
		if res.Claimed == 0 {
			return &total, nil
		}
	}
}

// Watch enqueues the files already in the inbox, then follows it and runs the
// pipeline until ctx ends.
func (p *Pipeline) Watch(ctx context.Context, inbox *watcher.Inbox) error {
	if _, err := p.EnqueuePaths(ctx, inbox.Root()); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return inbox.Run(gctx) })
	g.Go(func() error { return p.Run(gctx) })
	g.Go(func() error {
		for batch := range inbox.Events() {
			for _, ev := range batch {
				if !ev.Ingestible() {
					continue
				}
				if _, _, err := p.Enqueue(gctx, ev.Path); err != nil && gctx.Err() == nil {
					p.logger.Warn("ingest_enqueue_failed", slog.String("path", ev.Path), kberrors.LogAttr(err))
				}
			}
		}
		return nil
	})
	return g.Wait()
}

// Reprocess moves a dead-lettered task back to pending with a fresh retry budget.
func (p *Pipeline) Reprocess(ctx context.Context, taskID string) error {
	task, err := p.tasks.GetTask(ctx, taskID)
	if err != nil {
		return kberrors.New(kberrors.ErrCodeStorageFailed, "load task", err)
	}
	if task == nil {
		return kberrors.New(kberrors.ErrCodeNotFound, fmt.Sprintf("task %s not found", taskID), nil).
			WithSuggestion("List dead letters to see valid task ids")
	}
	if task.Status != store.TaskDeadLetter {
		return kberrors.New(kberrors.ErrCodeInvalidState,
			fmt.Sprintf("task %s is %s, only dead letters can be reprocessed", taskID, task.Status), nil)
	}
	if err := p.tasks.ResetTask(ctx, taskID, p.cfg.Now()); err != nil {
		return kberrors.New(kberrors.ErrCodeStorageFailed, "reset task", err)
	}
	p.logger.Info("ingest_reprocess", slog.String("task_id", taskID), slog.String("path", task.Path))
	p.signal()
	return nil
}

// ReprocessAll resets every dead-lettered task and returns how many were reset.
func (p *Pipeline) ReprocessAll(ctx context.Context) (int, error) {
	dead, err := p.DeadLetters(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, t := range dead {
		if err := p.Reprocess(ctx, t.ID); err != nil {
			if kberrors.GetCode(err) == kberrors.ErrCodeInvalidState {
				continue
			}
			return n, err
		}
		n++
	}
	return n, nil
}

// DeadLetters lists dead-lettered tasks with their last error.
func (p *Pipeline) DeadLetters(ctx context.Context) ([]*store.Task, error) {
	tasks, err := p.tasks.ListTasks(ctx, store.TaskDeadLetter)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "list dead letters", err)
	}
	return tasks, nil
}

// Status returns the task counters.
func (p *Pipeline) Status(ctx context.Context) (*Status, error) {
	counts, err := p.tasks.TaskCounts(ctx)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "count tasks", err)
	}
	retries, err := p.tasks.RetryTotal(ctx)
	if err != nil {
		return nil, kberrors.New(kberrors.ErrCodeStorageFailed, "sum retries", err)
	}
	return &Status{
		Processed:       counts[store.TaskSucceeded],
		RetryTotal:      retries,
		DeadLetterCount: counts[store.TaskDeadLetter],
		Pending:         counts[store.TaskPending],
		Processing:      counts[store.TaskProcessing],
	}, nil
}
