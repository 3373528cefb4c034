package bulk

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/supplier-backfill/internal/backfill"
	"github.com/sells-group/supplier-backfill/internal/model"
	"github.com/sells-group/supplier-backfill/internal/store"
)

// Job control errors.
var (
	ErrAlreadyRunning = eris.New("bulk: job already running")
	ErrDraining       = eris.New("bulk: workers are still finishing in-flight tasks")
	ErrNotRunning     = eris.New("bulk: job is not running")
	ErrNotPaused      = eris.New("bulk: job is not paused")
)

const maxConcurrency = 32

// Runner backfills one predicate.
type Runner interface {
	Backfill(ctx context.Context, pred model.SearchPredicate, target int) (*backfill.Result, error)
}

// Options configures a Job.
type Options struct {
	// Tasks builds a fresh queue for a new run.
	Tasks func() []model.BackfillTask
	// TargetCount is the scrape target per task.
	TargetCount int
	// Store persists snapshots. Nil keeps the job in memory only.
	Store store.JobStore
	// SyncInterval is how often a running job snapshots its queue.
	SyncInterval time.Duration
}

// Job is the single bulk backfill job of the process.
//
// State machine: IDLE -> RUNNING -> (PAUSED | COMPLETED); PAUSED -> RUNNING;
// RUNNING|PAUSED -> IDLE on stop. Pause and stop take effect at each
// worker's next task boundary; until every worker has exited the job
// reports RUNNING with Draining set.
type Job struct {
	runner       Runner
	tasks        func() []model.BackfillTask
	target       int
	jobs         store.JobStore
	syncInterval time.Duration

	mu          sync.Mutex
	id          string
	state       model.JobState
	queue       *Queue
	inFlight    map[uint64]model.BackfillTask
	seq         uint64
	draining    bool
	hardStop    bool
	concurrency int
	startedAt   *time.Time
	done        chan struct{}
	stopSync    context.CancelFunc

	stopping  atomic.Bool
	total     atomic.Int64
	completed atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64

	log *zap.Logger
}

// NewJob creates an idle job.
func NewJob(runner Runner, opts Options) *Job {
	if opts.TargetCount <= 0 {
		opts.TargetCount = 40
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = 5 * time.Second
	}
	done := make(chan struct{})
	close(done)
	return &Job{
		runner:       runner,
		tasks:        opts.Tasks,
		target:       opts.TargetCount,
		jobs:         opts.Store,
		syncInterval: opts.SyncInterval,
		state:        model.JobStateIdle,
		queue:        NewQueue(nil),
		inFlight:     make(map[uint64]model.BackfillTask),
		done:         done,
		log:          zap.L().With(zap.String("component", "bulk.job")),
	}
}

// Start begins a run. A paused job with tasks left is resumed instead; any
// other non-running job starts fresh with a newly built queue.
func (j *Job) Start(ctx context.Context, concurrency int) (model.JobProgress, error) {
	if err := validConcurrency(concurrency); err != nil {
		return j.Progress(), err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state == model.JobStateRunning {
		if j.draining {
			return j.progressLocked(), ErrDraining
		}
		return j.progressLocked(), ErrAlreadyRunning
	}
	if j.state == model.JobStatePaused && j.queue.Len() > 0 {
		j.launchLocked(ctx, concurrency)
		return j.progressLocked(), nil
	}

	var tasks []model.BackfillTask
	if j.tasks != nil {
		tasks = j.tasks()
	}
	now := time.Now().UTC()
	j.id = uuid.NewString()
	j.queue = NewQueue(tasks)
	j.startedAt = &now
	j.total.Store(int64(len(tasks)))
	j.completed.Store(0)
	j.succeeded.Store(0)
	j.failed.Store(0)

	j.log.Info("bulk job started",
		zap.String("job_id", j.id),
		zap.Int("tasks", len(tasks)),
		zap.Int("concurrency", concurrency),
	)

	if len(tasks) == 0 {
		j.state = model.JobStateCompleted
		j.saveLocked(ctx)
		return j.progressLocked(), nil
	}
	j.launchLocked(ctx, concurrency)
	return j.progressLocked(), nil
}

// Pause stops workers from taking new tasks. In-flight tasks finish and the
// queue is kept; the job becomes PAUSED once the last worker exits.
func (j *Job) Pause() (model.JobProgress, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state != model.JobStateRunning {
		return j.progressLocked(), ErrNotRunning
	}
	if !j.draining {
		j.stopping.Store(true)
		j.draining = true
		j.log.Info("bulk job pausing", zap.String("job_id", j.id), zap.Int("remaining", j.queue.Len()))
		j.saveLocked(context.Background())
	}
	return j.progressLocked(), nil
}

// Resume restarts workers against the preserved queue. A concurrency of 0
// reuses the previous run's worker count.
func (j *Job) Resume(ctx context.Context, concurrency int) (model.JobProgress, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if concurrency == 0 {
		concurrency = max(j.concurrency, 1)
	}
	if err := validConcurrency(concurrency); err != nil {
		return j.progressLocked(), err
	}

	switch {
	case j.state == model.JobStateRunning && j.draining:
		return j.progressLocked(), ErrDraining
	case j.state != model.JobStatePaused:
		return j.progressLocked(), ErrNotPaused
	}
	if j.queue.Len() == 0 {
		j.state = model.JobStateCompleted
		j.saveLocked(ctx)
		return j.progressLocked(), nil
	}
	j.launchLocked(ctx, concurrency)
	return j.progressLocked(), nil
}

// Stop clears the queue. A running job drains its in-flight tasks and then
// becomes IDLE; the next Start is a fresh run.
func (j *Job) Stop() model.JobProgress {
	j.mu.Lock()
	defer j.mu.Unlock()

	dropped := j.queue.Clear()
	j.log.Info("bulk job stopping", zap.String("job_id", j.id), zap.Int("dropped", dropped))

	if j.state == model.JobStateRunning {
		j.stopping.Store(true)
		j.draining = true
		j.hardStop = true
	} else {
		j.state = model.JobStateIdle
	}
	j.saveLocked(context.Background())
	return j.progressLocked()
}

// Wait blocks until the current run's workers have all exited.
func (j *Job) Wait(ctx context.Context) error {
	j.mu.Lock()
	done := j.done
	j.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown pauses a running job and waits for in-flight tasks so the saved
// snapshot can be resumed by the next process.
func (j *Job) Shutdown(ctx context.Context) error {
	if _, err := j.Pause(); err != nil && !eris.Is(err, ErrNotRunning) {
		return err
	}
	if err := j.Wait(ctx); err != nil {
		j.mu.Lock()
		j.saveLocked(context.Background())
		j.mu.Unlock()
		return eris.Wrap(err, "bulk: shutdown")
	}
	return nil
}

// Restore loads the saved snapshot. An interrupted run comes back PAUSED
// with its in-flight tasks requeued.
func (j *Job) Restore(ctx context.Context) (model.JobProgress, error) {
	if j.jobs == nil {
		return j.Progress(), nil
	}
	snap, err := j.jobs.LoadBulkJob(ctx)
	if err != nil {
		return j.Progress(), eris.Wrap(err, "bulk: restore")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.state == model.JobStateRunning {
		return j.progressLocked(), ErrAlreadyRunning
	}
	if snap == nil {
		return j.progressLocked(), nil
	}

	j.id = snap.JobID
	j.queue = NewQueue(snap.Queue)
	j.startedAt = snap.Progress.StartedAt
	j.total.Store(snap.Progress.Total)
	j.completed.Store(snap.Progress.Completed)
	j.succeeded.Store(snap.Progress.Succeeded)
	j.failed.Store(snap.Progress.Failed)

	switch snap.State {
	case model.JobStateRunning, model.JobStatePaused:
		if j.queue.Len() > 0 {
			j.state = model.JobStatePaused
		} else {
			j.state = model.JobStateCompleted
		}
	default:
		j.state = snap.State
	}

	j.log.Info("bulk job restored",
		zap.String("job_id", j.id),
		zap.String("state", string(j.state)),
		zap.Int("remaining", j.queue.Len()),
	)
	return j.progressLocked(), nil
}

// Progress returns the current counters.
func (j *Job) Progress() model.JobProgress {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.progressLocked()
}

func (j *Job) progressLocked() model.JobProgress {
	return model.JobProgress{
		JobID:       j.id,
		State:       j.state,
		Total:       j.total.Load(),
		Completed:   j.completed.Load(),
		Succeeded:   j.succeeded.Load(),
		Failed:      j.failed.Load(),
		Remaining:   j.queue.Len(),
		InFlight:    len(j.inFlight),
		Concurrency: j.concurrency,
		Draining:    j.draining,
		StartedAt:   j.startedAt,
		UpdatedAt:   time.Now().UTC(),
	}
}

func (j *Job) launchLocked(ctx context.Context, concurrency int) {
	j.state = model.JobStateRunning
	j.concurrency = concurrency
	j.draining = false
	j.hardStop = false
	j.stopping.Store(false)
	done := make(chan struct{})
	j.done = done

	// Tasks outlive the request that started them.
	runCtx := context.WithoutCancel(ctx)
	syncCtx, stopSync := context.WithCancel(runCtx)
	j.stopSync = stopSync
	j.saveLocked(ctx)

	go j.syncLoop(syncCtx)
	go func() {
		g := new(errgroup.Group)
		g.SetLimit(concurrency)
		for i := 0; i < concurrency; i++ {
			worker := i
			g.Go(func() error {
				j.work(runCtx, worker)
				return nil
			})
		}
		_ = g.Wait()
		j.finish(done)
	}()
}

func (j *Job) work(ctx context.Context, worker int) {
	for {
		if j.stopping.Load() {
			return
		}
		id, task, ok := j.claim()
		if !ok {
			return
		}
		j.runTask(ctx, worker, task)
		j.release(id)
	}
}

// claim pops the next task and records it as in flight in one step so
// snapshots never lose it. Nothing is claimed once Pause or Stop has run.
func (j *Job) claim() (uint64, model.BackfillTask, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.stopping.Load() {
		return 0, model.BackfillTask{}, false
	}
	task, ok := j.queue.Pop()
	if !ok {
		return 0, task, false
	}
	j.seq++
	j.inFlight[j.seq] = task
	return j.seq, task, true
}

func (j *Job) release(id uint64) {
	j.mu.Lock()
	delete(j.inFlight, id)
	j.mu.Unlock()
}

func (j *Job) runTask(ctx context.Context, worker int, task model.BackfillTask) {
	start := time.Now()
	res, err := j.safeBackfill(ctx, task)
	done := j.completed.Add(1)

	fields := []zap.Field{
		zap.Int("worker", worker),
		zap.String("task", task.String()),
		zap.Int64("completed", done),
		zap.Int64("total", j.total.Load()),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		j.failed.Add(1)
		j.log.Warn("bulk task failed", append(fields, zap.Error(err))...)
		return
	}
	j.succeeded.Add(1)
	persisted := 0
	if res != nil {
		persisted = res.Persisted
	}
	j.log.Info("bulk task done", append(fields, zap.Int("persisted", persisted))...)
}

func (j *Job) safeBackfill(ctx context.Context, task model.BackfillTask) (res *backfill.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("bulk: task %s panicked: %v", task, r)
		}
	}()
	return j.runner.Backfill(ctx, task.Predicate(), j.target)
}

func (j *Job) finish(done chan struct{}) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.stopSync != nil {
		j.stopSync()
		j.stopSync = nil
	}

	switch {
	case j.hardStop:
		j.queue.Clear()
		j.state = model.JobStateIdle
	case j.queue.Len() == 0:
		j.state = model.JobStateCompleted
	default:
		j.state = model.JobStatePaused
	}
	j.draining = false
	j.hardStop = false
	j.saveLocked(context.Background())

	j.log.Info("bulk job workers exited",
		zap.String("job_id", j.id),
		zap.String("state", string(j.state)),
		zap.Int64("completed", j.completed.Load()),
		zap.Int64("succeeded", j.succeeded.Load()),
		zap.Int64("failed", j.failed.Load()),
		zap.Int("remaining", j.queue.Len()),
	)
	close(done)
}

func (j *Job) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(j.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.mu.Lock()
			j.saveLocked(ctx)
			j.mu.Unlock()
		}
	}
}

// saveLocked persists the snapshot. In-flight tasks go first so a crashed
// run retries them on restore.
func (j *Job) saveLocked(ctx context.Context) {
	if j.jobs == nil {
		return
	}
	queue := make([]model.BackfillTask, 0, len(j.inFlight)+j.queue.Len())
	for _, t := range j.inFlight {
		queue = append(queue, t)
	}
	queue = append(queue, j.queue.Snapshot()...)

	snap := &model.BulkJobSnapshot{
		JobID:    j.id,
		State:    j.state,
		Queue:    queue,
		Progress: j.progressLocked(),
		SavedAt:  time.Now().UTC(),
	}
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := j.jobs.SaveBulkJob(saveCtx, snap); err != nil {
		j.log.Warn("bulk job snapshot failed", zap.String("job_id", j.id), zap.Error(err))
	}
}

func validConcurrency(n int) error {
	if n < 1 || n > maxConcurrency {
		return eris.Errorf("bulk: concurrency must be between 1 and %d, got %d", maxConcurrency, n)
	}
	return nil
}
