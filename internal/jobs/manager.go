package jobs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/reframer/internal/analysis"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ProgressFunc reports a checkpoint from inside a running job.
type ProgressFunc func(percent int, stage string)

// Output is what a finished job produced.
type Output struct {
	Path string
	Size int64
}

// Runner executes one job.
type Runner interface {
	Run(ctx context.Context, job Job, progress ProgressFunc) (Output, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, job Job, progress ProgressFunc) (Output, error)

func (f RunnerFunc) Run(ctx context.Context, job Job, progress ProgressFunc) (Output, error) {
	return f(ctx, job, progress)
}

// Recorder persists job state changes. Errors are logged, never fatal.
type Recorder interface {
	RecordJob(ctx context.Context, job Job) error
}

// Options configures a Manager.
type Options struct {
	Retention time.Duration
	Recorder  Recorder
	Logger    zerolog.Logger
}

type subscriber struct {
	jobID   string
	ch      chan Event
	dropped int
}

// Manager owns the job table. Each job is mutated only by its own goroutine,
// through update; readers get copies.
type Manager struct {
	runner    Runner
	recorder  Recorder
	retention time.Duration
	logger    zerolog.Logger
	now       func() time.Time

	mu     sync.Mutex
	jobs   map[string]*Job
	closed bool

	events  chan Event
	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	ctx        context.Context
	cancel     context.CancelFunc
	workers    sync.WaitGroup
	dispatcher sync.WaitGroup
}

func NewManager(runner Runner, opts Options) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		runner:    runner,
		recorder:  opts.Recorder,
		retention: opts.Retention,
		logger:    opts.Logger.With().Str("component", "jobs").Logger(),
		now:       time.Now,
		jobs:      make(map[string]*Job),
		events:    make(chan Event, 256),
		subs:      make(map[int]*subscriber),
		ctx:       ctx,
		cancel:    cancel,
	}
	m.dispatcher.Add(1)
	go m.dispatch()
	return m
}

// Submit registers a job and starts it in the background.
func (m *Manager) Submit(req Request) (string, error) {
	if req.VideoPath == "" {
		return "", fmt.Errorf("video_path is required")
	}
	if err := req.Aspect.Validate(); err != nil {
		return "", err
	}
	if req.VideoID != "" {
		if err := analysis.ValidateVideoID(req.VideoID); err != nil {
			return "", err
		}
	}

	job := &Job{
		ID:        uuid.NewString(),
		Request:   req,
		Status:    StatusProcessing,
		Stage:     "queued",
		CreatedAt: m.now(),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return "", ErrClosed
	}
	m.jobs[job.ID] = job
	snapshot := *job
	m.workers.Add(1)
	m.mu.Unlock()

	m.logger.Info().Str("job_id", job.ID).Str("video", req.VideoPath).Str("aspect", req.Aspect.String()).Msg("Job submitted")
	m.publish(snapshot)
	m.record(snapshot)

	go m.execute(job.ID, snapshot)
	return job.ID, nil
}

func (m *Manager) execute(id string, job Job) {
	defer m.workers.Done()

	progress := func(percent int, stage string) {
		m.update(id, func(j *Job) {
			if percent > j.Progress {
				j.Progress = min(percent, 100)
			}
			j.Stage = stage
		})
	}

	out, err := m.safeRun(job, progress)

	final := m.update(id, func(j *Job) {
		now := m.now()
		j.FinishedAt = &now
		if err != nil {
			j.Status = StatusError
			j.Error = err.Error()
			return
		}
		j.Status = StatusCompleted
		j.Progress = 100
		j.Stage = "done"
		j.OutputPath = out.Path
		j.FileSize = out.Size
	})
	m.record(final)

	if err != nil {
		m.logger.Error().Err(err).Str("job_id", id).Msg("Job failed")
		return
	}
	m.logger.Info().Str("job_id", id).Str("output", out.Path).Int64("size", out.Size).Msg("Job completed")
}

func (m *Manager) safeRun(job Job, progress ProgressFunc) (out Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return m.runner.Run(m.ctx, job, progress)
}

// update mutates a job under the table lock and broadcasts the new state.
func (m *Manager) update(id string, fn func(*Job)) Job {
	m.mu.Lock()
	j, ok := m.jobs[id]
	if !ok {
		m.mu.Unlock()
		return Job{}
	}
	fn(j)
	snapshot := *j
	m.mu.Unlock()

	m.publish(snapshot)
	return snapshot
}

func (m *Manager) record(j Job) {
	if m.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.recorder.RecordJob(ctx, j); err != nil {
		m.logger.Warn().Err(err).Str("job_id", j.ID).Msg("Failed to persist job state")
	}
}

// Status returns a copy of the job.
func (m *Manager) Status(id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return *j, nil
}

// Result returns the output of a completed job. Running jobs give ErrNotReady;
// failed jobs give their error.
func (m *Manager) Result(id string) (Output, error) {
	j, err := m.Status(id)
	if err != nil {
		return Output{}, err
	}
	switch j.Status {
	case StatusCompleted:
		return Output{Path: j.OutputPath, Size: j.FileSize}, nil
	case StatusError:
		return Output{}, fmt.Errorf("job %s failed: %s", id, j.Error)
	}
	return Output{}, ErrNotReady
}

// List returns copies of all jobs.
func (m *Manager) List() []Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, *j)
	}
	return out
}

// Active counts running jobs.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if !j.Terminal() {
			n++
		}
	}
	return n
}

// Evict removes terminal jobs that finished more than the retention ago.
func (m *Manager) Evict(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if j.Terminal() && j.FinishedAt != nil && now.Sub(*j.FinishedAt) > m.retention {
			delete(m.jobs, id)
			n++
		}
	}
	return n
}

// StartJanitor evicts expired jobs every interval until ctx is done.
func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.ctx.Done():
				return
			case t := <-ticker.C:
				if n := m.Evict(t); n > 0 {
					m.logger.Info().Int("evicted", n).Msg("Cleaned up finished jobs")
				}
			}
		}
	}()
}

// Subscribe streams events for one job, or for every job when jobID is empty.
// Slow subscribers miss events instead of blocking jobs. The channel closes when
// cancel is called or the manager shuts down.
func (m *Manager) Subscribe(jobID string) (<-chan Event, func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()

	ch := make(chan Event, 64)
	if m.subs == nil {
		close(ch)
		return ch, func() {}
	}
	id := m.nextSub
	m.nextSub++
	m.subs[id] = &subscriber{jobID: jobID, ch: ch}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.subMu.Lock()
			defer m.subMu.Unlock()
			if s, ok := m.subs[id]; ok {
				delete(m.subs, id)
				close(s.ch)
			}
		})
	}
}

// publish is only called by Submit and job goroutines, all of which finish
// before Close closes the queue.
func (m *Manager) publish(j Job) {
	select {
	case m.events <- eventOf(j, m.now()):
	default:
		m.logger.Warn().Str("job_id", j.ID).Msg("Event queue full, dropping progress event")
	}
}

func (m *Manager) dispatch() {
	defer m.dispatcher.Done()
	for ev := range m.events {
		m.subMu.Lock()
		for _, s := range m.subs {
			if s.jobID != "" && s.jobID != ev.JobID {
				continue
			}
			select {
			case s.ch <- ev:
			default:
				s.dropped++
			}
		}
		m.subMu.Unlock()
	}

	m.subMu.Lock()
	for id, s := range m.subs {
		close(s.ch)
		delete(m.subs, id)
	}
	m.subs = nil
	m.subMu.Unlock()
}

// Close cancels running jobs, waits for them and closes every subscription.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	m.cancel()
	m.workers.Wait()
	close(m.events)
	m.dispatcher.Wait()
}
