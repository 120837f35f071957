// Package orchestrator admits evaluation jobs under a concurrency cap,
// supervises each job's external process and hands every finished job to a
// dispatcher exactly once.
package orchestrator

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kscalelabs/kodachrome/internal/artifact"
	"github.com/kscalelabs/kodachrome/internal/cache"
	"github.com/kscalelabs/kodachrome/internal/config"
	"github.com/kscalelabs/kodachrome/internal/job_tracer"
	"github.com/kscalelabs/kodachrome/internal/runner"
	"github.com/kscalelabs/kodachrome/internal/service/logger"
	"github.com/kscalelabs/kodachrome/internal/util"
	"github.com/kscalelabs/kodachrome/model"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	errCancelRequested = errors.New("cancel requested")
	errShutdown        = errors.New("orchestrator shut down")
)

// Runner executes one evaluation program. *runner.Runner implements it.
type Runner interface {
	Run(ctx context.Context, spec runner.Spec) (runner.Result, error)
}

// Dispatcher receives the outcome of every job once it is terminal. It must
// contain its own failures.
type Dispatcher interface {
	Dispatch(ctx context.Context, o model.Outcome)
}

type Config struct {
	MaxConcurrency int
	// Timeout is each job's wall-clock budget, counted from Running.
	Timeout time.Duration

	Program   string
	ExtraArgs []string
	WorkDir   string

	DefaultProfile string
	DefaultRobot   string
	// OutputRoot is used when a request carries no output directory. Requested
	// directories must lie inside it.
	OutputRoot string
	PolicyDir  string

	// MaxQueue limits the wait line; 0 means unbounded.
	MaxQueue int
}

func ConfigFromEnv(c *config.EvalConfig) Config {
	cfg := Config{
		MaxConcurrency: c.MAX_CONCURRENCY,
		Timeout:        time.Duration(c.TIMEOUT_S) * time.Second,
		Program:        c.PROGRAM,
		WorkDir:        c.WORK_DIR,
		DefaultProfile: c.MOTION_NAME,
		DefaultRobot:   c.ROBOT,
		OutputRoot:     c.OUT_DIR,
		PolicyDir:      c.POLICY_DIR,
		MaxQueue:       c.MAX_QUEUE,
	}
	if c.LOCAL_MODEL_DIR != "" {
		cfg.ExtraArgs = []string{"--local-model-dir", c.LOCAL_MODEL_DIR}
	}
	return cfg
}

type Option func(*Orchestrator)

// WithIdempotencyCache makes Submit return the existing job id for a repeated
// idempotency key.
func WithIdempotencyCache(c cache.Cache) Option {
	return func(o *Orchestrator) { o.idem = c }
}

type entry struct {
	job         model.Job
	seq         uint64
	artifactDir string
	link        trace.Link

	// elem is the entry's position in the wait line while Queued.
	elem *list.Element
	// cancel stops the running process. Set when the job is admitted.
	cancel    context.CancelCauseFunc
	cancelled bool
	done      chan struct{}
}

type Orchestrator struct {
	cfg        Config
	gate       *Gate
	runner     Runner
	dispatcher Dispatcher
	idem       cache.Cache
	now        func() time.Time
	metrics    *metrics

	mu      sync.Mutex
	jobs    map[uuid.UUID]*entry
	pending *list.List
	seq     uint64
	closed  bool

	wake chan struct{}
	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
}

func New(cfg Config, r Runner, d Dispatcher, opts ...Option) (*Orchestrator, error) {
	gate, err := NewGate(cfg.MaxConcurrency)
	if err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive, got %s", ErrInvalidConfig, cfg.Timeout)
	}
	if strings.TrimSpace(cfg.Program) == "" {
		return nil, fmt.Errorf("%w: program is empty", ErrInvalidConfig)
	}
	if cfg.MaxQueue < 0 {
		return nil, fmt.Errorf("%w: max queue must be >= 0, got %d", ErrInvalidConfig, cfg.MaxQueue)
	}
	if strings.TrimSpace(cfg.OutputRoot) == "" {
		return nil, fmt.Errorf("%w: output root is empty", ErrInvalidConfig)
	}
	root, err := filepath.Abs(cfg.OutputRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: output root: %v", ErrInvalidConfig, err)
	}
	cfg.OutputRoot = root
	if cfg.PolicyDir != "" {
		abs, err := filepath.Abs(cfg.PolicyDir)
		if err != nil {
			return nil, fmt.Errorf("%w: policy dir: %v", ErrInvalidConfig, err)
		}
		cfg.PolicyDir = abs
	}
	if r == nil {
		return nil, fmt.Errorf("%w: runner is nil", ErrInvalidConfig)
	}
	if d == nil {
		return nil, fmt.Errorf("%w: dispatcher is nil", ErrInvalidConfig)
	}

	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:        cfg,
		gate:       gate,
		runner:     r,
		dispatcher: d,
		now:        func() time.Time { return time.Now().UTC() },
		metrics:    newMetrics(),
		jobs:       make(map[uuid.UUID]*entry),
		pending:    list.New(),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		stop:       stop,
	}
	for _, opt := range opts {
		opt(o)
	}

	o.wg.Add(1)
	go o.admitLoop()
	return o, nil
}

// Submit validates req, records a Queued job and returns its id without
// waiting for a slot.
func (o *Orchestrator) Submit(ctx context.Context, req model.JobRequest) (uuid.UUID, error) {
	ctx, span := job_tracer.GetTracer().Start(ctx, "Eval/Submit")
	defer span.End()

	req, err := o.normalize(req)
	if err != nil {
		util.RecordSpanError(span, err)
		return uuid.Nil, err
	}
	id, err := uuid.NewV7()
	if err != nil {
		util.RecordSpanError(span, err)
		return uuid.Nil, fmt.Errorf("generate job id: %w", err)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return uuid.Nil, ErrClosed
	}
	if existing, ok := o.lookupIdempotentLocked(ctx, req.IdempotencyKey); ok {
		o.mu.Unlock()
		span.SetAttributes(attribute.String("job.id", existing.String()), attribute.Bool("job.deduplicated", true))
		logger.FromContext(ctx).Info().
			Str("job_id", existing.String()).
			Str("idempotency_key", req.IdempotencyKey).
			Msg("duplicate submission")
		return existing, nil
	}
	if o.cfg.MaxQueue > 0 && o.pending.Len() >= o.cfg.MaxQueue {
		o.mu.Unlock()
		util.RecordSpanError(span, ErrQueueFull)
		return uuid.Nil, fmt.Errorf("%w: %d jobs waiting", ErrQueueFull, o.cfg.MaxQueue)
	}

	now := o.now()
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = now
	}
	e := &entry{
		job: model.Job{
			ID:           id,
			Request:      req,
			Status:       model.JobQueued,
			CreationTime: &now,
		},
		seq:         o.seq,
		artifactDir: filepath.Join(req.OutputDir, id.String()),
		link:        trace.LinkFromContext(ctx),
		done:        make(chan struct{}),
	}
	o.seq++
	e.elem = o.pending.PushBack(e)
	o.jobs[id] = e
	if req.IdempotencyKey != "" && o.idem != nil {
		if err := o.idem.Put(ctx, util.GetIdempotencyKey(req.IdempotencyKey), id.String(), o.idem.GetDefaultTTL()); err != nil {
			logger.FromContext(ctx).Warn().Err(err).Str("job_id", id.String()).Msg("could not record idempotency key")
		}
	}
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}

	o.metrics.jobSubmitted(ctx)
	span.SetAttributes(
		attribute.String("job.id", id.String()),
		attribute.String("job.subject", req.Subject),
		attribute.String("job.profile", req.Profile),
	)
	logger.FromContext(ctx).Info().
		Str("job_id", id.String()).
		Str("subject", req.Subject).
		Str("profile", req.Profile).
		Str("caller", req.Caller).
		Msg("job queued")
	return id, nil
}

func (o *Orchestrator) normalize(req model.JobRequest) (model.JobRequest, error) {
	req.Subject = strings.TrimSpace(req.Subject)
	req.Profile = strings.TrimSpace(req.Profile)
	req.Robot = strings.TrimSpace(req.Robot)
	req.OutputDir = strings.TrimSpace(req.OutputDir)
	req.Caller = strings.TrimSpace(req.Caller)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if req.Profile == "" {
		req.Profile = o.cfg.DefaultProfile
	}
	if req.Robot == "" {
		req.Robot = o.cfg.DefaultRobot
	}

	if req.Subject == "" {
		return req, fmt.Errorf("%w: subject is empty", ErrInvalidRequest)
	}
	if req.Profile == "" {
		return req, fmt.Errorf("%w: profile is empty", ErrInvalidRequest)
	}
	dir, err := o.outputDir(req.OutputDir)
	if err != nil {
		return req, err
	}
	req.OutputDir = dir
	return req, nil
}

// outputDir places a requested output directory under OutputRoot. Relative
// paths are taken from the root; absolute ones must already be inside it.
func (o *Orchestrator) outputDir(dir string) (string, error) {
	if dir == "" {
		return o.cfg.OutputRoot, nil
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(o.cfg.OutputRoot, dir)
	}
	dir = filepath.Clean(dir)
	rel, err := filepath.Rel(o.cfg.OutputRoot, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: output directory %q is outside %s", ErrInvalidRequest, dir, o.cfg.OutputRoot)
	}
	return dir, nil
}

// lookupIdempotentLocked returns the job recorded for key if it is still in
// the table.
func (o *Orchestrator) lookupIdempotentLocked(ctx context.Context, key string) (uuid.UUID, bool) {
	if key == "" || o.idem == nil {
		return uuid.Nil, false
	}
	var raw string
	if err := o.idem.Get(ctx, util.GetIdempotencyKey(key), &raw); err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			logger.FromContext(ctx).Warn().Err(err).Str("idempotency_key", key).Msg("idempotency lookup failed")
		}
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false
	}
	if _, ok := o.jobs[id]; !ok {
		return uuid.Nil, false
	}
	return id, true
}

// Status returns a snapshot of the job.
func (o *Orchestrator) Status(id uuid.UUID) (model.Job, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return e.job.Clone(), nil
}

// List returns snapshots of every retained job in submission order.
func (o *Orchestrator) List() []model.Job {
	o.mu.Lock()
	entries := make([]*entry, 0, len(o.jobs))
	for _, e := range o.jobs {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })
	jobs := make([]model.Job, len(entries))
	for i, e := range entries {
		jobs[i] = e.job.Clone()
	}
	o.mu.Unlock()
	return jobs
}

// Cancel stops a job. A queued job is Cancelled before Cancel returns. A
// running job has its process group killed and becomes Cancelled once the
// process is gone; the returned snapshot may still say Running. Cancelling a
// terminal job does nothing.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (model.Job, error) {
	o.mu.Lock()
	e, ok := o.jobs[id]
	if !ok {
		o.mu.Unlock()
		return model.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	switch e.job.Status {
	case model.JobQueued:
		o.pending.Remove(e.elem)
		e.elem = nil
		out := o.finishLocked(e, model.JobCancelled, nil, "cancelled before start", "")
		snap := e.job.Clone()
		o.wg.Add(1)
		o.mu.Unlock()

		o.metrics.jobFinished(ctx, out, false)
		logger.FromContext(ctx).Info().Str("job_id", id.String()).Msg("queued job cancelled")
		go func() {
			defer o.wg.Done()
			o.dispatch(context.WithoutCancel(ctx), out)
		}()
		return snap, nil

	case model.JobRunning:
		if !e.cancelled {
			e.cancelled = true
			e.cancel(errCancelRequested)
			logger.FromContext(ctx).Info().Str("job_id", id.String()).Msg("cancelling running job")
		}
	}
	snap := e.job.Clone()
	o.mu.Unlock()
	return snap, nil
}

// Wait blocks until the job is terminal or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id uuid.UUID) (model.Job, error) {
	o.mu.Lock()
	e, ok := o.jobs[id]
	o.mu.Unlock()
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	select {
	case <-e.done:
	case <-ctx.Done():
		return model.Job{}, ctx.Err()
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	return e.job.Clone(), nil
}

// Evict forgets a terminal job.
func (o *Orchestrator) Evict(id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	e, ok := o.jobs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if !e.job.Status.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrNotTerminal, id, e.job.Status)
	}
	delete(o.jobs, id)
	o.forgetIdempotencyKeyLocked(e)
	return nil
}

// forgetIdempotencyKeyLocked drops e's idempotency key unless it has since
// been taken by another job.
func (o *Orchestrator) forgetIdempotencyKeyLocked(e *entry) {
	key := e.job.Request.IdempotencyKey
	if key == "" || o.idem == nil {
		return
	}
	ctx := context.Background()
	var raw string
	if err := o.idem.Get(ctx, util.GetIdempotencyKey(key), &raw); err != nil || raw != e.job.ID.String() {
		return
	}
	if err := o.idem.Delete(ctx, util.GetIdempotencyKey(key)); err != nil {
		logger.Log.Warn().Err(err).Str("idempotency_key", key).Msg("could not drop idempotency key")
	}
}

// Shutdown stops admission, cancels every queued and running job and waits
// for their outcomes to be dispatched or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		o.stop()

		var outs []model.Outcome
		for el := o.pending.Front(); el != nil; el = o.pending.Front() {
			e := o.pending.Remove(el).(*entry)
			e.elem = nil
			outs = append(outs, o.finishLocked(e, model.JobCancelled, nil, errShutdown.Error(), ""))
		}
		for _, e := range o.jobs {
			if e.job.Status == model.JobRunning && !e.cancelled {
				e.cancelled = true
				e.cancel(errShutdown)
			}
		}
		o.wg.Add(len(outs))
		o.mu.Unlock()

		for _, out := range outs {
			o.metrics.jobFinished(ctx, out, false)
			go func(out model.Outcome) {
				defer o.wg.Done()
				o.dispatch(context.WithoutCancel(ctx), out)
			}(out)
		}
		logger.Log.Info().Int("cancelled_queued", len(outs)).Msg("orchestrator shutting down")
	} else {
		o.mu.Unlock()
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admitLoop is the only place a job moves from the wait line to Running, so
// the wait line is admitted strictly in submission order.
func (o *Orchestrator) admitLoop() {
	defer o.wg.Done()
	for {
		if !o.hasPending() {
			select {
			case <-o.wake:
				continue
			case <-o.ctx.Done():
				return
			}
		}
		if err := o.gate.Acquire(o.ctx); err != nil {
			return
		}
		if !o.admitNext() {
			// The head was cancelled while we waited for the slot.
			o.gate.Release()
		}
	}
}

func (o *Orchestrator) hasPending() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pending.Len() > 0 && !o.closed
}

// admitNext moves the head of the wait line to Running. The caller holds a
// gate slot, which the started job now owns.
func (o *Orchestrator) admitNext() bool {
	o.mu.Lock()
	front := o.pending.Front()
	if front == nil || o.closed {
		o.mu.Unlock()
		return false
	}
	e := o.pending.Remove(front).(*entry)
	e.elem = nil
	if err := ValidateTransition(e.job.Status, model.JobRunning); err != nil {
		o.mu.Unlock()
		logger.Log.Error().Err(err).Str("job_id", e.job.ID.String()).Msg("refusing to admit job")
		return false
	}
	now := o.now()
	e.job.Status = model.JobRunning
	e.job.StartTime = &now
	e.job.ArtifactPath = e.artifactDir
	runCtx, cancel := context.WithCancelCause(context.Background())
	e.cancel = cancel
	waited := now.Sub(*e.job.CreationTime)
	o.wg.Add(1)
	o.mu.Unlock()

	o.metrics.jobAdmitted(runCtx, waited)
	go o.drive(runCtx, e)
	return true
}

// drive supervises one admitted job until it is terminal.
func (o *Orchestrator) drive(ctx context.Context, e *entry) {
	defer o.wg.Done()

	o.mu.Lock()
	req := e.job.Request
	id := e.job.ID.String()
	o.mu.Unlock()

	ctx, log := logger.ForJob(ctx, id, req.Subject, req.Profile)
	ctx, span := job_tracer.GetTracer().Start(ctx, "Eval/Run",
		trace.WithLinks(e.link),
		trace.WithAttributes(
			attribute.String("job.id", id),
			attribute.String("job.subject", req.Subject),
			attribute.String("job.profile", req.Profile),
		),
	)
	defer span.End()
	log.Info().Str("artifact_path", e.artifactDir).Msg("job running")

	res, err := o.runner.Run(ctx, runner.Spec{
		Program:   o.cfg.Program,
		Args:      o.commandArgs(req, e.artifactDir),
		WorkDir:   o.cfg.WorkDir,
		OutputDir: e.artifactDir,
		Timeout:   o.cfg.Timeout,
	})

	status, code, detail := classify(res, err)
	if err != nil {
		util.RecordSpanError(span, err)
	}
	if errors.Is(err, runner.ErrLaunchFailed) {
		log.Error().Err(err).Str("program", o.cfg.Program).Msg("evaluation program could not start")
	}

	var reportURL string
	if !errors.Is(err, runner.ErrLaunchFailed) {
		reportURL = artifact.FindReportURL(e.artifactDir, res.StdoutPath, res.StderrPath)
	}

	o.mu.Lock()
	out := o.finishLocked(e, status, code, detail, reportURL)
	o.mu.Unlock()
	e.cancel(nil)
	o.gate.Release()

	span.SetAttributes(attribute.String("job.status", string(out.Status)))
	o.metrics.jobFinished(ctx, out, true)
	ev := log.Info().Str("status", string(out.Status)).Dur("duration", out.Duration)
	if !res.StartTime.IsZero() {
		ev = ev.Dur("run_time", res.Duration())
	}
	if out.ExitCode != nil {
		ev = ev.Int("exit_code", *out.ExitCode)
	}
	if out.ReportURL != "" {
		ev = ev.Str("report_url", out.ReportURL)
	}
	ev.Msg("job finished")

	o.dispatch(context.WithoutCancel(ctx), out)
}

// classify maps a runner result onto a terminal state. Only a process that
// actually exited carries an exit code.
func classify(res runner.Result, err error) (model.JobStatus, *int, string) {
	switch {
	case err == nil:
		code := res.ExitCode
		if code == 0 {
			return model.JobSucceeded, &code, ""
		}
		if code < 0 {
			return model.JobFailed, &code, "terminated by signal"
		}
		return model.JobFailed, &code, fmt.Sprintf("exited with code %d", code)
	case errors.Is(err, runner.ErrTimedOut):
		return model.JobTimedOut, nil, err.Error()
	case errors.Is(err, runner.ErrCancelled):
		return model.JobCancelled, nil, err.Error()
	default:
		return model.JobFailed, nil, err.Error()
	}
}

// finishLocked applies the terminal transition and returns the outcome to
// dispatch. o.mu must be held.
func (o *Orchestrator) finishLocked(e *entry, status model.JobStatus, code *int, detail, reportURL string) model.Outcome {
	if err := ValidateTransition(e.job.Status, status); err != nil {
		// Unreachable while every caller checks the current state first.
		panic(err)
	}
	now := o.now()
	e.job.Status = status
	e.job.EndTime = &now
	e.job.ExitCode = code
	e.job.ErrorDetail = detail
	e.job.ReportURL = reportURL
	close(e.done)
	return model.OutcomeOf(e.job)
}

func (o *Orchestrator) dispatch(ctx context.Context, out model.Outcome) {
	o.dispatcher.Dispatch(ctx, out)
}

// Capacity reports the concurrency cap and how many slots are held.
func (o *Orchestrator) Capacity() (limit, inUse int) {
	return o.gate.Capacity(), o.gate.InUse()
}
