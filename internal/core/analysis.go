package core

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"oncoroom-relay/pkg"

	"go.uber.org/zap"
)

// Job asks the analyzer to re-run analysis for a room after the message with
// sequence number Seq was relayed.
type Job struct {
	Token string
	Seq   int
	Entry Entry
}

// PatientStore resolves patient metadata for the analysis step.
type PatientStore interface {
	FetchPatient(ctx context.Context, patientID string) (*pkg.PatientRecord, error)
}

// Summarizer is the external analysis capability.  The returned result is
// passed through to clinicians untouched.
type Summarizer interface {
	Summarize(ctx context.Context, patientID string, transcript []Entry, patient *pkg.PatientRecord) (json.RawMessage, error)
}

// ResultSink receives every successful analysis.
type ResultSink interface {
	SaveAnalysis(ctx context.Context, token, patientID string, seq int, result json.RawMessage) error
}

// Deliverer pushes events to connections of one role in a room.
type Deliverer interface {
	DeliverToRole(token string, role Role, ev Event) int
}

// AnalyzerOptions configures an Analyzer.  Sink is optional.
type AnalyzerOptions struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
	Sink      ResultSink
}

// Analyzer runs the analysis step off the relay path.  Jobs are handed over
// through a bounded channel and processed by a fixed pool of workers, so a
// slow or stuck summarizer never delays message delivery.  Completions for
// the same room may arrive out of order; each push carries its sequence
// number.
type Analyzer struct {
	log         *zap.Logger
	registry    *Registry
	transcripts *Transcripts
	patients    PatientStore
	summarizer  Summarizer
	opts        AnalyzerOptions

	jobs    chan Job
	wg      sync.WaitGroup
	startMu sync.Mutex
	cancel  context.CancelFunc
}

// NewAnalyzer constructs an Analyzer.  Call Start before jobs are processed.
func NewAnalyzer(logger *zap.Logger, registry *Registry, transcripts *Transcripts, patients PatientStore, summarizer Summarizer, opts AnalyzerOptions) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1
	}
	return &Analyzer{
		log:         logger,
		registry:    registry,
		transcripts: transcripts,
		patients:    patients,
		summarizer:  summarizer,
		opts:        opts,
		jobs:        make(chan Job, opts.QueueSize),
	}
}

// Enqueue hands a job to the worker pool.  It never blocks; ErrQueueFull is
// returned when the buffer is exhausted.
func (a *Analyzer) Enqueue(job Job) error {
	select {
	case a.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start launches the workers.  Results are delivered through d.  Workers
// stop when ctx is cancelled or Stop is called.
func (a *Analyzer) Start(ctx context.Context, d Deliverer) {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	for i := 0; i < a.opts.Workers; i++ {
		a.wg.Add(1)
		go a.run(ctx, d)
	}
	a.log.Info("analysis workers started",
		zap.Int("workers", a.opts.Workers),
		zap.Int("queue", a.opts.QueueSize),
		zap.Duration("timeout", a.opts.Timeout))
}

// Stop cancels in-flight work and waits for the workers to exit.  Queued
// jobs are abandoned.
func (a *Analyzer) Stop() {
	a.startMu.Lock()
	cancel := a.cancel
	a.startMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
	a.log.Info("analysis workers stopped")
}

func (a *Analyzer) run(ctx context.Context, d Deliverer) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-a.jobs:
			a.process(ctx, d, job)
		}
	}
}

// process runs one job.  Every failure is logged and absorbed here.
func (a *Analyzer) process(ctx context.Context, d Deliverer, job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			a.log.Error("analysis panicked", zap.String("token", job.Token), zap.Any("panic", rec))
		}
	}()
	if a.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.opts.Timeout)
		defer cancel()
	}

	patientID, ok := a.registry.Lookup(job.Token)
	if !ok {
		a.log.Debug("session gone before analysis", zap.String("token", job.Token), zap.Int("seq", job.Seq))
		return
	}

	transcript := a.transcripts.Snapshot(job.Token)
	if len(transcript) == 0 {
		return
	}
	result, err := a.analyze(ctx, patientID, transcript)
	if err != nil {
		a.log.Warn("analysis failed", zap.String("token", job.Token), zap.Int("seq", len(transcript)), zap.Error(err))
		return
	}

	if a.opts.Sink != nil {
		if err := a.opts.Sink.SaveAnalysis(ctx, job.Token, patientID, len(transcript), result); err != nil {
			a.log.Error("failed to store analysis", zap.String("token", job.Token), zap.Error(err))
		}
	}

	n := d.DeliverToRole(job.Token, RoleClinician, Event{
		Name: EventAgentAnalysis,
		Data: result,
		Seq:  len(transcript),
	})
	a.log.Debug("analysis delivered", zap.String("token", job.Token), zap.Int("seq", len(transcript)), zap.Int("clinicians", n))
}

func (a *Analyzer) analyze(ctx context.Context, patientID string, transcript []Entry) (json.RawMessage, error) {
	patient, err := a.patients.FetchPatient(ctx, patientID)
	if err != nil {
		return nil, fmt.Errorf("fetch patient: %w", err)
	}
	result, err := a.summarizer.Summarize(ctx, patientID, transcript, patient)
	if err != nil {
		return nil, fmt.Errorf("summarize: %w", err)
	}
	if len(result) == 0 {
		return nil, fmt.Errorf("summarize: empty result")
	}
	return result, nil
}
