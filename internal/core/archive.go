package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ArchivedMessage is a relayed message handed to an Archive.
type ArchivedMessage struct {
	Token     string
	PatientID string
	Seq       int
	Role      Role
	Content   string
}

// Archive persists relayed messages outside the volatile transcript.
type Archive interface {
	SaveMessage(ctx context.Context, m ArchivedMessage) error
}

// Archiver writes every relayed message to an Archive.  Enqueue only
// appends to an in-memory backlog, so a slow store never delays the relay
// and never causes a message to be skipped.  A single writer drains the
// backlog in relay order.
type Archiver struct {
	log      *zap.Logger
	registry *Registry
	archive  Archive
	timeout  time.Duration

	mu      sync.Mutex
	pending []ArchivedMessage
	wake    chan struct{}

	wg      sync.WaitGroup
	startMu sync.Mutex
	cancel  context.CancelFunc
}

// NewArchiver constructs an Archiver.  timeout bounds each write; zero
// means no bound.
func NewArchiver(logger *zap.Logger, registry *Registry, archive Archive, timeout time.Duration) *Archiver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{
		log:      logger,
		registry: registry,
		archive:  archive,
		timeout:  timeout,
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue records the job's message in the backlog.  It never fails.
func (a *Archiver) Enqueue(job Job) error {
	patientID, ok := a.registry.Lookup(job.Token)
	if !ok {
		a.log.Debug("session gone before archiving", zap.String("token", job.Token), zap.Int("seq", job.Seq))
		return nil
	}
	a.mu.Lock()
	a.pending = append(a.pending, ArchivedMessage{
		Token:     job.Token,
		PatientID: patientID,
		Seq:       job.Seq,
		Role:      job.Entry.Role,
		Content:   job.Entry.Content,
	})
	a.mu.Unlock()
	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

// Start launches the writer.  It stops when ctx is cancelled or Stop is
// called, after writing whatever is still pending.
func (a *Archiver) Start(ctx context.Context) {
	a.startMu.Lock()
	defer a.startMu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.wg.Add(1)
	go a.run(ctx)
	a.log.Info("message archiver started")
}

// Stop flushes the backlog and waits for the writer to exit.
func (a *Archiver) Stop() {
	a.startMu.Lock()
	cancel := a.cancel
	a.startMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	a.wg.Wait()
	a.log.Info("message archiver stopped")
}

func (a *Archiver) run(ctx context.Context) {
	defer a.wg.Done()
	// Writes outlive the loop context so a shutdown still drains the backlog.
	writeCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			a.flush(writeCtx)
			return
		case <-a.wake:
			a.flush(writeCtx)
		}
	}
}

func (a *Archiver) flush(ctx context.Context) {
	a.mu.Lock()
	batch := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, m := range batch {
		a.save(ctx, m)
	}
}

func (a *Archiver) save(ctx context.Context, m ArchivedMessage) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if err := a.archive.SaveMessage(ctx, m); err != nil {
		a.log.Error("failed to archive message", zap.String("token", m.Token), zap.Int("seq", m.Seq), zap.Error(err))
	}
}
