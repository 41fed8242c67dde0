package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"oncoroom-relay/pkg"

	"github.com/stretchr/testify/mock"
)

type fakePeer struct {
	id string

	mu     sync.Mutex
	events []Event
	full   bool
}

func newPeer(id string) *fakePeer { return &fakePeer{id: id} }

func (p *fakePeer) ID() string { return p.id }

func (p *fakePeer) Send(ev Event) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.events = append(p.events, ev)
	return true
}

func (p *fakePeer) received() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

func (p *fakePeer) chats() []ChatMessage {
	var out []ChatMessage
	for _, ev := range p.received() {
		if ev.Name == EventChatMessage {
			out = append(out, ev.Data.(ChatMessage))
		}
	}
	return out
}

func (p *fakePeer) analyses() []Event {
	var out []Event
	for _, ev := range p.received() {
		if ev.Name == EventAgentAnalysis {
			out = append(out, ev)
		}
	}
	return out
}

type recordingTrigger struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (r *recordingTrigger) Enqueue(job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.jobs = append(r.jobs, job)
	return nil
}

type mockPatients struct{ mock.Mock }

func (m *mockPatients) FetchPatient(ctx context.Context, patientID string) (*pkg.PatientRecord, error) {
	args := m.Called(ctx, patientID)
	rec, _ := args.Get(0).(*pkg.PatientRecord)
	return rec, args.Error(1)
}

type mockSummarizer struct{ mock.Mock }

func (m *mockSummarizer) Summarize(ctx context.Context, patientID string, transcript []Entry, patient *pkg.PatientRecord) (json.RawMessage, error) {
	args := m.Called(ctx, patientID, transcript, patient)
	raw, _ := args.Get(0).(json.RawMessage)
	return raw, args.Error(1)
}

type recordingArchive struct {
	mu      sync.Mutex
	msgs    []ArchivedMessage
	failSeq int
}

func (a *recordingArchive) SaveMessage(_ context.Context, msg ArchivedMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if msg.Seq == a.failSeq {
		return errors.New("disk full")
	}
	a.msgs = append(a.msgs, msg)
	return nil
}

func (a *recordingArchive) saved() []ArchivedMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]ArchivedMessage, len(a.msgs))
	copy(out, a.msgs)
	return out
}

func (a *recordingArchive) seqs() []int {
	var out []int
	for _, m := range a.saved() {
		out = append(out, m.Seq)
	}
	return out
}

type mockSink struct{ mock.Mock }

func (m *mockSink) SaveAnalysis(ctx context.Context, token, patientID string, seq int, result json.RawMessage) error {
	return m.Called(ctx, token, patientID, seq, result).Error(0)
}
