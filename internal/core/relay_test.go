package core

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type relayFixture struct {
	registry    *Registry
	transcripts *Transcripts
	trigger     *recordingTrigger
	relay       *Relay
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()
	f := &relayFixture{
		registry:    NewRegistry(),
		transcripts: NewTranscripts(),
		trigger:     &recordingTrigger{},
	}
	f.relay = NewRelay(zap.NewNop(), f.registry, f.transcripts, f.trigger)
	return f
}

func TestRelayEndToEndScenario(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("abc123", "P-001")

	c1, c2, c3 := newPeer("C1"), newPeer("C2"), newPeer("C3")
	require.NoError(t, f.relay.Join(c1, "abc123", RoleClinician, ""))
	require.NoError(t, f.relay.Join(c2, "abc123", RolePatient, "P-001"))
	err := f.relay.Join(c3, "abc123", RolePatient, "P-999")
	require.ErrorIs(t, err, ErrForbidden)
	assert.NotContains(t, err.Error(), "P-001")

	require.NoError(t, f.relay.RelayMessage("C2", "Estou com febre"))

	assert.Equal(t, []ChatMessage{{Role: RolePatient, Content: "Estou com febre"}}, c1.chats())
	assert.Empty(t, c2.received())
	assert.Empty(t, c3.received())
	assert.Equal(t, []Entry{{Role: RolePatient, Content: "Estou com febre"}}, f.transcripts.Snapshot("abc123"))

	require.Len(t, f.trigger.jobs, 1)
	assert.Equal(t, Job{Token: "abc123", Seq: 1, Entry: Entry{Role: RolePatient, Content: "Estou com febre"}}, f.trigger.jobs[0])
}

func TestJoinUnknownTokenIsInvalidSession(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("known", "P-001")

	cases := []struct {
		role      Role
		patientID string
	}{
		{RoleClinician, ""},
		{RolePatient, "P-001"},
		{RolePatient, ""},
		{RoleClinician, "P-001"},
	}
	for i, tc := range cases {
		err := f.relay.Join(newPeer(fmt.Sprint("c", i)), "unknown", tc.role, tc.patientID)
		assert.ErrorIs(t, err, ErrInvalidSession)
	}
	_, ok := f.relay.Membership("c0")
	assert.False(t, ok)
}

func TestJoinPatientBinding(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("abc123", "P")

	assert.ErrorIs(t, f.relay.Join(newPeer("q"), "abc123", RolePatient, "Q"), ErrForbidden)
	assert.ErrorIs(t, f.relay.Join(newPeer("empty"), "abc123", RolePatient, ""), ErrForbidden)
	require.NoError(t, f.relay.Join(newPeer("p"), "abc123", RolePatient, "P"))

	m, ok := f.relay.Membership("p")
	require.True(t, ok)
	assert.Equal(t, Membership{ConnID: "p", Role: RolePatient, Token: "abc123"}, m)
}

func TestJoinRejectsUnknownRole(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("abc123", "P")
	assert.ErrorIs(t, f.relay.Join(newPeer("x"), "abc123", RoleUnknown, ""), ErrForbidden)
	// An unknown token is reported as such whatever the role.
	assert.ErrorIs(t, f.relay.Join(newPeer("y"), "missing", RoleUnknown, ""), ErrInvalidSession)
	assert.Empty(t, f.relay.Members("abc123"))
}

func TestTriggersFanOutEveryJob(t *testing.T) {
	t.Parallel()
	first, second := &recordingTrigger{}, &recordingTrigger{err: ErrQueueFull}
	job := Job{Token: "t", Seq: 1}

	err := Triggers{first, second}.Enqueue(job)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, []Job{job}, first.jobs)
}

func TestJoinTwiceKeepsFirstMembership(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("t1", "P")
	f.registry.Create("t2", "P")

	c := newPeer("c")
	require.NoError(t, f.relay.Join(c, "t1", RoleClinician, ""))
	assert.ErrorIs(t, f.relay.Join(c, "t2", RolePatient, "P"), ErrAlreadyJoined)

	m, _ := f.relay.Membership("c")
	assert.Equal(t, "t1", m.Token)
	assert.Equal(t, RoleClinician, m.Role)
}

func TestRelayFansOutToOppositeRoleOnly(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("abc123", "P")

	clinicians := []*fakePeer{newPeer("d1"), newPeer("d2"), newPeer("d3")}
	patients := []*fakePeer{newPeer("p1"), newPeer("p2")}
	for _, c := range clinicians {
		require.NoError(t, f.relay.Join(c, "abc123", RoleClinician, ""))
	}
	for _, p := range patients {
		require.NoError(t, f.relay.Join(p, "abc123", RolePatient, "P"))
	}

	require.NoError(t, f.relay.RelayMessage("d2", "Você sentiu falta de ar?"))
	for _, c := range clinicians {
		assert.Empty(t, c.received(), c.id)
	}
	for _, p := range patients {
		assert.Equal(t, []ChatMessage{{Role: RoleClinician, Content: "Você sentiu falta de ar?"}}, p.chats(), p.id)
	}

	require.NoError(t, f.relay.RelayMessage("p1", "Sim"))
	for _, c := range clinicians {
		assert.Len(t, c.chats(), 1, c.id)
	}
	assert.Len(t, patients[0].chats(), 1)
	assert.Len(t, patients[1].chats(), 1)

	assert.Equal(t, map[Role]int{RoleClinician: 3, RolePatient: 2}, f.relay.Members("abc123"))
}

func TestRelayPreservesOrder(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("abc123", "P")

	doc, pat := newPeer("doc"), newPeer("pat")
	require.NoError(t, f.relay.Join(doc, "abc123", RoleClinician, ""))
	require.NoError(t, f.relay.Join(pat, "abc123", RolePatient, "P"))

	var sent []Entry
	for i := 0; i < 20; i++ {
		from, role := "pat", RolePatient
		if i%3 == 0 {
			from, role = "doc", RoleClinician
		}
		content := fmt.Sprint("msg-", i)
		require.NoError(t, f.relay.RelayMessage(from, content))
		sent = append(sent, Entry{Role: role, Content: content})
	}

	assert.Equal(t, sent, f.transcripts.Snapshot("abc123"))

	var fromPatient []ChatMessage
	for _, e := range sent {
		if e.Role == RolePatient {
			fromPatient = append(fromPatient, ChatMessage{Role: e.Role, Content: e.Content})
		}
	}
	assert.Equal(t, fromPatient, doc.chats())
}

func TestRelayIsolatesRooms(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("t1", "P1")
	f.registry.Create("t2", "P2")

	d1, p1 := newPeer("d1"), newPeer("p1")
	d2, p2 := newPeer("d2"), newPeer("p2")
	require.NoError(t, f.relay.Join(d1, "t1", RoleClinician, ""))
	require.NoError(t, f.relay.Join(p1, "t1", RolePatient, "P1"))
	require.NoError(t, f.relay.Join(d2, "t2", RoleClinician, ""))
	require.NoError(t, f.relay.Join(p2, "t2", RolePatient, "P2"))

	require.NoError(t, f.relay.RelayMessage("p1", "só na sala 1"))
	require.NoError(t, f.relay.RelayMessage("d1", "resposta sala 1"))

	assert.Len(t, d1.chats(), 1)
	assert.Len(t, p1.chats(), 1)
	assert.Empty(t, d2.received())
	assert.Empty(t, p2.received())
	assert.Empty(t, f.transcripts.Snapshot("t2"))

	assert.Equal(t, 1, f.relay.DeliverToRole("t2", RolePatient, Event{Name: EventAgentAnalysis}))
	assert.Len(t, p1.received(), 1)
	assert.Len(t, p2.received(), 1)
}

func TestRelayDropsUnjoinedMessage(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("abc123", "P")
	doc := newPeer("doc")
	require.NoError(t, f.relay.Join(doc, "abc123", RoleClinician, ""))

	assert.ErrorIs(t, f.relay.RelayMessage("ghost", "hello"), ErrNotJoined)
	assert.Empty(t, doc.received())
	assert.Empty(t, f.transcripts.Snapshot("abc123"))
	assert.Empty(t, f.trigger.jobs)
}

func TestLeaveStopsDelivery(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("abc123", "P")

	d1, d2, pat := newPeer("d1"), newPeer("d2"), newPeer("pat")
	require.NoError(t, f.relay.Join(d1, "abc123", RoleClinician, ""))
	require.NoError(t, f.relay.Join(d2, "abc123", RoleClinician, ""))
	require.NoError(t, f.relay.Join(pat, "abc123", RolePatient, "P"))

	f.relay.Leave("d1")
	f.relay.Leave("d1")
	f.relay.Leave("never-joined")

	require.NoError(t, f.relay.RelayMessage("pat", "depois"))
	assert.Empty(t, d1.received())
	assert.Len(t, d2.chats(), 1)

	assert.Equal(t, 1, f.relay.DeliverToRole("abc123", RoleClinician, Event{Name: EventAgentAnalysis, Data: json.RawMessage(`{}`), Seq: 1}))
	assert.Empty(t, d1.received())

	assert.ErrorIs(t, f.relay.RelayMessage("d1", "still here?"), ErrNotJoined)
}

func TestRelayDropsSlowPeer(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("abc123", "P")

	slow, fast := newPeer("slow"), newPeer("fast")
	slow.full = true
	pat := newPeer("pat")
	require.NoError(t, f.relay.Join(slow, "abc123", RoleClinician, ""))
	require.NoError(t, f.relay.Join(fast, "abc123", RoleClinician, ""))
	require.NoError(t, f.relay.Join(pat, "abc123", RolePatient, "P"))

	require.NoError(t, f.relay.RelayMessage("pat", "oi"))
	assert.Len(t, fast.chats(), 1)
	_, joined := f.relay.Membership("slow")
	assert.False(t, joined)
	assert.Equal(t, 1, f.relay.Members("abc123")[RoleClinician])
}

func TestRelayAnalysisQueueFullDoesNotAffectDelivery(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.trigger.err = ErrQueueFull
	f.registry.Create("abc123", "P")

	doc, pat := newPeer("doc"), newPeer("pat")
	require.NoError(t, f.relay.Join(doc, "abc123", RoleClinician, ""))
	require.NoError(t, f.relay.Join(pat, "abc123", RolePatient, "P"))

	require.NoError(t, f.relay.RelayMessage("pat", "oi"))
	assert.Len(t, doc.chats(), 1)
}

func TestCloseSession(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	f.registry.Create("abc123", "P")
	doc := newPeer("doc")
	require.NoError(t, f.relay.Join(doc, "abc123", RoleClinician, ""))
	require.NoError(t, f.relay.RelayMessage("doc", "olá"))

	f.relay.CloseSession("abc123")
	f.relay.CloseSession("abc123")

	_, ok := f.registry.Lookup("abc123")
	assert.False(t, ok)
	assert.Empty(t, f.transcripts.Snapshot("abc123"))
	_, ok = f.relay.Membership("doc")
	assert.False(t, ok)
	assert.ErrorIs(t, f.relay.Join(newPeer("late"), "abc123", RoleClinician, ""), ErrInvalidSession)
}

func TestReapIdle(t *testing.T) {
	t.Parallel()
	f := newRelayFixture(t)
	now := time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)
	f.registry.now = func() time.Time { return now }
	f.relay.now = func() time.Time { return now }

	f.registry.Create("never-used", "P1")
	f.registry.Create("busy", "P2")
	f.registry.Create("left", "P3")
	require.NoError(t, f.relay.Join(newPeer("d"), "busy", RoleClinician, ""))
	require.NoError(t, f.relay.Join(newPeer("gone"), "left", RoleClinician, ""))

	now = now.Add(20 * time.Minute)
	f.relay.Leave("gone")

	now = now.Add(15 * time.Minute)
	closed := f.relay.ReapIdle(30 * time.Minute)
	assert.Equal(t, []string{"never-used"}, closed)

	now = now.Add(20 * time.Minute)
	closed = f.relay.ReapIdle(30 * time.Minute)
	assert.Equal(t, []string{"left"}, closed)

	_, ok := f.registry.Lookup("busy")
	assert.True(t, ok)
}
