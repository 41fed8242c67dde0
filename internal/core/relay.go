package core

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event names shared with the transport.
const (
	EventJoinRoom      = "join_room"
	EventChatMessage   = "chat_message"
	EventAgentAnalysis = "agent_analysis"
	EventError         = "error"
)

// Event is an outbound message for a single connection.  Data is encoded by
// the transport.  Seq is set on analysis pushes to the transcript length the
// result was computed from, so clients can discard results older than one
// they already display.
type Event struct {
	Name string
	Data any
	Seq  int
}

// ChatMessage is the payload delivered to the opposite role.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Peer is the transport side of a live connection.
type Peer interface {
	ID() string
	// Send queues an event without blocking.  It reports false when the
	// peer cannot take more events; the relay then drops the peer.
	Send(ev Event) bool
}

// Membership records which room a connection joined and with which role.
type Membership struct {
	ConnID string
	Role   Role
	Token  string
}

// Trigger accepts a job for every relayed message.  Enqueue is called with
// the room locked, in transcript order, and must not block.
type Trigger interface {
	Enqueue(job Job) error
}

// Triggers fans a job out to several triggers.  Every trigger sees every
// job; the errors are joined.
type Triggers []Trigger

// Enqueue implements Trigger.
func (ts Triggers) Enqueue(job Job) error {
	var errs []error
	for _, t := range ts {
		if err := t.Enqueue(job); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type member struct {
	peer Peer
	role Role
}

type room struct {
	mu         sync.Mutex
	members    map[string]member
	lastActive time.Time
}

// Relay admits connections into rooms and fans chat messages out to the
// opposite role.  Lock order is r.mu before room.mu.
type Relay struct {
	log         *zap.Logger
	registry    *Registry
	transcripts *Transcripts
	trigger     Trigger
	now         func() time.Time

	mu    sync.RWMutex
	rooms map[string]*room
	conns map[string]Membership
}

// NewRelay wires a Relay to its registry and transcript store.  trigger may
// be nil, in which case no analysis runs.
func NewRelay(logger *zap.Logger, registry *Registry, transcripts *Transcripts, trigger Trigger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		log:         logger,
		registry:    registry,
		transcripts: transcripts,
		trigger:     trigger,
		now:         time.Now,
		rooms:       make(map[string]*room),
		conns:       make(map[string]Membership),
	}
}

// Join admits peer into the room for token.  Patients must present the
// patient identity the token is bound to; clinicians only need the token.
func (r *Relay) Join(peer Peer, token string, role Role, patientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := peer.ID()
	if _, ok := r.conns[id]; ok {
		return ErrAlreadyJoined
	}
	allowed, ok := r.registry.Lookup(token)
	if !ok {
		return ErrInvalidSession
	}
	if role != RoleClinician && role != RolePatient {
		return fmt.Errorf("join as %s: %w", role, ErrForbidden)
	}
	if role == RolePatient && patientID != allowed {
		return ErrForbidden
	}

	rm, ok := r.rooms[token]
	if !ok {
		rm = &room{members: make(map[string]member)}
		r.rooms[token] = rm
	}
	rm.mu.Lock()
	rm.members[id] = member{peer: peer, role: role}
	rm.lastActive = r.now()
	size := len(rm.members)
	rm.mu.Unlock()

	r.conns[id] = Membership{ConnID: id, Role: role, Token: token}
	r.log.Info("joined room",
		zap.String("token", token),
		zap.String("conn", id),
		zap.Stringer("role", role),
		zap.Int("members", size))
	return nil
}

// RelayMessage records content in the sender's room transcript and delivers
// it to every connection of the opposite role.  The sender gets no echo.
// Messages from connections that never joined return ErrNotJoined and are
// otherwise ignored.
func (r *Relay) RelayMessage(connID, content string) error {
	r.mu.RLock()
	m, ok := r.conns[connID]
	if !ok {
		r.mu.RUnlock()
		r.log.Debug("dropped message from unjoined connection", zap.String("conn", connID))
		return ErrNotJoined
	}
	rm := r.rooms[m.Token]

	// Appending and enqueueing under the room lock keeps delivery FIFO per
	// room and guarantees the transcript already holds what peers receive.
	rm.mu.Lock()
	seq := r.transcripts.Append(m.Token, m.Role, content)
	rm.lastActive = r.now()
	target := m.Role.Opposite()
	ev := Event{Name: EventChatMessage, Data: ChatMessage{Role: m.Role, Content: content}}
	delivered, dropped := sendToRole(rm, target, ev)
	var enqueueErr error
	if r.trigger != nil {
		enqueueErr = r.trigger.Enqueue(Job{Token: m.Token, Seq: seq, Entry: Entry{Role: m.Role, Content: content}})
	}
	rm.mu.Unlock()
	r.mu.RUnlock()

	r.dropPeers(m.Token, dropped)
	r.log.Debug("relayed message",
		zap.String("token", m.Token),
		zap.String("conn", connID),
		zap.Stringer("role", m.Role),
		zap.Int("seq", seq),
		zap.Int("delivered", delivered))

	if enqueueErr != nil {
		r.log.Warn("job not scheduled", zap.String("token", m.Token), zap.Int("seq", seq), zap.Error(enqueueErr))
	}
	return nil
}

// DeliverToRole sends ev to every connection in the token's room holding
// role and returns how many accepted it.  Unknown or empty rooms yield zero.
func (r *Relay) DeliverToRole(token string, role Role, ev Event) int {
	r.mu.RLock()
	rm, ok := r.rooms[token]
	if !ok {
		r.mu.RUnlock()
		return 0
	}
	rm.mu.Lock()
	delivered, dropped := sendToRole(rm, role, ev)
	rm.mu.Unlock()
	r.mu.RUnlock()

	r.dropPeers(token, dropped)
	return delivered
}

// sendToRole must be called with rm.mu held.
func sendToRole(rm *room, role Role, ev Event) (delivered int, dropped []string) {
	for id, mem := range rm.members {
		if mem.role != role {
			continue
		}
		if mem.peer.Send(ev) {
			delivered++
		} else {
			dropped = append(dropped, id)
		}
	}
	return delivered, dropped
}

func (r *Relay) dropPeers(token string, ids []string) {
	for _, id := range ids {
		r.log.Warn("dropping slow connection", zap.String("token", token), zap.String("conn", id))
		r.Leave(id)
	}
}

// Leave removes the connection from its room.  It is a no-op for
// connections that never joined.
func (r *Relay) Leave(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.conns[connID]
	if !ok {
		return
	}
	delete(r.conns, connID)
	if rm, ok := r.rooms[m.Token]; ok {
		rm.mu.Lock()
		delete(rm.members, connID)
		rm.lastActive = r.now()
		rm.mu.Unlock()
	}
	r.log.Info("left room", zap.String("token", m.Token), zap.String("conn", connID), zap.Stringer("role", m.Role))
}

// Membership returns the room membership of a connection.
func (r *Relay) Membership(connID string) (Membership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.conns[connID]
	return m, ok
}

// Members returns the number of connections per role in the token's room.
func (r *Relay) Members(token string) map[Role]int {
	out := map[Role]int{}
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[token]
	if !ok {
		return out
	}
	rm.mu.Lock()
	for _, mem := range rm.members {
		out[mem.role]++
	}
	rm.mu.Unlock()
	return out
}

// CloseSession removes the binding, the transcript and the room for token.
// Connections still in the room become unjoined.  Closing an unknown token
// is a no-op.
func (r *Relay) CloseSession(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeLocked(token)
}

func (r *Relay) closeLocked(token string) {
	if rm, ok := r.rooms[token]; ok {
		rm.mu.Lock()
		for id := range rm.members {
			delete(r.conns, id)
		}
		rm.mu.Unlock()
		delete(r.rooms, token)
	}
	r.registry.Remove(token)
	r.transcripts.Drop(token)
	r.log.Info("session closed", zap.String("token", token))
}

// ReapIdle closes every session whose room has no members and has seen no
// activity for at least ttl.  It returns the closed tokens.
func (r *Relay) ReapIdle(ttl time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-ttl)
	var closed []string
	for _, token := range r.registry.Tokens() {
		b, ok := r.registry.Binding(token)
		if !ok {
			continue
		}
		last := b.CreatedAt
		if rm, ok := r.rooms[token]; ok {
			rm.mu.Lock()
			busy := len(rm.members) > 0
			if rm.lastActive.After(last) {
				last = rm.lastActive
			}
			rm.mu.Unlock()
			if busy {
				continue
			}
		}
		if last.After(cutoff) {
			continue
		}
		r.closeLocked(token)
		closed = append(closed, token)
	}
	return closed
}
