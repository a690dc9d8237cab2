package services

import (
	"sync"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	apperrors "sfugate/pkg/errors"
)

// Room is one routing domain: a router, its negotiated capabilities, the
// producers published into it and the peers joined to it.
type Room struct {
	id        domain.RoomID
	router    ports.Router
	caps      *CapabilityRegistry
	createdAt time.Time

	// ready is closed once router creation finished; err holds its outcome.
	ready chan struct{}
	err   error

	mu        sync.RWMutex
	producers map[domain.ProducerID]*Producer
	order     []domain.ProducerID
	peers     map[domain.SessionID]*PeerSession
	pending   int
	closed    bool
}

func newRoom(id domain.RoomID) *Room {
	return &Room{
		id:        id,
		createdAt: time.Now(),
		ready:     make(chan struct{}),
		producers: make(map[domain.ProducerID]*Producer),
		peers:     make(map[domain.SessionID]*PeerSession),
	}
}

func (r *Room) ID() domain.RoomID                 { return r.id }
func (r *Room) Capabilities() *CapabilityRegistry { return r.caps }
func (r *Room) CreatedAt() time.Time              { return r.createdAt }
func (r *Room) Router() ports.Router              { return r.router }

func (r *Room) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// AddProducer registers p. It fails if the room was torn down meanwhile.
func (r *Room) AddProducer(p *Producer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return apperrors.NewEngineUnavailable(domain.ErrEngineClosed).WithContext("room_id", r.id)
	}
	r.producers[p.id] = p
	r.order = append(r.order, p.id)
	return nil
}

func (r *Room) RemoveProducer(id domain.ProducerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.producers[id]; !ok {
		return false
	}
	delete(r.producers, id)
	for i, pid := range r.order {
		if pid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

// Producer returns an open producer by id.
func (r *Room) Producer(id domain.ProducerID) *Producer {
	r.mu.RLock()
	p := r.producers[id]
	r.mu.RUnlock()
	if p == nil || p.Closed() {
		return nil
	}
	return p
}

// Producers lists open producers, oldest first.
func (r *Room) Producers() []*Producer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Producer, 0, len(r.order))
	for _, id := range r.order {
		if p := r.producers[id]; p != nil && !p.Closed() {
			out = append(out, p)
		}
	}
	return out
}

// pickProducer returns the oldest open producer the session neither owns
// nor already consumes.
func (r *Room) pickProducer(sessionID domain.SessionID) *Producer {
	for _, p := range r.Producers() {
		if p.sessionID == sessionID || p.consumedBy(sessionID) {
			continue
		}
		return p
	}
	return nil
}

func (r *Room) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) PeerIDs() []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.SessionID, 0, len(r.peers))
	for id := range r.peers {
		out = append(out, id)
	}
	return out
}

// broadcast posts fn to every peer except the given one.
func (r *Room) broadcast(except domain.SessionID, fn func(*PeerSession)) {
	r.mu.RLock()
	targets := make([]*PeerSession, 0, len(r.peers))
	for id, s := range r.peers {
		if id != except {
			targets = append(targets, s)
		}
	}
	r.mu.RUnlock()

	for _, s := range targets {
		s := s
		s.post(func() { fn(s) })
	}
}

func (r *Room) Record(instance string) *domain.RoomRecord {
	rec := &domain.RoomRecord{
		ID:        r.id,
		Instance:  instance,
		Peers:     r.PeerIDs(),
		CreatedAt: r.createdAt,
	}
	for _, p := range r.Producers() {
		rec.Producers = append(rec.Producers, p.Record())
	}
	return rec
}

// reserve holds a peer slot while the room or the session is being set up.
// It reports false if the room is already closed.
func (r *Room) reserve(maxPeers int) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, nil
	}
	if maxPeers > 0 && len(r.peers)+r.pending >= maxPeers {
		return false, apperrors.NewNotAuthorized("room is full").WithContext("room_id", r.id)
	}
	r.pending++
	return true, nil
}

// admit turns a reservation into membership.
func (r *Room) admit(s *PeerSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	if r.closed {
		return false
	}
	r.peers[s.id] = s
	return true
}

// release drops a reservation and reports whether the room became empty and
// was closed by this call.
func (r *Room) release() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending--
	return r.closeIfEmptyLocked()
}

// removePeer reports whether the room became empty and was closed by this call.
func (r *Room) removePeer(id domain.SessionID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.peers, id)
	return r.closeIfEmptyLocked()
}

func (r *Room) closeIfEmptyLocked() bool {
	if r.closed || len(r.peers) > 0 || r.pending > 0 {
		return false
	}
	r.closed = true
	return true
}

// markClosed closes the room regardless of membership.
func (r *Room) markClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) sessions() []*PeerSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*PeerSession, 0, len(r.peers))
	for _, s := range r.peers {
		out = append(out, s)
	}
	return out
}

func (r *Room) isReady() bool {
	select {
	case <-r.ready:
		return r.err == nil
	default:
		return false
	}
}
