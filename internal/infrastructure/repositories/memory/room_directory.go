package memory

import (
	"context"
	"sort"
	"sync"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
)

type roomEntry struct {
	record    domain.RoomRecord
	peers     map[domain.SessionID]struct{}
	producers map[domain.ProducerID]domain.ProducerRecord
}

// MemoryRoomDirectory keeps the room directory in process.
type MemoryRoomDirectory struct {
	rooms map[domain.RoomID]*roomEntry
	mu    sync.RWMutex
}

var _ ports.RoomDirectory = (*MemoryRoomDirectory)(nil)

func NewMemoryRoomDirectory() *MemoryRoomDirectory {
	return &MemoryRoomDirectory{
		rooms: make(map[domain.RoomID]*roomEntry),
	}
}

func (r *MemoryRoomDirectory) SaveRoom(ctx context.Context, room *domain.RoomRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.rooms[room.ID]
	if !exists {
		entry = &roomEntry{
			peers:     make(map[domain.SessionID]struct{}),
			producers: make(map[domain.ProducerID]domain.ProducerRecord),
		}
		r.rooms[room.ID] = entry
	}
	entry.record = domain.RoomRecord{ID: room.ID, Instance: room.Instance, CreatedAt: room.CreatedAt}
	for _, id := range room.Peers {
		entry.peers[id] = struct{}{}
	}
	for _, p := range room.Producers {
		entry.producers[p.ID] = p
	}
	return nil
}

func (r *MemoryRoomDirectory) DeleteRoom(ctx context.Context, id domain.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.rooms[id]; !exists {
		return domain.ErrRoomNotFound
	}
	delete(r.rooms, id)
	return nil
}

func (r *MemoryRoomDirectory) GetRoom(ctx context.Context, id domain.RoomID) (*domain.RoomRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, exists := r.rooms[id]
	if !exists {
		return nil, domain.ErrRoomNotFound
	}
	return entry.snapshot(), nil
}

func (r *MemoryRoomDirectory) ListRooms(ctx context.Context) ([]*domain.RoomRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := make([]*domain.RoomRecord, 0, len(r.rooms))
	for _, entry := range r.rooms {
		rooms = append(rooms, entry.snapshot())
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID < rooms[j].ID })
	return rooms, nil
}

func (r *MemoryRoomDirectory) AddPeer(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID) error {
	return r.update(roomID, func(e *roomEntry) { e.peers[sessionID] = struct{}{} })
}

func (r *MemoryRoomDirectory) RemovePeer(ctx context.Context, roomID domain.RoomID, sessionID domain.SessionID) error {
	return r.update(roomID, func(e *roomEntry) { delete(e.peers, sessionID) })
}

func (r *MemoryRoomDirectory) AddProducer(ctx context.Context, roomID domain.RoomID, producer domain.ProducerRecord) error {
	return r.update(roomID, func(e *roomEntry) { e.producers[producer.ID] = producer })
}

func (r *MemoryRoomDirectory) RemoveProducer(ctx context.Context, roomID domain.RoomID, producerID domain.ProducerID) error {
	return r.update(roomID, func(e *roomEntry) { delete(e.producers, producerID) })
}

func (r *MemoryRoomDirectory) update(id domain.RoomID, fn func(*roomEntry)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.rooms[id]
	if !exists {
		return domain.ErrRoomNotFound
	}
	fn(entry)
	return nil
}

func (e *roomEntry) snapshot() *domain.RoomRecord {
	out := e.record
	out.Peers = make([]domain.SessionID, 0, len(e.peers))
	for id := range e.peers {
		out.Peers = append(out.Peers, id)
	}
	sort.Slice(out.Peers, func(i, j int) bool { return out.Peers[i] < out.Peers[j] })

	out.Producers = make([]domain.ProducerRecord, 0, len(e.producers))
	for _, p := range e.producers {
		out.Producers = append(out.Producers, p)
	}
	sortProducers(out.Producers)
	return &out
}

func sortProducers(p []domain.ProducerRecord) {
	sort.Slice(p, func(i, j int) bool {
		if p[i].CreatedAt.Equal(p[j].CreatedAt) {
			return p[i].ID < p[j].ID
		}
		return p[i].CreatedAt.Before(p[j].CreatedAt)
	})
}
