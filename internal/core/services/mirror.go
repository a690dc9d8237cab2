package services

import (
	"context"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	"sfugate/pkg/batch"

	"go.uber.org/zap"
)

// DirectoryMirror copies room state to the room directory and event bus
// off the signaling path. Writes are queued and applied in order; failures
// are logged and never reach a client.
type DirectoryMirror struct {
	directory ports.RoomDirectory
	events    ports.EventPublisher
	instance  string
	batcher   *batch.Batcher
	logger    *zap.SugaredLogger
}

func NewDirectoryMirror(directory ports.RoomDirectory, events ports.EventPublisher, instance string, cfg batch.Config, logger *zap.SugaredLogger) *DirectoryMirror {
	m := &DirectoryMirror{
		directory: directory,
		events:    events,
		instance:  instance,
		logger:    logger,
	}
	m.batcher = batch.NewBatcher(cfg, batch.SequentialProcessor{}, func(err error) {
		logger.Warnw("Room directory sync failed", "error", err)
	})
	return m
}

func (m *DirectoryMirror) enqueue(fn func(ctx context.Context) error) {
	if m == nil {
		return
	}
	if err := m.batcher.Add(batch.OperationFunc(fn)); err != nil {
		m.logger.Warnw("Room directory update dropped", "error", err)
	}
}

func (m *DirectoryMirror) SaveRoom(rec *domain.RoomRecord) {
	if m == nil || m.directory == nil {
		return
	}
	m.enqueue(func(ctx context.Context) error { return m.directory.SaveRoom(ctx, rec) })
}

func (m *DirectoryMirror) DeleteRoom(id domain.RoomID) {
	if m == nil || m.directory == nil {
		return
	}
	m.enqueue(func(ctx context.Context) error { return m.directory.DeleteRoom(ctx, id) })
}

func (m *DirectoryMirror) AddPeer(roomID domain.RoomID, sessionID domain.SessionID) {
	if m == nil || m.directory == nil {
		return
	}
	m.enqueue(func(ctx context.Context) error { return m.directory.AddPeer(ctx, roomID, sessionID) })
}

func (m *DirectoryMirror) RemovePeer(roomID domain.RoomID, sessionID domain.SessionID) {
	if m == nil || m.directory == nil {
		return
	}
	m.enqueue(func(ctx context.Context) error { return m.directory.RemovePeer(ctx, roomID, sessionID) })
}

func (m *DirectoryMirror) AddProducer(roomID domain.RoomID, rec domain.ProducerRecord) {
	if m == nil || m.directory == nil {
		return
	}
	m.enqueue(func(ctx context.Context) error { return m.directory.AddProducer(ctx, roomID, rec) })
}

func (m *DirectoryMirror) RemoveProducer(roomID domain.RoomID, id domain.ProducerID) {
	if m == nil || m.directory == nil {
		return
	}
	m.enqueue(func(ctx context.Context) error { return m.directory.RemoveProducer(ctx, roomID, id) })
}

func (m *DirectoryMirror) Publish(event domain.RoomEvent) {
	if m == nil || m.events == nil {
		return
	}
	event.Instance = m.instance
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	m.enqueue(func(ctx context.Context) error { return m.events.Publish(ctx, event) })
}

// Stop flushes queued writes.
func (m *DirectoryMirror) Stop() {
	if m == nil {
		return
	}
	m.batcher.Stop()
}
