package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	apperrors "sfugate/pkg/errors"
	"sfugate/pkg/retry"

	"go.uber.org/zap"
)

const (
	OnFailureShutdown = "shutdown"
	OnFailureRestart  = "restart"
)

// ErrEngineLost is passed to the fatal hook when the engine died and could
// not be brought back.
var ErrEngineLost = errors.New("media engine lost")

type RoomManagerConfig struct {
	Instance    string
	Codecs      []domain.RtpCodecCapability
	MaxPeers    int
	MaxRooms    int
	OnFailure   string
	MaxRestarts int
	Restart     retry.Config
	// ConnectTimeout bounds one DTLS handshake.
	ConnectTimeout time.Duration
}

// RoomManager owns the media engine, the rooms built on it and the live
// sessions. Its lock only guards the maps; engine calls run outside it.
type RoomManager struct {
	cfg        RoomManagerConfig
	factory    ports.EngineFactory
	transports *TransportManager
	lifecycle  *Lifecycle
	mirror     *DirectoryMirror
	metrics    ports.MetricsRecorder
	logger     *zap.SugaredLogger
	engineCaller

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	engine    ports.MediaEngine
	available bool
	restarts  int
	rooms     map[domain.RoomID]*Room
	sessions  map[domain.SessionID]*PeerSession

	hooksMu      sync.Mutex
	onFatal      func(error)
	onRoomClosed []func(domain.RoomID)
}

func NewRoomManager(cfg RoomManagerConfig, engine ports.MediaEngine, factory ports.EngineFactory, mirror *DirectoryMirror, metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *RoomManager {
	if cfg.OnFailure == "" {
		cfg.OnFailure = OnFailureShutdown
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &RoomManager{
		cfg:          cfg,
		factory:      factory,
		transports:   NewTransportManager(metrics, logger, cfg.ConnectTimeout),
		lifecycle:    NewLifecycle(metrics, logger),
		mirror:       mirror,
		metrics:      metrics,
		logger:       logger,
		engineCaller: engineCaller{metrics: metrics, logger: logger},
		ctx:          ctx,
		cancel:       cancel,
		engine:       engine,
		available:    true,
		rooms:        make(map[domain.RoomID]*Room),
		sessions:     make(map[domain.SessionID]*PeerSession),
	}
}

// Start begins watching the engine for death.
func (m *RoomManager) Start() {
	m.mu.Lock()
	engine := m.engine
	m.mu.Unlock()
	go m.watch(engine)
}

// OnFatal registers the process level hook run when the engine is gone for good.
func (m *RoomManager) OnFatal(fn func(error)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onFatal = fn
}

// OnRoomClosed registers fn to run after a room was torn down.
func (m *RoomManager) OnRoomClosed(fn func(domain.RoomID)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onRoomClosed = append(m.onRoomClosed, fn)
}

func (m *RoomManager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.available
}

func (m *RoomManager) Instance() string { return m.cfg.Instance }

// Room returns a live room.
func (m *RoomManager) Room(id domain.RoomID) *Room {
	m.mu.Lock()
	room := m.rooms[id]
	m.mu.Unlock()
	if room == nil || room.Closed() || !room.isReady() {
		return nil
	}
	return room
}

// Rooms lists live rooms ordered by id.
func (m *RoomManager) Rooms() []*Room {
	m.mu.Lock()
	out := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		out = append(out, r)
	}
	m.mu.Unlock()

	live := out[:0]
	for _, r := range out {
		if !r.Closed() && r.isReady() {
			live = append(live, r)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i].id < live[j].id })
	return live
}

func (m *RoomManager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Join opens a peer session in roomID, creating the room on first use.
func (m *RoomManager) Join(ctx context.Context, roomID domain.RoomID, notifier ports.Notifier) (*PeerSession, error) {
	for attempt := 0; attempt < 3; attempt++ {
		room, created, err := m.reserve(roomID)
		if err != nil {
			return nil, err
		}
		if created {
			m.buildRoom(ctx, room)
		}

		select {
		case <-room.ready:
		case <-ctx.Done():
			m.releaseReservation(room)
			return nil, apperrors.Wrap(ctx.Err(), apperrors.ErrCodeInvalidState, "join cancelled")
		}
		if room.err != nil {
			return nil, room.err
		}

		s := newPeerSession(room, m, notifier)
		s.greet()
		if !room.admit(s) {
			s.Close()
			s.start()
			<-s.Done()
			continue
		}
		s.start()

		m.mu.Lock()
		if !m.available {
			m.mu.Unlock()
			s.Close()
			<-s.Done()
			return nil, apperrors.NewEngineUnavailable(domain.ErrEngineClosed)
		}
		m.sessions[s.id] = s
		m.mu.Unlock()

		m.metrics.SessionOpened()
		m.mirror.AddPeer(room.id, s.id)
		m.mirror.Publish(domain.RoomEvent{Type: domain.RoomEventPeerJoined, RoomID: room.id, SessionID: s.id})
		s.logger.Infow("Peer session opened")
		return s, nil
	}
	return nil, apperrors.NewEngineUnavailable(domain.ErrEngineClosed).WithContext("room_id", roomID)
}

func (m *RoomManager) reserve(roomID domain.RoomID) (*Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.available {
		return nil, false, apperrors.NewEngineUnavailable(domain.ErrEngineClosed)
	}

	if room := m.rooms[roomID]; room != nil {
		ok, err := room.reserve(m.cfg.MaxPeers)
		if err != nil {
			return nil, false, err
		}
		if ok {
			return room, false, nil
		}
		delete(m.rooms, roomID)
	}

	if m.cfg.MaxRooms > 0 && len(m.rooms) >= m.cfg.MaxRooms {
		return nil, false, apperrors.NewNotAuthorized("room limit reached")
	}
	room := newRoom(roomID)
	room.pending = 1
	m.rooms[roomID] = room
	return room, true, nil
}

// buildRoom negotiates capabilities and creates the router. Waiters block on
// room.ready.
func (m *RoomManager) buildRoom(ctx context.Context, room *Room) {
	defer close(room.ready)

	caps, err := Negotiate(m.cfg.Codecs)
	if err != nil {
		room.err = apperrors.Wrap(err, apperrors.ErrCodeInternal, "codec negotiation failed")
	}

	var router ports.Router
	if room.err == nil {
		m.mu.Lock()
		engine := m.engine
		m.mu.Unlock()

		err = m.call(ctx, "create_router", room.id, func(ctx context.Context) error {
			var err error
			router, err = engine.CreateRouter(ctx, caps.Capabilities())
			return err
		})
		if err != nil {
			room.err = apperrors.NewEngineUnavailable(err)
		}
	}

	if room.err != nil {
		room.markClosed()
		m.forgetRoom(room)
		m.logger.Errorw("Room creation failed", "room_id", room.id, "error", room.err)
		return
	}

	room.caps = caps
	room.router = router
	m.metrics.RoomOpened()
	m.mirror.SaveRoom(room.Record(m.cfg.Instance))
	m.mirror.Publish(domain.RoomEvent{Type: domain.RoomEventCreated, RoomID: room.id})
	m.logger.Infow("Room created", "room_id", room.id, "router_id", router.ID())
}

func (m *RoomManager) forgetRoom(room *Room) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rooms[room.id] == room {
		delete(m.rooms, room.id)
	}
}

func (m *RoomManager) releaseReservation(room *Room) {
	if room.release() {
		go func() {
			<-room.ready
			if room.err == nil {
				m.destroyRoom(room)
			}
		}()
	}
}

// shutdownRoom closes a room whatever its membership, waiting for a pending
// router creation first.
func (m *RoomManager) shutdownRoom(room *Room) {
	if !room.markClosed() {
		return
	}
	<-room.ready
	if room.err != nil {
		m.forgetRoom(room)
		return
	}
	m.destroyRoom(room)
}

// leave is called from the session worker during teardown.
func (m *RoomManager) leave(s *PeerSession) {
	m.mu.Lock()
	_, member := m.sessions[s.id]
	delete(m.sessions, s.id)
	m.mu.Unlock()

	if member {
		m.metrics.SessionClosed()
		m.mirror.RemovePeer(s.room.id, s.id)
		m.mirror.Publish(domain.RoomEvent{Type: domain.RoomEventPeerLeft, RoomID: s.room.id, SessionID: s.id})
	}

	if s.room.removePeer(s.id) {
		m.destroyRoom(s.room)
	}
}

// destroyRoom releases the router of a room already marked closed.
func (m *RoomManager) destroyRoom(room *Room) {
	m.forgetRoom(room)

	for _, p := range room.Producers() {
		m.closeProducer(room, p)
	}
	if room.router != nil {
		if err := room.router.Close(); err != nil {
			m.logger.Debugw("Router close failed", "room_id", room.id, "error", err)
		}
	}

	m.metrics.RoomClosed()
	m.mirror.DeleteRoom(room.id)
	m.mirror.Publish(domain.RoomEvent{Type: domain.RoomEventClosed, RoomID: room.id})
	m.logger.Infow("Room closed", "room_id", room.id)

	m.hooksMu.Lock()
	hooks := append([]func(domain.RoomID){}, m.onRoomClosed...)
	m.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(room.id)
	}
}

// publishProducer registers p in room and announces it to the other peers.
func (m *RoomManager) publishProducer(room *Room, p *Producer) error {
	if err := room.AddProducer(p); err != nil {
		return err
	}
	m.mirror.AddProducer(room.id, p.Record())
	m.mirror.Publish(domain.RoomEvent{
		Type:       domain.RoomEventProducerAdded,
		RoomID:     room.id,
		SessionID:  p.sessionID,
		ProducerID: p.id,
		Kind:       p.kind,
	})

	room.broadcast(p.sessionID, func(s *PeerSession) {
		s.notify(EventNewProducer, NewProducerEvent{ProducerID: p.id, Kind: p.kind})
	})
	return nil
}

// closeProducer runs the producer close cascade and unregisters it.
func (m *RoomManager) closeProducer(room *Room, p *Producer) {
	if !m.lifecycle.CloseProducer(p) {
		return
	}
	room.RemoveProducer(p.id)
	m.mirror.RemoveProducer(room.id, p.id)
	m.mirror.Publish(domain.RoomEvent{
		Type:       domain.RoomEventProducerClosed,
		RoomID:     room.id,
		SessionID:  p.sessionID,
		ProducerID: p.id,
		Kind:       p.kind,
	})
}

// OpenIngest creates a plain RTP producer in an existing room. The producer
// belongs to the room and closes when the ingest stops.
func (m *RoomManager) OpenIngest(ctx context.Context, roomID domain.RoomID, kind domain.MediaKind) (*Producer, ports.IngestTarget, error) {
	if !kind.Valid() {
		return nil, ports.IngestTarget{}, apperrors.NewInvalidRequest("unknown media kind " + string(kind))
	}
	if !m.Available() {
		return nil, ports.IngestTarget{}, apperrors.NewEngineUnavailable(domain.ErrEngineClosed)
	}
	room := m.Room(roomID)
	if room == nil {
		return nil, ports.IngestTarget{}, apperrors.NewNotFoundError("room")
	}

	var ingest ports.PlainIngest
	err := m.call(ctx, "create_plain_ingest", room.id, func(ctx context.Context) error {
		var err error
		ingest, err = room.router.CreatePlainIngest(ctx, kind)
		return err
	})
	if err != nil {
		return nil, ports.IngestTarget{}, engineError(err)
	}

	p := m.lifecycle.AdoptIngest(ingest)
	if err := m.publishProducer(room, p); err != nil {
		m.lifecycle.CloseProducer(p)
		return nil, ports.IngestTarget{}, err
	}
	ingest.OnClose(func() { m.closeProducer(room, p) })

	m.logger.Infow("Ingest producer opened", "room_id", room.id, "producer_id", p.id, "kind", kind)
	return p, ingest.Target(), nil
}

// CloseIngest closes a room owned producer.
func (m *RoomManager) CloseIngest(roomID domain.RoomID, producerID domain.ProducerID) {
	m.mu.Lock()
	room := m.rooms[roomID]
	m.mu.Unlock()
	if room == nil {
		return
	}
	room.mu.RLock()
	p := room.producers[producerID]
	room.mu.RUnlock()
	if p != nil && p.source == SourcePipeline {
		m.closeProducer(room, p)
	}
}

func (m *RoomManager) watch(engine ports.MediaEngine) {
	select {
	case err := <-engine.Died():
		m.engineDied(engine, err)
	case <-m.ctx.Done():
	}
}

// engineDied fails every session and room, then restarts the engine or
// escalates according to the configured policy.
func (m *RoomManager) engineDied(engine ports.MediaEngine, cause error) {
	m.mu.Lock()
	if m.engine != engine || !m.available {
		m.mu.Unlock()
		return
	}
	m.available = false
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	sessions := make([]*PeerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	m.metrics.EngineDied()
	m.mirror.Publish(domain.RoomEvent{Type: domain.RoomEventEngineDied})
	m.logger.Errorw("Media engine died",
		"error", cause,
		"sessions", len(sessions),
		"rooms", len(rooms),
		"policy", m.cfg.OnFailure,
	)

	notice := ErrorEvent{Code: apperrors.ErrCodeEngineUnavailable, Message: "media engine unavailable"}
	for _, s := range sessions {
		// Sent from this goroutine, not posted: Close drops queued jobs.
		// Notifiers must not block.
		s.notify(EventError, notice)
		s.Close()
	}
	for _, s := range sessions {
		<-s.Done()
	}
	for _, r := range rooms {
		m.shutdownRoom(r)
	}
	_ = engine.Close()

	if m.cfg.OnFailure == OnFailureRestart {
		go m.restart(cause)
		return
	}
	m.fatal(errors.Join(ErrEngineLost, cause))
}

func (m *RoomManager) restart(cause error) {
	m.mu.Lock()
	budget := m.cfg.MaxRestarts - m.restarts
	m.mu.Unlock()
	if budget <= 0 || m.factory == nil {
		m.fatal(errors.Join(ErrEngineLost, cause))
		return
	}

	cfg := m.cfg.Restart
	cfg.MaxAttempts = budget
	attempts := 0
	engine, err := retry.DoWithResult(m.ctx, cfg, func(ctx context.Context) (ports.MediaEngine, error) {
		attempts++
		return m.factory(ctx)
	}, func(attempt int, err error, wait time.Duration) {
		m.logger.Warnw("Media engine restart failed", "attempt", attempt, "error", err, "retry_in", wait)
	})

	m.mu.Lock()
	m.restarts += attempts
	if err != nil {
		m.mu.Unlock()
		m.fatal(errors.Join(ErrEngineLost, cause, err))
		return
	}
	m.engine = engine
	m.available = true
	m.mu.Unlock()

	m.logger.Infow("Media engine restarted", "restarts", attempts)
	go m.watch(engine)
}

func (m *RoomManager) fatal(err error) {
	m.hooksMu.Lock()
	fn := m.onFatal
	m.hooksMu.Unlock()

	m.logger.Errorw("Media engine unrecoverable", "error", err)
	if fn != nil {
		fn(err)
	}
}

// Close disconnects every session, tears the rooms down and closes the engine.
func (m *RoomManager) Close(ctx context.Context) error {
	m.cancel()

	m.mu.Lock()
	m.available = false
	sessions := make([]*PeerSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	engine := m.engine
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	m.mu.Lock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()
	for _, r := range rooms {
		m.shutdownRoom(r)
	}

	m.mirror.Stop()
	return engine.Close()
}
