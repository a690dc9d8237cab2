package services

import (
	"context"
	"sync"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	apperrors "sfugate/pkg/errors"

	"go.uber.org/zap"
)

// Transport is one ICE/DTLS endpoint owned by a peer session.
type Transport struct {
	id        domain.TransportID
	role      domain.TransportRole
	sessionID domain.SessionID
	roomID    domain.RoomID
	engine    ports.EngineTransport
	params    domain.TransportParameters

	mu          sync.Mutex
	state       domain.TransportState
	handshaking bool
	onClose     func(domain.TransportState)
	metrics     ports.MetricsRecorder
}

func (t *Transport) ID() domain.TransportID                 { return t.id }
func (t *Transport) Role() domain.TransportRole             { return t.role }
func (t *Transport) Parameters() domain.TransportParameters { return t.params }

func (t *Transport) State() domain.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// OnClose registers the owner callback fired once when the transport reaches
// closed or failed, whatever the cause.
func (t *Transport) OnClose(fn func(domain.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onClose = fn
}

func (t *Transport) beginConnect() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case domain.TransportStateConnected:
		return apperrors.NewAlreadyConnected()
	case domain.TransportStateClosed, domain.TransportStateFailed:
		return apperrors.NewTransportClosed()
	}
	if t.handshaking {
		return apperrors.NewAlreadyConnected()
	}
	t.handshaking = true
	return nil
}

func (t *Transport) endConnect(err error) error {
	t.mu.Lock()
	t.handshaking = false
	if t.state.Terminal() {
		t.mu.Unlock()
		return apperrors.NewTransportClosed()
	}
	if err != nil {
		t.mu.Unlock()
		t.terminate(domain.TransportStateFailed)
		return err
	}
	t.state = domain.TransportStateConnected
	t.mu.Unlock()
	return nil
}

// terminate moves the transport into a terminal state and fires the owner
// callback the first time.
func (t *Transport) terminate(state domain.TransportState) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = state
	cb := t.onClose
	t.mu.Unlock()

	t.metrics.TransportClosed(t.role)
	if cb != nil {
		cb(state)
	}
	return true
}

func (t *Transport) handleEngineState(state domain.TransportState) {
	switch state {
	case domain.TransportStateFailed, domain.TransportStateClosed:
		t.terminate(state)
	}
}

// TransportManager creates transports and drives their handshake.
type TransportManager struct {
	engineCaller
	connectTimeout time.Duration
}

func NewTransportManager(metrics ports.MetricsRecorder, logger *zap.SugaredLogger, connectTimeout time.Duration) *TransportManager {
	return &TransportManager{
		engineCaller:   engineCaller{metrics: metrics, logger: logger},
		connectTimeout: connectTimeout,
	}
}

// CreateTransport allocates an endpoint on the room router. Allocation
// failures are reported as EngineUnavailable to the caller only.
func (m *TransportManager) CreateTransport(ctx context.Context, room *Room, sessionID domain.SessionID, role domain.TransportRole) (*Transport, error) {
	if !role.Valid() {
		return nil, apperrors.Newf(apperrors.ErrCodeInvalidRequest, "unknown transport role %q", role)
	}

	var et ports.EngineTransport
	err := m.call(ctx, "create_transport", room.ID(), func(ctx context.Context) error {
		var err error
		et, err = room.router.CreateTransport(ctx, role)
		return err
	})
	if err != nil {
		return nil, apperrors.NewEngineUnavailable(err)
	}

	t := &Transport{
		id:        domain.TransportID(et.ID()),
		role:      role,
		sessionID: sessionID,
		roomID:    room.ID(),
		engine:    et,
		params:    et.Parameters(),
		state:     domain.TransportStateConnecting,
		metrics:   m.metrics,
	}
	et.OnStateChange(t.handleEngineState)
	m.metrics.TransportOpened(role)

	m.logger.Infow("Transport created",
		"transport_id", t.id,
		"session_id", sessionID,
		"room_id", room.ID(),
		"role", role,
	)
	return t, nil
}

// Connect completes the DTLS handshake. It runs at most once per transport;
// later calls report AlreadyConnected or TransportClosed without touching the engine.
func (m *TransportManager) Connect(ctx context.Context, t *Transport, params domain.TransportConnectParams) error {
	if err := t.beginConnect(); err != nil {
		return err
	}
	if err := params.DtlsParameters.Validate(); err != nil {
		t.mu.Lock()
		t.handshaking = false
		t.mu.Unlock()
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidRequest, "invalid dtls parameters")
	}

	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	err := m.call(ctx, "connect_transport", t.roomID, func(ctx context.Context) error {
		return t.engine.Connect(ctx, params)
	})
	if err := t.endConnect(engineError(err)); err != nil {
		m.logger.Warnw("Transport connect failed",
			"transport_id", t.id,
			"session_id", t.sessionID,
			"error", err,
		)
		return err
	}

	m.logger.Infow("Transport connected", "transport_id", t.id, "session_id", t.sessionID, "role", t.role)
	return nil
}

// Close tears the transport down. The owner callback fires if it was still open.
func (m *TransportManager) Close(t *Transport) {
	t.terminate(domain.TransportStateClosed)
	if err := t.engine.Close(); err != nil {
		m.logger.Debugw("Engine transport close failed", "transport_id", t.id, "error", err)
	}
}
