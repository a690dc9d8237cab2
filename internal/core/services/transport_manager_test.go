package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/infrastructure/engine/memory"
	apperrors "sfugate/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTransportFixture(t *testing.T) (*TransportManager, *Room, *memory.Engine) {
	t.Helper()
	logger := zap.NewNop().Sugar()
	engine := memory.New(memory.Options{}, logger)
	t.Cleanup(func() { _ = engine.Close() })

	caps, err := Negotiate(defaultCodecs())
	require.NoError(t, err)
	router, err := engine.CreateRouter(context.Background(), caps.Capabilities())
	require.NoError(t, err)

	room := newRoom("transport-test")
	room.caps = caps
	room.router = router
	close(room.ready)

	return NewTransportManager(NopMetrics{}, logger, time.Second), room, engine
}

type closeRecorder struct {
	mu     sync.Mutex
	states []domain.TransportState
}

func (r *closeRecorder) record(state domain.TransportState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
}

func (r *closeRecorder) get() []domain.TransportState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.TransportState(nil), r.states...)
}

func TestTransportManager_CreateTransport(t *testing.T) {
	tm, room, engine := newTransportFixture(t)

	tr, err := tm.CreateTransport(context.Background(), room, "s1", domain.TransportRoleSend)
	require.NoError(t, err)

	assert.Equal(t, domain.TransportStateConnecting, tr.State())
	assert.Equal(t, domain.TransportRoleSend, tr.Role())
	params := tr.Parameters()
	assert.NotEmpty(t, params.IceParameters.UsernameFragment)
	require.Len(t, params.IceCandidates, 1)
	require.NotEmpty(t, params.DtlsParameters.Fingerprints)
	assert.NotNil(t, engine.Transport(string(tr.ID())))
}

func TestTransportManager_CreateTransportErrors(t *testing.T) {
	tm, room, engine := newTransportFixture(t)

	_, err := tm.CreateTransport(context.Background(), room, "s1", "both")
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.CodeOf(err))

	engine.FailNext(memory.FaultCreateTransport, domain.ErrPortsExhausted)
	_, err = tm.CreateTransport(context.Background(), room, "s1", domain.TransportRoleSend)
	assert.Equal(t, apperrors.ErrCodeEngineUnavailable, apperrors.CodeOf(err))
	assert.ErrorIs(t, err, domain.ErrPortsExhausted)
}

func TestTransportManager_ConnectOnce(t *testing.T) {
	tm, room, engine := newTransportFixture(t)
	tr, err := tm.CreateTransport(context.Background(), room, "s1", domain.TransportRoleReceive)
	require.NoError(t, err)

	params := domain.TransportConnectParams{DtlsParameters: clientDtls()}
	require.NoError(t, tm.Connect(context.Background(), tr, params))
	assert.Equal(t, domain.TransportStateConnected, tr.State())

	err = tm.Connect(context.Background(), tr, params)
	assert.Equal(t, apperrors.ErrCodeAlreadyConnected, apperrors.CodeOf(err))
	assert.Equal(t, 1, engine.ConnectCount())
}

func TestTransportManager_ConcurrentConnect(t *testing.T) {
	tm, room, engine := newTransportFixture(t)
	tr, err := tm.CreateTransport(context.Background(), room, "s1", domain.TransportRoleSend)
	require.NoError(t, err)

	params := domain.TransportConnectParams{DtlsParameters: clientDtls()}
	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = tm.Connect(context.Background(), tr, params)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.Equal(t, apperrors.ErrCodeAlreadyConnected, apperrors.CodeOf(err))
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, engine.ConnectCount())
}

func TestTransportManager_InvalidDtlsLeavesTransportUsable(t *testing.T) {
	tm, room, engine := newTransportFixture(t)
	tr, err := tm.CreateTransport(context.Background(), room, "s1", domain.TransportRoleSend)
	require.NoError(t, err)

	err = tm.Connect(context.Background(), tr, domain.TransportConnectParams{})
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, apperrors.CodeOf(err))
	assert.Equal(t, domain.TransportStateConnecting, tr.State())
	assert.Equal(t, 0, engine.ConnectCount())

	require.NoError(t, tm.Connect(context.Background(), tr, domain.TransportConnectParams{DtlsParameters: clientDtls()}))
}

func TestTransportManager_HandshakeFailure(t *testing.T) {
	tm, room, engine := newTransportFixture(t)
	tr, err := tm.CreateTransport(context.Background(), room, "s1", domain.TransportRoleSend)
	require.NoError(t, err)
	rec := &closeRecorder{}
	tr.OnClose(rec.record)

	engine.FailNext(memory.FaultConnect, domain.ErrHandshakeFailed)
	err = tm.Connect(context.Background(), tr, domain.TransportConnectParams{DtlsParameters: clientDtls()})
	assert.Equal(t, apperrors.ErrCodeTransportClosed, apperrors.CodeOf(err))
	assert.Equal(t, domain.TransportStateFailed, tr.State())
	assert.Equal(t, []domain.TransportState{domain.TransportStateFailed}, rec.get())

	err = tm.Connect(context.Background(), tr, domain.TransportConnectParams{DtlsParameters: clientDtls()})
	assert.Equal(t, apperrors.ErrCodeTransportClosed, apperrors.CodeOf(err))
	assert.Equal(t, 1, engine.ConnectCount())
}

func TestTransportManager_EngineCloseFiresOnce(t *testing.T) {
	tm, room, engine := newTransportFixture(t)
	tr, err := tm.CreateTransport(context.Background(), room, "s1", domain.TransportRoleSend)
	require.NoError(t, err)
	rec := &closeRecorder{}
	tr.OnClose(rec.record)
	require.NoError(t, tm.Connect(context.Background(), tr, domain.TransportConnectParams{DtlsParameters: clientDtls()}))

	engine.Transport(string(tr.ID())).SimulateFailure()
	tm.Close(tr)

	assert.Equal(t, []domain.TransportState{domain.TransportStateFailed}, rec.get())
	assert.Equal(t, domain.TransportStateFailed, tr.State())
}

func TestTransportManager_CloseFiresCallback(t *testing.T) {
	tm, room, engine := newTransportFixture(t)
	tr, err := tm.CreateTransport(context.Background(), room, "s1", domain.TransportRoleReceive)
	require.NoError(t, err)
	rec := &closeRecorder{}
	tr.OnClose(rec.record)
	engineTransport := engine.Transport(string(tr.ID()))
	require.NotNil(t, engineTransport)

	tm.Close(tr)
	tm.Close(tr)

	assert.Equal(t, []domain.TransportState{domain.TransportStateClosed}, rec.get())
	assert.Equal(t, domain.TransportStateClosed, engineTransport.State())
	assert.Nil(t, engine.Transport(string(tr.ID())))
}
