package memory

import (
	"context"
	"errors"
	"testing"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func routerCaps() domain.RtpCapabilities {
	return domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{
		{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2, PreferredPayloadType: 100},
		{Kind: domain.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000, PreferredPayloadType: 101},
	}}
}

func vp8(ssrc uint32) domain.RtpParameters {
	return domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 96, ClockRate: 90000}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: ssrc}},
	}
}

func dtls() domain.TransportConnectParams {
	return domain.TransportConnectParams{DtlsParameters: domain.DtlsParameters{
		Role:         domain.DtlsRoleClient,
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "AA:BB"}},
	}}
}

func setup(t *testing.T, opts Options) (*Engine, ports.Router) {
	t.Helper()
	e := New(opts, zap.NewNop().Sugar())
	t.Cleanup(func() { _ = e.Close() })
	r, err := e.CreateRouter(context.Background(), routerCaps())
	require.NoError(t, err)
	return e, r
}

func connected(t *testing.T, r ports.Router, role domain.TransportRole) ports.EngineTransport {
	t.Helper()
	tr, err := r.CreateTransport(context.Background(), role)
	require.NoError(t, err)
	require.NoError(t, tr.Connect(context.Background(), dtls()))
	return tr
}

func TestEngine_ForwardingHonorsPause(t *testing.T) {
	e, r := setup(t, Options{})
	ctx := context.Background()

	send := connected(t, r, domain.TransportRoleSend)
	recv := connected(t, r, domain.TransportRoleReceive)

	ep, err := send.Produce(ctx, domain.MediaKindVideo, vp8(42))
	require.NoError(t, err)
	ec, err := recv.Consume(ctx, ep, routerCaps(), true)
	require.NoError(t, err)

	params := ec.RtpParameters()
	require.Len(t, params.Codecs, 1)
	assert.Equal(t, uint8(101), params.Codecs[0].PayloadType)
	assert.Equal(t, "0", params.Mid)

	producer := e.Producer(ep.ID())
	consumer := e.Consumer(ec.ID())
	assert.Equal(t, 0, producer.Push())
	assert.Equal(t, 0, consumer.Delivered())

	require.NoError(t, ec.Resume(ctx))
	assert.Equal(t, 1, producer.Push())

	require.NoError(t, ep.Pause(ctx))
	assert.Equal(t, 0, producer.Push())
	assert.Equal(t, 1, consumer.Delivered())
}

func TestEngine_ProduceChecks(t *testing.T) {
	_, r := setup(t, Options{})
	ctx := context.Background()

	send, err := r.CreateTransport(ctx, domain.TransportRoleSend)
	require.NoError(t, err)
	_, err = send.Produce(ctx, domain.MediaKindVideo, vp8(1))
	assert.ErrorIs(t, err, domain.ErrTransportNotReady)

	require.NoError(t, send.Connect(ctx, dtls()))
	h264 := domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: "video/H264", PayloadType: 102, ClockRate: 90000}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: 1}},
	}
	_, err = send.Produce(ctx, domain.MediaKindVideo, h264)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)

	recv := connected(t, r, domain.TransportRoleReceive)
	_, err = recv.Produce(ctx, domain.MediaKindVideo, vp8(1))
	assert.ErrorIs(t, err, domain.ErrInvalidRtpParameters)
}

func TestEngine_ConsumeRequiresRemoteCodec(t *testing.T) {
	_, r := setup(t, Options{})
	ctx := context.Background()
	send := connected(t, r, domain.TransportRoleSend)
	recv := connected(t, r, domain.TransportRoleReceive)

	ep, err := send.Produce(ctx, domain.MediaKindVideo, vp8(7))
	require.NoError(t, err)

	audioOnly := domain.RtpCapabilities{Codecs: routerCaps().Codecs[:1]}
	_, err = recv.Consume(ctx, ep, audioOnly, true)
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)
}

func TestEngine_HandshakeValidation(t *testing.T) {
	e, r := setup(t, Options{})
	tr, err := r.CreateTransport(context.Background(), domain.TransportRoleSend)
	require.NoError(t, err)

	err = tr.Connect(context.Background(), domain.TransportConnectParams{})
	assert.ErrorIs(t, err, domain.ErrHandshakeFailed)
	assert.Equal(t, 1, e.ConnectCount())
}

func TestEngine_FaultsAreOneShot(t *testing.T) {
	e, r := setup(t, Options{})
	boom := errors.New("boom")
	e.FailNext(FaultCreateTransport, boom)

	_, err := r.CreateTransport(context.Background(), domain.TransportRoleSend)
	assert.ErrorIs(t, err, boom)
	_, err = r.CreateTransport(context.Background(), domain.TransportRoleSend)
	assert.NoError(t, err)
}

func TestEngine_PortRangeExhausted(t *testing.T) {
	_, r := setup(t, Options{MinPort: 5000, MaxPort: 5001})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.CreateTransport(ctx, domain.TransportRoleSend)
		require.NoError(t, err)
	}
	_, err := r.CreateTransport(ctx, domain.TransportRoleSend)
	assert.ErrorIs(t, err, domain.ErrPortsExhausted)
}

func TestEngine_ClosedTransportsReleasePorts(t *testing.T) {
	e, r := setup(t, Options{MinPort: 5000, MaxPort: 5002})
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		tr, err := r.CreateTransport(ctx, domain.TransportRoleSend)
		require.NoError(t, err, "allocation %d", i)
		port := int(tr.Parameters().IceCandidates[0].Port)
		assert.True(t, port >= 5000 && port <= 5002)
		require.NoError(t, tr.Close())
		assert.Nil(t, e.Transport(tr.ID()))
	}

	for i := 0; i < 10; i++ {
		in, err := r.CreatePlainIngest(ctx, domain.MediaKindAudio)
		require.NoError(t, err, "ingest %d", i)
		require.NoError(t, in.Close())
		assert.Nil(t, e.Producer(in.ID()))
	}

	failed, err := r.CreateTransport(ctx, domain.TransportRoleSend)
	require.NoError(t, err)
	failed.(*Transport).SimulateFailure()
	remote, err := r.CreateTransport(ctx, domain.TransportRoleSend)
	require.NoError(t, err)
	remote.(*Transport).SimulateRemoteClose()

	held := make([]ports.EngineTransport, 0, 3)
	for i := 0; i < 3; i++ {
		tr, err := r.CreateTransport(ctx, domain.TransportRoleReceive)
		require.NoError(t, err)
		held = append(held, tr)
	}
	_, err = r.CreateTransport(ctx, domain.TransportRoleReceive)
	assert.ErrorIs(t, err, domain.ErrPortsExhausted)
	_, err = r.CreatePlainIngest(ctx, domain.MediaKindVideo)
	assert.ErrorIs(t, err, domain.ErrPortsExhausted)
}

func TestEngine_RemoteCloseNotifiesAndCascades(t *testing.T) {
	e, r := setup(t, Options{})
	ctx := context.Background()
	send := connected(t, r, domain.TransportRoleSend)
	recv := connected(t, r, domain.TransportRoleReceive)
	ep, err := send.Produce(ctx, domain.MediaKindVideo, vp8(3))
	require.NoError(t, err)
	ec, err := recv.Consume(ctx, ep, routerCaps(), false)
	require.NoError(t, err)

	var states []domain.TransportState
	send.OnStateChange(func(s domain.TransportState) { states = append(states, s) })

	e.Transport(send.ID()).SimulateRemoteClose()

	assert.Equal(t, []domain.TransportState{domain.TransportStateClosed}, states)
	assert.Nil(t, e.Producer(ep.ID()))
	assert.Nil(t, e.Consumer(ec.ID()))
}

func TestEngine_RouterCloseIsSilent(t *testing.T) {
	_, r := setup(t, Options{})
	tr := connected(t, r, domain.TransportRoleSend)

	called := false
	tr.OnStateChange(func(domain.TransportState) { called = true })
	require.NoError(t, r.Close())

	assert.False(t, called)
	_, err := r.CreateTransport(context.Background(), domain.TransportRoleSend)
	assert.ErrorIs(t, err, domain.ErrEngineClosed)
}

func TestEngine_KillReportsDeath(t *testing.T) {
	e, r := setup(t, Options{})
	cause := errors.New("worker exited")

	e.Kill(cause)

	assert.Equal(t, cause, <-e.Died())
	_, err := r.CreateTransport(context.Background(), domain.TransportRoleSend)
	assert.ErrorIs(t, err, domain.ErrEngineClosed)
	_, err = e.CreateRouter(context.Background(), routerCaps())
	assert.ErrorIs(t, err, domain.ErrEngineClosed)
}

func TestEngine_PlainIngest(t *testing.T) {
	e, r := setup(t, Options{IP: "10.0.0.5", MinPort: 7000})
	ctx := context.Background()

	in, err := r.CreatePlainIngest(ctx, domain.MediaKindVideo)
	require.NoError(t, err)
	target := in.Target()
	assert.Equal(t, "10.0.0.5", target.IP)
	assert.Equal(t, 7000, target.Port)
	assert.Equal(t, uint8(101), target.PayloadType)
	assert.Equal(t, "video/VP8", target.MimeType)

	recv := connected(t, r, domain.TransportRoleReceive)
	ec, err := recv.Consume(ctx, in, routerCaps(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, e.Producer(in.ID()).Push())
	consumer := e.Consumer(ec.ID())

	stopped := false
	in.OnClose(func() { stopped = true })
	in.(*Ingest).Stop()

	assert.True(t, stopped)
	assert.Nil(t, e.Producer(in.ID()))
	assert.Equal(t, 1, consumer.Delivered())
	assert.True(t, consumer.Closed())
}
