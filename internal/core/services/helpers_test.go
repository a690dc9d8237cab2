package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/infrastructure/engine/memory"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type notification struct {
	event   string
	payload interface{}
}

// recordingNotifier is a mock.Mock notifier that also keeps events in order.
type recordingNotifier struct {
	mock.Mock

	mu     sync.Mutex
	events []notification
}

func newRecordingNotifier() *recordingNotifier {
	n := &recordingNotifier{}
	n.On("Notify", mock.Anything, mock.Anything).Return()
	return n
}

func (n *recordingNotifier) Notify(event string, payload interface{}) {
	n.Called(event, payload)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, notification{event: event, payload: payload})
}

func (n *recordingNotifier) of(event string) []interface{} {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []interface{}
	for _, e := range n.events {
		if e.event == event {
			out = append(out, e.payload)
		}
	}
	return out
}

func (n *recordingNotifier) first() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.events) == 0 {
		return ""
	}
	return n.events[0].event
}

type testEnv struct {
	t       *testing.T
	manager *RoomManager
	engine  *memory.Engine
}

func newTestEnv(t *testing.T, tweak ...func(*RoomManagerConfig)) *testEnv {
	t.Helper()
	logger := zap.NewNop().Sugar()
	engine := memory.New(memory.Options{}, logger)

	cfg := RoomManagerConfig{
		Instance:       "test",
		Codecs:         defaultCodecs(),
		ConnectTimeout: time.Second,
	}
	for _, fn := range tweak {
		fn(&cfg)
	}

	m := NewRoomManager(cfg, engine, nil, nil, NopMetrics{}, logger)
	m.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Close(ctx)
	})
	return &testEnv{t: t, manager: m, engine: engine}
}

type testPeer struct {
	t        *testing.T
	session  *PeerSession
	notifier *recordingNotifier
}

func (e *testEnv) join(room domain.RoomID) *testPeer {
	e.t.Helper()
	n := newRecordingNotifier()
	s, err := e.manager.Join(context.Background(), room, n)
	require.NoError(e.t, err)
	return &testPeer{t: e.t, session: s, notifier: n}
}

func (p *testPeer) call(req Request) (interface{}, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return p.session.Call(ctx, req)
}

func (p *testPeer) mustCall(req Request) interface{} {
	p.t.Helper()
	res, err := p.call(req)
	require.NoError(p.t, err, "request %s", req.Type())
	return res
}

func (p *testPeer) capabilities() domain.RtpCapabilities {
	p.t.Helper()
	res := p.mustCall(GetRtpCapabilitiesRequest{})
	return res.(RtpCapabilitiesResult).RtpCapabilities
}

func (p *testPeer) createTransport(role domain.TransportRole) TransportResult {
	p.t.Helper()
	return p.mustCall(CreateTransportRequest{Role: role}).(TransportResult)
}

func (p *testPeer) connect(id domain.TransportID) error {
	_, err := p.call(ConnectTransportRequest{TransportID: id, Params: domain.TransportConnectParams{DtlsParameters: clientDtls()}})
	return err
}

func (p *testPeer) openTransport(role domain.TransportRole) TransportResult {
	p.t.Helper()
	tr := p.createTransport(role)
	require.NoError(p.t, p.connect(tr.TransportID))
	return tr
}

// publish runs the full send branch and returns the producer id.
func (p *testPeer) publish() domain.ProducerID {
	p.t.Helper()
	p.capabilities()
	p.openTransport(domain.TransportRoleSend)
	res := p.mustCall(ProduceRequest{Kind: domain.MediaKindVideo, RtpParameters: vp8Parameters(1111)})
	return res.(ProduceResult).ProducerID
}

// subscribe runs the receive branch up to a connected receive transport and
// returns the capabilities to consume with.
func (p *testPeer) subscribe() domain.RtpCapabilities {
	p.t.Helper()
	caps := p.capabilities()
	p.openTransport(domain.TransportRoleReceive)
	return caps
}

func clientDtls() domain.DtlsParameters {
	return domain.DtlsParameters{
		Role:         domain.DtlsRoleClient,
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "82:5A:68:3D:36:C3:0A:DE"}},
	}
}

func vp8Parameters(ssrc uint32) domain.RtpParameters {
	return domain.RtpParameters{
		Codecs:    []domain.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: ssrc}},
	}
}

func h264OnlyCapabilities() domain.RtpCapabilities {
	return domain.RtpCapabilities{Codecs: []domain.RtpCodecCapability{{
		Kind:                 domain.MediaKindVideo,
		MimeType:             "video/H264",
		ClockRate:            90000,
		PreferredPayloadType: 102,
		Parameters:           domain.CodecParameters{"packetization-mode": "1"},
	}}}
}
