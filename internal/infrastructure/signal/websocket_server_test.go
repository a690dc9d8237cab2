package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/services"
	"sfugate/internal/infrastructure/engine/memory"
	apperrors "sfugate/pkg/errors"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	t       *testing.T
	url     string
	server  *WebSocketServer
	manager *services.RoomManager
	engine  *memory.Engine
}

func newFixture(t *testing.T, cfg Config, tokens *services.TokenService, tweak ...func(*services.RoomManagerConfig)) *fixture {
	t.Helper()
	logger := zap.NewNop().Sugar()
	engine := memory.New(memory.Options{}, logger)

	mcfg := services.RoomManagerConfig{
		Instance: "test",
		Codecs: []domain.RtpCodecCapability{
			{Kind: domain.MediaKindAudio, MimeType: "audio/opus", ClockRate: 48000, Channels: 2},
			{Kind: domain.MediaKindVideo, MimeType: "video/VP8", ClockRate: 90000},
		},
		ConnectTimeout: time.Second,
	}
	for _, fn := range tweak {
		fn(&mcfg)
	}
	manager := services.NewRoomManager(mcfg, engine, nil, nil, services.NopMetrics{}, logger)
	manager.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = manager.Close(ctx)
	})

	server := NewWebSocketServer(cfg, manager, tokens, nil, logger)
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWebSocket)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		server.Close()
		srv.Close()
	})

	return &fixture{
		t:       t,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws",
		server:  server,
		manager: manager,
		engine:  engine,
	}
}

type received struct {
	ID      *uint64         `json:"id"`
	Type    string          `json:"type"`
	OK      *bool           `json:"ok"`
	Payload json.RawMessage `json:"payload"`
	Error   *ErrorBody      `json:"error"`
}

func (r received) decode(t *testing.T, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.Payload, v))
}

type client struct {
	t      *testing.T
	ws     *websocket.Conn
	nextID uint64
	events []received
}

func (f *fixture) dial(query string, header http.Header) (*client, *http.Response, error) {
	url := f.url
	if query != "" {
		url += "?" + query
	}
	ws, resp, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, resp, err
	}
	c := &client{t: f.t, ws: ws}
	f.t.Cleanup(func() { _ = ws.Close() })
	return c, resp, nil
}

func (f *fixture) connect(query string) *client {
	f.t.Helper()
	c, _, err := f.dial(query, nil)
	require.NoError(f.t, err)
	c.waitEvent(services.EventConnectionEstablished)
	return c
}

func (c *client) read() received {
	c.t.Helper()
	require.NoError(c.t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	var msg received
	require.NoError(c.t, c.ws.ReadJSON(&msg))
	return msg
}

func (c *client) request(typ string, payload interface{}) received {
	c.t.Helper()
	c.nextID++
	id := c.nextID
	msg := map[string]interface{}{"id": id, "type": typ}
	if payload != nil {
		msg["payload"] = payload
	}
	require.NoError(c.t, c.ws.WriteJSON(msg))

	for {
		m := c.read()
		if m.ID == nil {
			c.events = append(c.events, m)
			continue
		}
		require.Equal(c.t, id, *m.ID)
		require.Equal(c.t, typ, m.Type)
		return m
	}
}

func (c *client) ok(typ string, payload interface{}) received {
	c.t.Helper()
	m := c.request(typ, payload)
	require.NotNil(c.t, m.OK)
	require.True(c.t, *m.OK, "%s failed: %+v", typ, m.Error)
	return m
}

func (c *client) fail(typ string, payload interface{}) apperrors.ErrorCode {
	c.t.Helper()
	m := c.request(typ, payload)
	require.NotNil(c.t, m.OK)
	require.False(c.t, *m.OK)
	require.NotNil(c.t, m.Error)
	return m.Error.Code
}

func (c *client) waitEvent(typ string) received {
	c.t.Helper()
	for i, e := range c.events {
		if e.Type == typ {
			c.events = append(c.events[:i], c.events[i+1:]...)
			return e
		}
	}
	for {
		m := c.read()
		if m.Type == typ && m.ID == nil {
			return m
		}
		c.events = append(c.events, m)
	}
}

func clientDtls() domain.DtlsParameters {
	return domain.DtlsParameters{
		Role:         domain.DtlsRoleClient,
		Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: "82:5A:68:3D:36:C3:0A:DE"}},
	}
}

func (c *client) capabilities() domain.RtpCapabilities {
	c.t.Helper()
	var res services.RtpCapabilitiesResult
	c.ok(services.TypeGetRtpCapabilities, nil).decode(c.t, &res)
	return res.RtpCapabilities
}

func (c *client) transport(payload interface{}) domain.TransportID {
	c.t.Helper()
	var res struct {
		TransportID   domain.TransportID    `json:"transportId"`
		IceCandidates []domain.IceCandidate `json:"iceCandidates"`
	}
	c.ok(services.TypeCreateTransport, payload).decode(c.t, &res)
	require.NotEmpty(c.t, res.TransportID)
	require.NotEmpty(c.t, res.IceCandidates)

	c.ok(services.TypeTransportConnect, map[string]interface{}{
		"transportId":    res.TransportID,
		"dtlsParameters": clientDtls(),
	})
	return res.TransportID
}

func (c *client) produce() domain.ProducerID {
	c.t.Helper()
	var res services.ProduceResult
	c.ok(services.TypeProduce, map[string]interface{}{
		"kind": domain.MediaKindVideo,
		"rtpParameters": domain.RtpParameters{
			Codecs:    []domain.RtpCodecParameters{{MimeType: "video/VP8", PayloadType: 101, ClockRate: 90000}},
			Encodings: []domain.RtpEncodingParameters{{Ssrc: 4242}},
		},
	}).decode(c.t, &res)
	require.NotEmpty(c.t, res.ProducerID)
	return res.ProducerID
}

func TestWebSocket_ConnectionEstablishedComesFirst(t *testing.T) {
	f := newFixture(t, Config{DefaultRoom: "lobby"}, nil)

	c, _, err := f.dial("", nil)
	require.NoError(t, err)
	first := c.read()
	assert.Equal(t, services.EventConnectionEstablished, first.Type)
	assert.Nil(t, first.ID)

	var payload services.ConnectionEstablishedEvent
	first.decode(t, &payload)
	assert.NotEmpty(t, payload.SessionID)
	assert.Equal(t, domain.RoomID("lobby"), payload.RoomID)
	assert.Eventually(t, func() bool { return f.server.ConnectionCount() == 1 }, time.Second, 10*time.Millisecond)
}

func TestWebSocket_PublishAndConsume(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	viewer := f.connect("room=r1")
	caps := viewer.capabilities()
	viewer.transport(map[string]interface{}{"role": "receive"})

	publisher := f.connect("room=r1")
	publisher.capabilities()
	publisher.transport(map[string]interface{}{"role": "send"})
	producerID := publisher.produce()

	var announced services.NewProducerEvent
	viewer.waitEvent(services.EventNewProducer).decode(t, &announced)
	assert.Equal(t, producerID, announced.ProducerID)
	assert.Equal(t, domain.MediaKindVideo, announced.Kind)

	var consumed services.ConsumeResult
	viewer.ok(services.TypeConsume, map[string]interface{}{"remoteCapabilities": caps}).decode(t, &consumed)
	assert.Equal(t, producerID, consumed.ProducerID)
	assert.Equal(t, domain.MediaKindVideo, consumed.Kind)
	viewer.ok(services.TypeConsumerResume, map[string]interface{}{"consumerId": consumed.ConsumerID})

	require.NoError(t, publisher.ws.Close())

	var closed services.ProducerClosedEvent
	viewer.waitEvent(services.EventProducerClosed).decode(t, &closed)
	assert.Equal(t, producerID, closed.ProducerID)
	assert.Equal(t, consumed.ConsumerID, closed.ConsumerID)
}

func TestWebSocket_LegacyCreateTransport(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	c := f.connect("")
	c.capabilities()

	c.ok(typeCreateWebRtcTransport, map[string]interface{}{"sender": true})
	assert.Equal(t, apperrors.ErrCodeInvalidState, c.fail(services.TypeCreateTransport, map[string]interface{}{"role": "send"}))
	c.ok(typeCreateWebRtcTransport, map[string]interface{}{"sender": false})
}

func TestWebSocket_ErrorsAreRepliedNotFatal(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	c := f.connect("")

	assert.Equal(t, apperrors.ErrCodeInvalidState, c.fail(services.TypeProduce, map[string]interface{}{"kind": "video"}))
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, c.fail("reboot", nil))
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, c.fail(services.TypeCreateTransport, []int{1, 2}))
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, c.fail(services.TypeTransportConnect, map[string]interface{}{"transportId": "x"}))
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, c.fail(services.TypeConsume, map[string]interface{}{}))

	require.NoError(t, c.ws.WriteJSON(map[string]interface{}{"type": services.TypeGetRtpCapabilities}))
	var body ErrorBody
	c.waitEvent(services.EventError).decode(t, &body)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, body.Code)

	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	c.waitEvent(services.EventError).decode(t, &body)
	assert.Equal(t, apperrors.ErrCodeInvalidRequest, body.Code)

	// The session survived all of it.
	c.capabilities()
}

func TestWebSocket_RejectionsKeepRequestOrder(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	c := f.connect("")

	require.NoError(t, c.ws.WriteJSON(map[string]interface{}{"id": 1, "type": services.TypeGetRtpCapabilities}))
	require.NoError(t, c.ws.WriteJSON(map[string]interface{}{"id": 2, "type": services.TypeCreateTransport, "payload": map[string]interface{}{"role": "send"}}))
	require.NoError(t, c.ws.WriteJSON(map[string]interface{}{"type": services.TypeGetRtpCapabilities}))
	require.NoError(t, c.ws.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.NoError(t, c.ws.WriteJSON(map[string]interface{}{"id": 3, "type": "reboot"}))

	var got []string
	for i := 0; i < 5; i++ {
		m := c.read()
		if m.ID == nil {
			got = append(got, m.Type)
			continue
		}
		require.NotNil(t, m.OK)
		got = append(got, fmt.Sprintf("%d:%t", *m.ID, *m.OK))
	}
	assert.Equal(t, []string{"1:true", "2:true", services.EventError, services.EventError, "3:false"}, got)
}

func TestWebSocket_OriginCheck(t *testing.T) {
	f := newFixture(t, Config{AllowedOrigins: []string{"http://localhost:5173"}}, nil)

	_, resp, err := f.dial("", http.Header{"Origin": {"http://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, f.manager.SessionCount())

	c, _, err := f.dial("", http.Header{"Origin": {"http://localhost:5173"}})
	require.NoError(t, err)
	c.waitEvent(services.EventConnectionEstablished)
}

func TestWebSocket_TokenScopedToRoom(t *testing.T) {
	tokens := services.NewTokenService("secret", time.Minute)
	f := newFixture(t, Config{}, tokens)

	_, resp, err := f.dial("room=r1", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	other, _, err := tokens.Issue("bob", "r2")
	require.NoError(t, err)
	_, resp, err = f.dial("room=r1&token="+other, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	good, _, err := tokens.Issue("alice", "r1")
	require.NoError(t, err)
	c, _, err := f.dial("room=r1", http.Header{"Authorization": {"Bearer " + good}})
	require.NoError(t, err)
	c.waitEvent(services.EventConnectionEstablished)
}

func TestWebSocket_RoomFullIsRejected(t *testing.T) {
	f := newFixture(t, Config{}, nil, func(c *services.RoomManagerConfig) { c.MaxPeers = 1 })
	f.connect("room=small")

	_, resp, err := f.dial("room=small", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebSocket_InvalidRoomID(t *testing.T) {
	f := newFixture(t, Config{}, nil)

	_, resp, err := f.dial("room=no%20spaces", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, 0, f.manager.SessionCount())
}

func TestWebSocket_RateLimit(t *testing.T) {
	f := newFixture(t, Config{MessagesPerSecond: 0.01, Burst: 1}, nil)
	c := f.connect("")

	c.capabilities()
	assert.Equal(t, apperrors.ErrCodeRateLimit, c.fail(services.TypeGetRtpCapabilities, nil))
}

func TestWebSocket_EngineDeathClosesSocket(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	fatal := make(chan error, 1)
	f.manager.OnFatal(func(err error) { fatal <- err })

	c := f.connect("")
	f.engine.Kill(errors.New("worker crashed"))

	var body ErrorBody
	c.waitEvent(services.EventError).decode(t, &body)
	assert.Equal(t, apperrors.ErrCodeEngineUnavailable, body.Code)

	require.NoError(t, c.ws.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err := c.ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	select {
	case err := <-fatal:
		assert.ErrorIs(t, err, services.ErrEngineLost)
	case <-time.After(3 * time.Second):
		t.Fatal("fatal hook not called")
	}
}

func TestParseRequest(t *testing.T) {
	id := uint64(1)
	req, err := parseRequest(ClientMessage{ID: &id, Type: typeCreateWebRtcTransport, Payload: json.RawMessage(`{"sender":false}`)})
	require.NoError(t, err)
	assert.Equal(t, services.CreateTransportRequest{Role: domain.TransportRoleReceive}, req)

	req, err = parseRequest(ClientMessage{ID: &id, Type: services.TypeConsume, Payload: json.RawMessage(`{"rtpCapabilities":{"codecs":[]},"producerId":"p1"}`)})
	require.NoError(t, err)
	assert.Equal(t, domain.ProducerID("p1"), req.(services.ConsumeRequest).ProducerID)

	req, err = parseRequest(ClientMessage{ID: &id, Type: services.TypeTransportConnect, Payload: json.RawMessage(`{
		"transportId": "t1",
		"dtlsParameters": {"role": "client", "fingerprints": [{"algorithm": "sha-256", "value": "AA"}]},
		"iceParameters": {"usernameFragment": "u", "password": "p"}
	}`)})
	require.NoError(t, err)
	connect := req.(services.ConnectTransportRequest)
	assert.Equal(t, domain.TransportID("t1"), connect.TransportID)
	require.NotNil(t, connect.Params.IceParameters)
	assert.Equal(t, "u", connect.Params.IceParameters.UsernameFragment)

	_, err = parseRequest(ClientMessage{ID: &id})
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidRequest))
}
