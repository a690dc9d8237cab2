package pion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Transport implements ports.EngineTransport.
type Transport struct {
	id       string
	router   *Router
	role     domain.TransportRole
	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport
	params   domain.TransportParameters
	logger   *zap.SugaredLogger

	mu        sync.Mutex
	state     domain.TransportState
	onState   func(domain.TransportState)
	mids      int
	producers []*Producer
	consumers []*Consumer
}

func (t *Transport) ID() string                             { return t.id }
func (t *Transport) Parameters() domain.TransportParameters { return t.params }

func (t *Transport) OnStateChange(fn func(domain.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *Transport) gather(ctx context.Context, timeout time.Duration) error {
	done := make(chan struct{})
	var once sync.Once
	t.gatherer.OnLocalCandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			once.Do(func() { close(done) })
		}
	})
	if err := t.gatherer.Gather(); err != nil {
		return fmt.Errorf("ice gather: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("ice gather: %w", ctx.Err())
	}

	candidates, err := t.gatherer.GetLocalCandidates()
	if err != nil {
		return fmt.Errorf("ice candidates: %w", err)
	}
	if len(candidates) == 0 {
		return fmt.Errorf("%w: no local candidate could be bound", domain.ErrPortsExhausted)
	}
	iceParams, err := t.gatherer.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("ice parameters: %w", err)
	}
	dtlsParams, err := t.dtls.GetLocalParameters()
	if err != nil {
		return fmt.Errorf("dtls parameters: %w", err)
	}

	t.params = domain.TransportParameters{
		IceParameters: domain.IceParameters{
			UsernameFragment: iceParams.UsernameFragment,
			Password:         iceParams.Password,
			IceLite:          true,
		},
		DtlsParameters: toDomainDtls(dtlsParams),
	}
	for _, c := range candidates {
		t.params.IceCandidates = append(t.params.IceCandidates, toDomainCandidate(c))
	}
	return nil
}

// watch maps ICE and DTLS failures onto transport states. Handlers run on
// pion goroutines, teardown is moved off them.
func (t *Transport) watch() {
	t.ice.OnConnectionStateChange(func(s webrtc.ICETransportState) {
		if s == webrtc.ICETransportStateFailed {
			go t.end(domain.TransportStateFailed, true)
		}
	})
	t.dtls.OnStateChange(func(s webrtc.DTLSTransportState) {
		switch s {
		case webrtc.DTLSTransportStateFailed:
			go t.end(domain.TransportStateFailed, true)
		case webrtc.DTLSTransportStateClosed:
			go t.end(domain.TransportStateClosed, true)
		}
	})
}

// Connect runs ICE as the controlled agent, then the DTLS handshake. The
// remote ICE credentials are required.
func (t *Transport) Connect(ctx context.Context, params domain.TransportConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if params.IceParameters == nil {
		return fmt.Errorf("%w: remote ice parameters required", domain.ErrHandshakeFailed)
	}
	if err := params.DtlsParameters.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrHandshakeFailed, err)
	}
	candidates := make([]webrtc.ICECandidate, 0, len(params.IceCandidates))
	for _, c := range params.IceCandidates {
		pc, err := toPionCandidate(c)
		if err != nil {
			return fmt.Errorf("%w: candidate %s: %v", domain.ErrHandshakeFailed, c.Foundation, err)
		}
		candidates = append(candidates, pc)
	}

	t.mu.Lock()
	switch t.state {
	case domain.TransportStateConnected, domain.TransportStateConnecting:
		t.mu.Unlock()
		return errors.New("transport already connected")
	case domain.TransportStateClosed, domain.TransportStateFailed:
		t.mu.Unlock()
		return domain.ErrHandshakeFailed
	}
	t.state = domain.TransportStateConnecting
	t.mu.Unlock()

	remoteIce := webrtc.ICEParameters{
		UsernameFragment: params.IceParameters.UsernameFragment,
		Password:         params.IceParameters.Password,
	}
	result := make(chan error, 1)
	go func() {
		defer t.router.engine.guard("handshake", t.id)
		result <- t.handshake(remoteIce, candidates, toPionDtls(params.DtlsParameters))
	}()

	select {
	case err := <-result:
		if err != nil {
			t.end(domain.TransportStateFailed, false)
			return fmt.Errorf("%w: %v", domain.ErrHandshakeFailed, err)
		}
	case <-ctx.Done():
		// stopping ICE and DTLS unblocks the handshake goroutine
		t.end(domain.TransportStateFailed, false)
		<-result
		return ctx.Err()
	}

	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return domain.ErrHandshakeFailed
	}
	t.state = domain.TransportStateConnected
	fn := t.onState
	t.mu.Unlock()

	t.logger.Infow("DTLS connected", "transport_id", t.id, "role", t.role)
	if fn != nil {
		fn(domain.TransportStateConnected)
	}
	return nil
}

func (t *Transport) handshake(remote webrtc.ICEParameters, candidates []webrtc.ICECandidate, dtls webrtc.DTLSParameters) error {
	if len(candidates) > 0 {
		if err := t.ice.SetRemoteCandidates(candidates); err != nil {
			return fmt.Errorf("remote candidates: %w", err)
		}
	}
	role := webrtc.ICERoleControlled
	if err := t.ice.Start(t.gatherer, remote, &role); err != nil {
		return fmt.Errorf("ice: %w", err)
	}
	if err := t.dtls.Start(dtls); err != nil {
		return fmt.Errorf("dtls: %w", err)
	}
	return nil
}

func (t *Transport) connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == domain.TransportStateConnected
}

func (t *Transport) Produce(ctx context.Context, kind domain.MediaKind, params domain.RtpParameters) (ports.EngineProducer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.connected() {
		return nil, domain.ErrTransportNotReady
	}
	if t.role != domain.TransportRoleSend {
		return nil, fmt.Errorf("%w: receive transport cannot produce", domain.ErrInvalidRtpParameters)
	}
	if err := params.Validate(kind); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRtpParameters, err)
	}
	codec, _ := params.PrimaryCodec()
	if _, ok := t.router.caps.FindCodec(codec.AsCapability()); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, codec.MimeType)
	}
	ssrc := params.Encodings[0].Ssrc
	if ssrc == 0 {
		return nil, fmt.Errorf("%w: encoding without ssrc", domain.ErrInvalidRtpParameters)
	}

	receiver, err := t.router.api.NewRTPReceiver(codecType(kind), t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp receiver: %w", err)
	}
	err = receiver.Receive(webrtc.RTPReceiveParameters{Encodings: []webrtc.RTPDecodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(ssrc),
			PayloadType: webrtc.PayloadType(codec.PayloadType),
		},
	}}})
	if err != nil {
		_ = receiver.Stop()
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRtpParameters, err)
	}

	p := newProducer(t, kind, params, receiver, ssrc)
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		_ = p.Close()
		return nil, domain.ErrTransportNotReady
	}
	t.producers = append(t.producers, p)
	t.mu.Unlock()

	go p.readLoop()
	go p.readRTCP()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producer ports.EngineProducer, caps domain.RtpCapabilities, paused bool) (ports.EngineConsumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.connected() {
		return nil, domain.ErrTransportNotReady
	}
	src := sourceOf(producer)
	if src == nil || src.Closed() {
		return nil, errors.New("producer not found")
	}

	primary, _ := src.params.PrimaryCodec()
	codec, ok := t.router.caps.FindCodec(primary.AsCapability())
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, primary.MimeType)
	}
	if _, ok := caps.FindCodec(codec); !ok {
		return nil, fmt.Errorf("%w: remote cannot receive %s", domain.ErrUnsupportedCodec, primary.MimeType)
	}

	id := uuid.New().String()
	track, err := webrtc.NewTrackLocalStaticRTP(codecCapability(codec), id, src.id)
	if err != nil {
		return nil, fmt.Errorf("local track: %w", err)
	}
	sender, err := t.router.api.NewRTPSender(track, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("rtp sender: %w", err)
	}
	ssrc := randomSSRC()
	err = sender.Send(webrtc.RTPSendParameters{Encodings: []webrtc.RTPEncodingParameters{{
		RTPCodingParameters: webrtc.RTPCodingParameters{
			SSRC:        webrtc.SSRC(ssrc),
			PayloadType: webrtc.PayloadType(codec.PreferredPayloadType),
		},
	}}})
	if err != nil {
		_ = sender.Stop()
		return nil, fmt.Errorf("rtp send: %w", err)
	}

	t.mu.Lock()
	mid := strconv.Itoa(t.mids)
	t.mids++
	t.mu.Unlock()

	c := &Consumer{
		id:     id,
		kind:   src.kind,
		params: consumerParameters(codec, mid, ssrc, src.id),
		source: src,
		track:  track,
		sender: sender,
		engine: t.router.engine,
	}
	c.paused.Store(paused)
	if !src.attach(c) {
		_ = sender.Stop()
		return nil, errors.New("producer closed")
	}

	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		_ = c.Close()
		return nil, domain.ErrTransportNotReady
	}
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	go c.readRTCP()
	return c, nil
}

func (t *Transport) Close() error {
	t.end(domain.TransportStateClosed, false)
	return nil
}

// end moves the transport to a terminal state, releases its media objects
// and, if notify is set, reports the transition to the owner.
func (t *Transport) end(state domain.TransportState, notify bool) {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return
	}
	t.state = state
	fn := t.onState
	producers, consumers := t.producers, t.consumers
	t.producers, t.consumers = nil, nil
	t.mu.Unlock()

	for _, p := range producers {
		_ = p.Close()
	}
	for _, c := range consumers {
		_ = c.Close()
	}
	t.stop()
	t.router.forgetTransport(t.id)

	t.logger.Debugw("Transport ended", "transport_id", t.id, "state", state, "notify", notify)
	if notify && fn != nil {
		fn(state)
	}
}

func (t *Transport) stop() {
	if err := t.dtls.Stop(); err != nil {
		t.logger.Debugw("DTLS stop failed", "transport_id", t.id, "error", err)
	}
	if err := t.ice.Stop(); err != nil {
		t.logger.Debugw("ICE stop failed", "transport_id", t.id, "error", err)
	}
	if err := t.gatherer.Close(); err != nil {
		t.logger.Debugw("ICE gatherer close failed", "transport_id", t.id, "error", err)
	}
}
