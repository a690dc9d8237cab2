package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"

	"github.com/google/uuid"
)

// Transport implements ports.EngineTransport.
type Transport struct {
	id     string
	router *Router
	role   domain.TransportRole
	port   int
	params domain.TransportParameters

	mu        sync.Mutex
	state     domain.TransportState
	onState   func(domain.TransportState)
	producers []*Producer
	consumers []*Consumer
}

func (t *Transport) ID() string                             { return t.id }
func (t *Transport) Parameters() domain.TransportParameters { return t.params }

func (t *Transport) State() domain.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) OnStateChange(fn func(domain.TransportState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = fn
}

func (t *Transport) Connect(ctx context.Context, params domain.TransportConnectParams) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.router.engine.connects.Add(1)
	if err := t.router.engine.takeFault(FaultConnect); err != nil {
		return err
	}
	if err := params.DtlsParameters.Validate(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrHandshakeFailed, err)
	}

	t.mu.Lock()
	switch t.state {
	case domain.TransportStateConnected:
		t.mu.Unlock()
		return errors.New("transport already connected")
	case domain.TransportStateClosed, domain.TransportStateFailed:
		t.mu.Unlock()
		return domain.ErrHandshakeFailed
	}
	t.state = domain.TransportStateConnected
	fn := t.onState
	t.mu.Unlock()

	if fn != nil {
		fn(domain.TransportStateConnected)
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
	if err := t.router.engine.takeFault(FaultProduce); err != nil {
		return nil, err
	}
	if err := params.Validate(kind); err != nil {
		return nil, err
	}
	codec, _ := params.PrimaryCodec()
	if _, ok := t.router.caps.FindCodec(codec.AsCapability()); !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, codec.MimeType)
	}

	p := newProducer(t.router.engine, kind, params)
	t.mu.Lock()
	t.producers = append(t.producers, p)
	t.mu.Unlock()
	return p, nil
}

func (t *Transport) Consume(ctx context.Context, producer ports.EngineProducer, caps domain.RtpCapabilities, paused bool) (ports.EngineConsumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !t.connected() {
		return nil, domain.ErrTransportNotReady
	}
	p, ok := producer.(*Producer)
	if !ok {
		if in, isIngest := producer.(*Ingest); isIngest {
			p, ok = in.Producer, true
		}
	}
	if !ok || p.Closed() {
		return nil, errors.New("producer not found")
	}
	if err := t.router.engine.takeFault(FaultConsume); err != nil {
		return nil, err
	}

	src, _ := p.params.PrimaryCodec()
	routerCodec, found := t.router.caps.FindCodec(src.AsCapability())
	if !found {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedCodec, src.MimeType)
	}
	if _, found := caps.FindCodec(routerCodec); !found {
		return nil, fmt.Errorf("%w: remote cannot receive %s", domain.ErrUnsupportedCodec, src.MimeType)
	}

	t.mu.Lock()
	mid := fmt.Sprintf("%d", len(t.consumers))
	t.mu.Unlock()

	params := domain.RtpParameters{
		Mid: mid,
		Codecs: []domain.RtpCodecParameters{{
			MimeType:     routerCodec.MimeType,
			PayloadType:  routerCodec.PreferredPayloadType,
			ClockRate:    routerCodec.ClockRate,
			Channels:     routerCodec.Channels,
			Parameters:   routerCodec.Parameters,
			RtcpFeedback: routerCodec.RtcpFeedback,
		}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: randomSSRC()}},
		Rtcp:      domain.RtcpParameters{Cname: p.id, ReducedSize: true},
	}

	c := &Consumer{
		id:       uuid.New().String(),
		engine:   t.router.engine,
		kind:     p.kind,
		params:   params,
		producer: p,
		paused:   paused,
	}
	if !p.attach(c) {
		return nil, errors.New("producer closed")
	}

	t.mu.Lock()
	t.consumers = append(t.consumers, c)
	t.mu.Unlock()

	t.router.engine.mu.Lock()
	t.router.engine.consumers[c.id] = c
	t.router.engine.mu.Unlock()
	return c, nil
}

func (t *Transport) Close() error {
	t.shutdown(false)
	return nil
}

// SimulateRemoteClose behaves like the peer closing DTLS.
func (t *Transport) SimulateRemoteClose() {
	t.shutdown(true)
}

// SimulateFailure behaves like ICE failing.
func (t *Transport) SimulateFailure() {
	t.end(domain.TransportStateFailed, true)
}

func (t *Transport) shutdown(notify bool) {
	t.end(domain.TransportStateClosed, notify)
}

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

	t.router.mu.Lock()
	delete(t.router.transports, t.id)
	t.router.mu.Unlock()
	e := t.router.engine
	e.mu.Lock()
	delete(e.transports, t.id)
	e.mu.Unlock()
	e.releasePort(t.port)

	if notify && fn != nil {
		fn(state)
	}
}

// Producer implements ports.EngineProducer. Packets are fed with Push.
type Producer struct {
	id     string
	engine *Engine
	kind   domain.MediaKind
	params domain.RtpParameters

	mu        sync.Mutex
	paused    bool
	closed    bool
	received  int
	consumers map[string]*Consumer
}

func newProducer(e *Engine, kind domain.MediaKind, params domain.RtpParameters) *Producer {
	p := &Producer{
		id:        uuid.New().String(),
		engine:    e,
		kind:      kind,
		params:    params,
		consumers: make(map[string]*Consumer),
	}
	e.mu.Lock()
	e.producers[p.id] = p
	e.mu.Unlock()
	return p
}

func (p *Producer) ID() string                          { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.params }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Producer) Pause(ctx context.Context) error  { return p.setPaused(ctx, true) }
func (p *Producer) Resume(ctx context.Context) error { return p.setPaused(ctx, false) }

func (p *Producer) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return domain.ErrEngineClosed
	}
	p.paused = paused
	return nil
}

func (p *Producer) attach(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) detach(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// Push injects one RTP packet and returns how many consumers forwarded it.
func (p *Producer) Push() int {
	p.mu.Lock()
	if p.closed || p.paused {
		p.mu.Unlock()
		return 0
	}
	p.received++
	targets := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		targets = append(targets, c)
	}
	p.mu.Unlock()

	n := 0
	for _, c := range targets {
		if c.deliver() {
			n++
		}
	}
	return n
}

func (p *Producer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	consumers := p.consumers
	p.consumers = nil
	p.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	p.engine.mu.Lock()
	delete(p.engine.producers, p.id)
	p.engine.mu.Unlock()
	return nil
}

// Consumer implements ports.EngineConsumer.
type Consumer struct {
	id       string
	engine   *Engine
	kind     domain.MediaKind
	params   domain.RtpParameters
	producer *Producer

	mu        sync.Mutex
	paused    bool
	closed    bool
	delivered int
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }

func (c *Consumer) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Consumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Delivered counts packets forwarded to the remote peer.
func (c *Consumer) Delivered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delivered
}

func (c *Consumer) deliver() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.paused {
		return false
	}
	c.delivered++
	return true
}

func (c *Consumer) Pause(ctx context.Context) error  { return c.setPaused(ctx, true) }
func (c *Consumer) Resume(ctx context.Context) error { return c.setPaused(ctx, false) }

func (c *Consumer) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrEngineClosed
	}
	c.paused = paused
	return nil
}

func (c *Consumer) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.producer.detach(c.id)
	c.engine.mu.Lock()
	delete(c.engine.consumers, c.id)
	c.engine.mu.Unlock()
	return nil
}

// Ingest implements ports.PlainIngest.
type Ingest struct {
	*Producer
	router *Router
	target ports.IngestTarget

	releaseOnce sync.Once
	closeMu     sync.Mutex
	onClose     func()
}

func (in *Ingest) Target() ports.IngestTarget { return in.target }

func (in *Ingest) OnClose(fn func()) {
	in.closeMu.Lock()
	defer in.closeMu.Unlock()
	in.onClose = fn
}

// Close stops the producer and gives the RTP port back to the engine.
func (in *Ingest) Close() error {
	err := in.Producer.Close()
	in.releaseOnce.Do(func() {
		in.router.mu.Lock()
		delete(in.router.ingests, in.id)
		in.router.mu.Unlock()
		in.router.engine.releasePort(in.target.Port)
	})
	return err
}

// Stop simulates the encoder going away.
func (in *Ingest) Stop() {
	_ = in.Close()
	in.closeMu.Lock()
	fn := in.onClose
	in.closeMu.Unlock()
	if fn != nil {
		fn()
	}
}
