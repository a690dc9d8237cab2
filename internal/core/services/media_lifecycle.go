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

const (
	SourcePeer     = "peer"
	SourcePipeline = "pipeline"
)

// Producer is an inbound media stream registered in a room.
type Producer struct {
	id            domain.ProducerID
	kind          domain.MediaKind
	sessionID     domain.SessionID
	transportID   domain.TransportID
	source        string
	engine        ports.EngineProducer
	rtpParameters domain.RtpParameters
	createdAt     time.Time

	mu        sync.Mutex
	paused    bool
	closed    bool
	consumers map[domain.ConsumerID]*Consumer
	done      chan struct{}
}

func (p *Producer) ID() domain.ProducerID               { return p.id }
func (p *Producer) Kind() domain.MediaKind              { return p.kind }
func (p *Producer) SessionID() domain.SessionID         { return p.sessionID }
func (p *Producer) Source() string                      { return p.source }
func (p *Producer) RtpParameters() domain.RtpParameters { return p.rtpParameters }

func (p *Producer) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// Done is closed once the producer has closed.
func (p *Producer) Done() <-chan struct{} { return p.done }

func (p *Producer) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

func (p *Producer) Record() domain.ProducerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.ProducerRecord{
		ID:        p.id,
		Kind:      p.kind,
		SessionID: p.sessionID,
		Source:    p.source,
		Paused:    p.paused,
		CreatedAt: p.createdAt,
	}
}

func (p *Producer) consumedBy(sessionID domain.SessionID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.consumers {
		if c.sessionID == sessionID {
			return true
		}
	}
	return false
}

// attach links a consumer. It fails once the producer has closed.
func (p *Producer) attach(c *Consumer) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.consumers[c.id] = c
	return true
}

func (p *Producer) detach(id domain.ConsumerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.consumers, id)
}

// markClosed flips the producer to closed and hands back its consumers.
func (p *Producer) markClosed() ([]*Consumer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, false
	}
	p.closed = true
	close(p.done)
	out := make([]*Consumer, 0, len(p.consumers))
	for _, c := range p.consumers {
		out = append(out, c)
	}
	p.consumers = nil
	return out, true
}

// Consumer is one outbound copy of a producer toward a peer.
type Consumer struct {
	id          domain.ConsumerID
	kind        domain.MediaKind
	sessionID   domain.SessionID
	transportID domain.TransportID
	producer    *Producer
	engine      ports.EngineConsumer
	createdAt   time.Time

	mu     sync.Mutex
	paused bool
	closed bool

	// onProducerClosed is set by the owning session and runs on the goroutine
	// closing the producer.
	onProducerClosed func(*Consumer)
}

func (c *Consumer) ID() domain.ConsumerID               { return c.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) ProducerID() domain.ProducerID       { return c.producer.id }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.engine.RtpParameters() }

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

func (c *Consumer) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

// Lifecycle creates producers and consumers and runs the close cascade.
type Lifecycle struct {
	engineCaller
}

func NewLifecycle(metrics ports.MetricsRecorder, logger *zap.SugaredLogger) *Lifecycle {
	return &Lifecycle{engineCaller: engineCaller{metrics: metrics, logger: logger}}
}

// Produce registers inbound media on a connected send transport. Nothing is
// registered unless the engine accepts the parameters.
func (l *Lifecycle) Produce(ctx context.Context, room *Room, t *Transport, kind domain.MediaKind, params domain.RtpParameters) (*Producer, error) {
	if t == nil || t.State() != domain.TransportStateConnected {
		return nil, apperrors.NewInvalidState("send transport not connected")
	}
	if err := params.Validate(kind); err != nil {
		return nil, apperrors.NewInvalidProduceParameters(err)
	}
	codec, _ := params.PrimaryCodec()
	if !room.Capabilities().Supports(codec) {
		return nil, apperrors.NewInvalidProduceParameters(domain.ErrUnsupportedCodec).
			WithContext("mime_type", codec.MimeType)
	}

	var ep ports.EngineProducer
	err := l.call(ctx, "produce", room.ID(), func(ctx context.Context) error {
		var err error
		ep, err = t.engine.Produce(ctx, kind, params)
		return err
	})
	if err != nil {
		return nil, engineError(err)
	}

	p := newProducer(domain.ProducerID(ep.ID()), kind, ep, t.sessionID, SourcePeer)
	p.transportID = t.id
	l.metrics.ProducerOpened(kind)
	return p, nil
}

// AdoptIngest wraps a plain RTP ingest as a room producer with no owning session.
func (l *Lifecycle) AdoptIngest(ingest ports.PlainIngest) *Producer {
	p := newProducer(domain.ProducerID(ingest.ID()), ingest.Kind(), ingest, "", SourcePipeline)
	l.metrics.ProducerOpened(p.kind)
	return p
}

func newProducer(id domain.ProducerID, kind domain.MediaKind, ep ports.EngineProducer, sessionID domain.SessionID, source string) *Producer {
	return &Producer{
		id:            id,
		kind:          kind,
		sessionID:     sessionID,
		source:        source,
		engine:        ep,
		rtpParameters: ep.RtpParameters(),
		createdAt:     time.Now(),
		consumers:     make(map[domain.ConsumerID]*Consumer),
		done:          make(chan struct{}),
	}
}

// Consume creates a paused consumer of producer on a connected receive transport.
func (l *Lifecycle) Consume(ctx context.Context, room *Room, t *Transport, producer *Producer, remote domain.RtpCapabilities, onProducerClosed func(*Consumer)) (*Consumer, error) {
	if t == nil || t.State() != domain.TransportStateConnected {
		return nil, apperrors.NewInvalidState("receive transport not connected")
	}
	if producer == nil || producer.Closed() {
		return nil, apperrors.NewNoActiveProducer()
	}

	caps := room.Capabilities()
	if !caps.CanConsume(producer.kind, remote) {
		return nil, apperrors.NewCapabilityMismatch("no common " + string(producer.kind) + " codec")
	}
	codec, _ := producer.rtpParameters.PrimaryCodec()
	if _, ok := caps.MatchCodec(codec, remote); !ok {
		return nil, apperrors.NewCapabilityMismatch("cannot receive " + codec.MimeType)
	}

	var ec ports.EngineConsumer
	err := l.call(ctx, "consume", room.ID(), func(ctx context.Context) error {
		var err error
		ec, err = t.engine.Consume(ctx, producer.engine, remote, true)
		return err
	})
	if err != nil {
		return nil, engineError(err)
	}

	c := &Consumer{
		id:               domain.ConsumerID(ec.ID()),
		kind:             producer.kind,
		sessionID:        t.sessionID,
		transportID:      t.id,
		producer:         producer,
		engine:           ec,
		createdAt:        time.Now(),
		paused:           true,
		onProducerClosed: onProducerClosed,
	}
	if !producer.attach(c) {
		_ = ec.Close()
		return nil, apperrors.NewNoActiveProducer()
	}
	l.metrics.ConsumerOpened(c.kind)
	return c, nil
}

// ResumeConsumer starts forwarding. Resuming an active consumer is a no-op.
func (l *Lifecycle) ResumeConsumer(ctx context.Context, roomID domain.RoomID, c *Consumer) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.NewInvalidState("consumer closed")
	}
	if !c.paused {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	err := l.call(ctx, "resume_consumer", roomID, func(ctx context.Context) error {
		return c.engine.Resume(ctx)
	})
	if err != nil {
		return engineError(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return apperrors.NewInvalidState("consumer closed")
	}
	c.paused = false
	return nil
}

func (l *Lifecycle) PauseProducer(ctx context.Context, roomID domain.RoomID, p *Producer) error {
	return l.setProducerPaused(ctx, roomID, p, true)
}

func (l *Lifecycle) ResumeProducer(ctx context.Context, roomID domain.RoomID, p *Producer) error {
	return l.setProducerPaused(ctx, roomID, p, false)
}

func (l *Lifecycle) setProducerPaused(ctx context.Context, roomID domain.RoomID, p *Producer, paused bool) error {
	if p.Closed() {
		return apperrors.NewNoActiveProducer()
	}
	if p.Paused() == paused {
		return nil
	}

	op, fn := "resume_producer", p.engine.Resume
	if paused {
		op, fn = "pause_producer", p.engine.Pause
	}
	if err := l.call(ctx, op, roomID, fn); err != nil {
		return engineError(err)
	}

	p.mu.Lock()
	p.paused = paused
	p.mu.Unlock()
	return nil
}

// CloseProducer closes p and every consumer attached to it. Each consumer's
// owner is told through its onProducerClosed hook. It reports false if p was
// already closed.
func (l *Lifecycle) CloseProducer(p *Producer) bool {
	consumers, ok := p.markClosed()
	if !ok {
		return false
	}

	for _, c := range consumers {
		if !c.markClosed() {
			continue
		}
		l.closeEngineConsumer(c)
		if c.onProducerClosed != nil {
			c.onProducerClosed(c)
		}
	}

	if err := p.engine.Close(); err != nil {
		l.logger.Debugw("Engine producer close failed", "producer_id", p.id, "error", err)
	}
	l.metrics.ProducerClosed(p.kind)
	l.logger.Infow("Producer closed",
		"producer_id", p.id,
		"session_id", p.sessionID,
		"consumers", len(consumers),
	)
	return true
}

// CloseConsumer closes c on behalf of its owner. No producerClosed is sent.
func (l *Lifecycle) CloseConsumer(c *Consumer) bool {
	if !c.markClosed() {
		return false
	}
	c.producer.detach(c.id)
	l.closeEngineConsumer(c)
	return true
}

func (l *Lifecycle) closeEngineConsumer(c *Consumer) {
	if err := c.engine.Close(); err != nil {
		l.logger.Debugw("Engine consumer close failed", "consumer_id", c.id, "error", err)
	}
	l.metrics.ConsumerClosed(c.kind)
}
