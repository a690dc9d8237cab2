package pion

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	"sfugate/pkg/optimize"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// keyframeInterval bounds how often a producer is asked for a keyframe.
const keyframeInterval = 500 * time.Millisecond

var (
	packetBuffers = optimize.NewBytePool(optimize.MaxPacketSize)
	fanout        = optimize.NewSlicePool[*Consumer](8)
)

// source fans RTP packets out to its consumers. Producers and plain ingests
// both embed it.
type source struct {
	id     string
	kind   domain.MediaKind
	params domain.RtpParameters
	engine *Engine

	// keyframe asks the sender for a new keyframe; nil when it cannot be asked.
	keyframe func()
	lastPLI  atomic.Int64

	forwarded atomic.Uint64

	mu        sync.Mutex
	paused    bool
	closed    bool
	consumers map[string]*Consumer
}

func newSource(e *Engine, kind domain.MediaKind, params domain.RtpParameters) *source {
	return &source{
		id:        uuid.New().String(),
		kind:      kind,
		params:    params,
		engine:    e,
		consumers: make(map[string]*Consumer),
	}
}

func (s *source) ID() string                          { return s.id }
func (s *source) Kind() domain.MediaKind              { return s.kind }
func (s *source) RtpParameters() domain.RtpParameters { return s.params }

func (s *source) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *source) Pause(ctx context.Context) error  { return s.setPaused(ctx, true) }
func (s *source) Resume(ctx context.Context) error { return s.setPaused(ctx, false) }

func (s *source) setPaused(ctx context.Context, paused bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.ErrEngineClosed
	}
	s.paused = paused
	s.mu.Unlock()
	if !paused {
		s.requestKeyframe()
	}
	return nil
}

func (s *source) attach(c *Consumer) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.consumers[c.id] = c
	return true
}

func (s *source) detach(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.consumers, id)
}

// forward writes pkt to every unpaused consumer. Paused consumers get nothing.
func (s *source) forward(pkt *rtp.Packet) {
	s.mu.Lock()
	if s.closed || s.paused {
		s.mu.Unlock()
		return
	}
	targets := fanout.Get()
	for _, c := range s.consumers {
		targets = append(targets, c)
	}
	s.mu.Unlock()

	for _, c := range targets {
		c.write(pkt)
	}
	if n := s.forwarded.Add(1); n%1000 == 0 {
		s.engine.logger.Debugw("Forwarding RTP",
			"producer_id", s.id,
			"consumers", len(targets),
			"sequence", pkt.SequenceNumber,
			"packets", n,
		)
	}
	fanout.Put(targets)
}

func (s *source) requestKeyframe() {
	if s.keyframe == nil || s.kind != domain.MediaKindVideo {
		return
	}
	now := time.Now().UnixNano()
	last := s.lastPLI.Load()
	if now-last < int64(keyframeInterval) || !s.lastPLI.CompareAndSwap(last, now) {
		return
	}
	s.keyframe()
}

// shut marks the source closed and closes its consumers.
func (s *source) shut() bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.closed = true
	consumers := s.consumers
	s.consumers = nil
	s.mu.Unlock()

	for _, c := range consumers {
		_ = c.Close()
	}
	return true
}

func sourceOf(p ports.EngineProducer) *source {
	switch v := p.(type) {
	case *Producer:
		return v.source
	case *Ingest:
		return v.source
	default:
		return nil
	}
}

// Producer implements ports.EngineProducer on top of an RTP receiver.
type Producer struct {
	*source
	transport *Transport
	receiver  *webrtc.RTPReceiver
	ssrc      uint32
}

func newProducer(t *Transport, kind domain.MediaKind, params domain.RtpParameters, receiver *webrtc.RTPReceiver, ssrc uint32) *Producer {
	p := &Producer{
		source:    newSource(t.router.engine, kind, params),
		transport: t,
		receiver:  receiver,
		ssrc:      ssrc,
	}
	p.keyframe = p.sendPLI
	return p
}

func (p *Producer) readLoop() {
	defer p.engine.guard("producer", p.id)

	track := p.receiver.Track()
	if track == nil {
		return
	}

	// Consumers write synchronously, so one buffer and packet are reused.
	buf := packetBuffers.Get()
	defer packetBuffers.Put(buf)
	pkt := &rtp.Packet{}
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			if !p.Closed() && !errors.Is(err, io.EOF) {
				p.engine.logger.Warnw("Producer read failed", "producer_id", p.id, "error", err)
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		p.forward(pkt)
	}
}

// readRTCP drains sender reports so the interceptors keep running.
func (p *Producer) readRTCP() {
	defer p.engine.guard("producer_rtcp", p.id)
	for {
		packets, _, err := p.receiver.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			if sr, ok := pkt.(*rtcp.SenderReport); ok {
				p.engine.logger.Debugw("Sender report",
					"producer_id", p.id,
					"packet_count", sr.PacketCount,
					"octet_count", sr.OctetCount,
				)
			}
		}
	}
}

func (p *Producer) sendPLI() {
	_, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: p.ssrc}})
	if err != nil {
		p.engine.logger.Debugw("PLI write failed", "producer_id", p.id, "error", err)
	}
}

func (p *Producer) Close() error {
	if !p.shut() {
		return nil
	}
	return p.receiver.Stop()
}

// Consumer implements ports.EngineConsumer. It owns a local track bound to
// one RTP sender on the receive transport.
type Consumer struct {
	id     string
	kind   domain.MediaKind
	params domain.RtpParameters
	source *source
	track  *webrtc.TrackLocalStaticRTP
	sender *webrtc.RTPSender
	engine *Engine

	paused atomic.Bool
	closed atomic.Bool
}

func (c *Consumer) ID() string                          { return c.id }
func (c *Consumer) Kind() domain.MediaKind              { return c.kind }
func (c *Consumer) RtpParameters() domain.RtpParameters { return c.params }
func (c *Consumer) Paused() bool                        { return c.paused.Load() }

func (c *Consumer) write(pkt *rtp.Packet) {
	if c.paused.Load() || c.closed.Load() {
		return
	}
	if err := c.track.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		c.engine.logger.Debugw("Consumer write failed", "consumer_id", c.id, "error", err)
	}
}

func (c *Consumer) Pause(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return domain.ErrEngineClosed
	}
	c.paused.Store(true)
	return nil
}

// Resume starts forwarding and asks the producer for a keyframe so the
// receiver can decode right away.
func (c *Consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.closed.Load() {
		return domain.ErrEngineClosed
	}
	if c.paused.Swap(false) {
		c.source.requestKeyframe()
	}
	return nil
}

// readRTCP relays keyframe requests from the receiving peer to the producer.
func (c *Consumer) readRTCP() {
	defer c.engine.guard("consumer_rtcp", c.id)
	for {
		packets, _, err := c.sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, pkt := range packets {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.source.requestKeyframe()
			}
		}
	}
}

func (c *Consumer) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.source.detach(c.id)
	return c.sender.Stop()
}

// Ingest implements ports.PlainIngest: a UDP socket fed by an external encoder.
type Ingest struct {
	*source
	router *Router
	conn   *net.UDPConn
	target ports.IngestTarget

	closeMu sync.Mutex
	onClose func()
}

func newIngest(r *Router, kind domain.MediaKind, codec domain.RtpCodecCapability, conn *net.UDPConn, host string) *Ingest {
	ssrc := randomSSRC()
	params := domain.RtpParameters{
		Codecs: []domain.RtpCodecParameters{{
			MimeType:    codec.MimeType,
			PayloadType: codec.PreferredPayloadType,
			ClockRate:   codec.ClockRate,
			Channels:    codec.Channels,
			Parameters:  codec.Parameters,
		}},
		Encodings: []domain.RtpEncodingParameters{{Ssrc: ssrc}},
	}
	return &Ingest{
		source: newSource(r.engine, kind, params),
		router: r,
		conn:   conn,
		target: ports.IngestTarget{
			IP:          host,
			Port:        conn.LocalAddr().(*net.UDPAddr).Port,
			PayloadType: codec.PreferredPayloadType,
			Ssrc:        ssrc,
			MimeType:    codec.MimeType,
			ClockRate:   codec.ClockRate,
		},
	}
}

func (in *Ingest) Target() ports.IngestTarget { return in.target }

func (in *Ingest) OnClose(fn func()) {
	in.closeMu.Lock()
	defer in.closeMu.Unlock()
	in.onClose = fn
}

func (in *Ingest) readLoop() {
	defer in.engine.guard("ingest", in.id)

	buf := packetBuffers.Get()
	defer packetBuffers.Put(buf)
	pkt := &rtp.Packet{}
	for {
		n, _, err := in.conn.ReadFrom(buf)
		if err != nil {
			if in.shut() {
				in.engine.logger.Warnw("Plain ingest stopped", "producer_id", in.id, "error", err)
				in.router.forgetIngest(in.id)
				in.closeMu.Lock()
				fn := in.onClose
				in.closeMu.Unlock()
				if fn != nil {
					fn()
				}
			}
			return
		}
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		in.forward(pkt)
	}
}

// Close stops the ingest. The OnClose callback is not fired for an explicit close.
func (in *Ingest) Close() error {
	if !in.shut() {
		return nil
	}
	in.router.forgetIngest(in.id)
	return in.conn.Close()
}
