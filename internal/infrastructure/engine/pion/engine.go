// Package pion is the media plane built on pion/webrtc ORTC primitives. Each
// transport is an ICE-lite gatherer, ICE transport and DTLS transport; each
// producer is an RTP receiver whose packets fan out to per-consumer local
// tracks bound to RTP senders.
package pion

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	rlog "sfugate/pkg/logger"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

type Options struct {
	ListenIP      string
	AnnouncedIP   string
	MinPort       uint16
	MaxPort       uint16
	GatherTimeout time.Duration
	ICEServers    []webrtc.ICEServer
}

// Engine implements ports.MediaEngine.
type Engine struct {
	opts     Options
	logger   *zap.SugaredLogger
	settings webrtc.SettingEngine
	ports    *portRange

	died    chan error
	dieOnce sync.Once

	mu      sync.Mutex
	closed  bool
	routers map[string]*Router
}

var _ ports.MediaEngine = (*Engine)(nil)

func New(opts Options, logger *zap.Logger) (*Engine, error) {
	if opts.ListenIP == "" {
		opts.ListenIP = "127.0.0.1"
	}
	if opts.MinPort == 0 {
		opts.MinPort = 2000
	}
	if opts.MaxPort == 0 {
		opts.MaxPort = 2020
	}
	if opts.MaxPort < opts.MinPort {
		return nil, fmt.Errorf("rtc port range %d-%d is empty", opts.MinPort, opts.MaxPort)
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = 5 * time.Second
	}
	listenIP := net.ParseIP(opts.ListenIP)
	if listenIP == nil {
		return nil, fmt.Errorf("invalid listen ip %q", opts.ListenIP)
	}

	s := webrtc.SettingEngine{LoggerFactory: rlog.NewPionLoggerFactory(logger)}
	s.SetLite(true)
	s.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6})
	if err := s.SetEphemeralUDPPortRange(opts.MinPort, opts.MaxPort); err != nil {
		return nil, fmt.Errorf("rtc port range: %w", err)
	}
	if !listenIP.IsUnspecified() {
		s.SetIPFilter(func(ip net.IP) bool { return ip.Equal(listenIP) })
		if listenIP.IsLoopback() {
			s.SetIncludeLoopbackCandidate(true)
		}
	}
	if opts.AnnouncedIP != "" {
		s.SetNAT1To1IPs([]string{opts.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	return &Engine{
		opts:     opts,
		logger:   logger.Sugar().With("component", "pion_engine"),
		settings: s,
		ports:    newPortRange(listenIP, opts.MinPort, opts.MaxPort),
		died:     make(chan error, 1),
		routers:  make(map[string]*Router),
	}, nil
}

// Died fires once if a media loop crashed. The engine is unusable afterwards.
func (e *Engine) Died() <-chan error { return e.died }

func (e *Engine) fail(err error) {
	e.dieOnce.Do(func() {
		e.died <- err
		close(e.died)
		go func() { _ = e.Close() }()
	})
}

// guard turns a panic in a media goroutine into engine death.
func (e *Engine) guard(loop, id string) {
	if r := recover(); r != nil {
		e.logger.Errorw("Media loop panicked", "loop", loop, "id", id, "panic", r)
		e.fail(fmt.Errorf("%s %s panicked: %v", loop, id, r))
	}
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.routers = nil
	e.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	e.logger.Infow("Media engine closed", "routers", len(routers))
	return nil
}

func (e *Engine) CreateRouter(ctx context.Context, caps domain.RtpCapabilities) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m, err := newMediaEngine(caps)
	if err != nil {
		return nil, err
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, registry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	r := &Router{
		id:         uuid.New().String(),
		engine:     e,
		caps:       caps.Clone(),
		api:        webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(e.settings), webrtc.WithInterceptorRegistry(registry)),
		transports: make(map[string]*Transport),
		ingests:    make(map[string]*Ingest),
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, domain.ErrEngineClosed
	}
	e.routers[r.id] = r
	return r, nil
}

func (e *Engine) forgetRouter(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.routers, id)
}

// Router implements ports.Router. One API instance per router keeps the
// codec registry scoped to the room.
type Router struct {
	id     string
	engine *Engine
	caps   domain.RtpCapabilities
	api    *webrtc.API

	mu         sync.Mutex
	closed     bool
	transports map[string]*Transport
	ingests    map[string]*Ingest
}

func (r *Router) ID() string { return r.id }

func (r *Router) CreateTransport(ctx context.Context, role domain.TransportRole) (ports.EngineTransport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	gatherer, err := r.api.NewICEGatherer(webrtc.ICEGatherOptions{ICEServers: r.engine.opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("ice gatherer: %w", err)
	}
	ice := r.api.NewICETransport(gatherer)
	dtls, err := r.api.NewDTLSTransport(ice, nil)
	if err != nil {
		_ = gatherer.Close()
		return nil, fmt.Errorf("dtls transport: %w", err)
	}

	t := &Transport{
		id:       uuid.New().String(),
		router:   r,
		role:     role,
		gatherer: gatherer,
		ice:      ice,
		dtls:     dtls,
		state:    domain.TransportStateNew,
		logger:   r.engine.logger,
	}

	if err := t.gather(ctx, r.engine.opts.GatherTimeout); err != nil {
		t.stop()
		return nil, err
	}
	t.watch()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		t.stop()
		return nil, domain.ErrEngineClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	r.engine.logger.Debugw("Transport allocated",
		"transport_id", t.id,
		"router_id", r.id,
		"role", role,
		"candidates", len(t.params.IceCandidates),
	)
	return t, nil
}

func (r *Router) forgetTransport(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transports, id)
}

// CreatePlainIngest binds a UDP socket in the rtc port range and forwards
// every RTP packet received on it. The first router codec of kind is used.
func (r *Router) CreatePlainIngest(ctx context.Context, kind domain.MediaKind) (ports.PlainIngest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var codec domain.RtpCodecCapability
	found := false
	for _, c := range r.caps.Codecs {
		if c.Kind == kind && !c.IsRtx() {
			codec, found = c, true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("%w: no %s codec in router", domain.ErrUnsupportedCodec, kind)
	}

	conn, err := r.engine.ports.listen()
	if err != nil {
		return nil, err
	}

	host := r.engine.opts.AnnouncedIP
	if host == "" {
		host = r.engine.opts.ListenIP
	}
	in := newIngest(r, kind, codec, conn, host)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = conn.Close()
		return nil, domain.ErrEngineClosed
	}
	r.ingests[in.id] = in
	r.mu.Unlock()

	go in.readLoop()
	r.engine.logger.Infow("Plain ingest listening",
		"producer_id", in.id,
		"router_id", r.id,
		"port", in.target.Port,
		"mime_type", codec.MimeType,
	)
	return in, nil
}

func (r *Router) forgetIngest(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ingests, id)
}

// Close drops every transport and ingest without emitting events.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*Transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	ingests := make([]*Ingest, 0, len(r.ingests))
	for _, in := range r.ingests {
		ingests = append(ingests, in)
	}
	r.transports = nil
	r.ingests = nil
	r.mu.Unlock()

	for _, t := range transports {
		t.end(domain.TransportStateClosed, false)
	}
	for _, in := range ingests {
		_ = in.Close()
	}
	r.engine.forgetRouter(r.id)
	return nil
}

// portRange hands out UDP sockets for plain ingests. Ports taken by ICE are
// skipped.
type portRange struct {
	ip       net.IP
	min, max uint16

	mu   sync.Mutex
	next uint16
}

func newPortRange(ip net.IP, min, max uint16) *portRange {
	return &portRange{ip: ip, min: min, max: max, next: min}
}

func (p *portRange) listen() (*net.UDPConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	size := int(p.max-p.min) + 1
	for i := 0; i < size; i++ {
		port := p.next
		if p.next == p.max {
			p.next = p.min
		} else {
			p.next++
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: p.ip, Port: int(port)})
		if err == nil {
			return conn, nil
		}
	}
	return nil, domain.ErrPortsExhausted
}
