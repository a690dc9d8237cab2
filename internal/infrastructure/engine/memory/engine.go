// Package memory is an in-process media engine. It performs no network I/O:
// handshakes succeed immediately and packets are pushed by hand, which makes
// the signaling layer testable without sockets.
package memory

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Options struct {
	// IP and ports handed out as ICE candidates and ingest targets.
	IP      string
	MinPort int
	MaxPort int
}

// Engine implements ports.MediaEngine.
type Engine struct {
	opts   Options
	logger *zap.SugaredLogger

	died     chan error
	dieOnce  sync.Once
	connects atomic.Int64

	mu         sync.Mutex
	closed     bool
	nextPort   int
	freePorts  []int
	routers    map[string]*Router
	transports map[string]*Transport
	producers  map[string]*Producer
	consumers  map[string]*Consumer
	faults     map[string]error
}

func New(opts Options, logger *zap.SugaredLogger) *Engine {
	if opts.IP == "" {
		opts.IP = "127.0.0.1"
	}
	if opts.MinPort == 0 {
		opts.MinPort = 2000
	}
	if opts.MaxPort < opts.MinPort {
		opts.MaxPort = opts.MinPort + 1000
	}
	return &Engine{
		opts:       opts,
		logger:     logger,
		died:       make(chan error, 1),
		nextPort:   opts.MinPort,
		routers:    make(map[string]*Router),
		transports: make(map[string]*Transport),
		producers:  make(map[string]*Producer),
		consumers:  make(map[string]*Consumer),
		faults:     make(map[string]error),
	}
}

// Fault injection points.
const (
	FaultCreateRouter    = "create_router"
	FaultCreateTransport = "create_transport"
	FaultConnect         = "connect"
	FaultProduce         = "produce"
	FaultConsume         = "consume"
	FaultIngest          = "ingest"
)

// FailNext makes the next call at point fail with err.
func (e *Engine) FailNext(point string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[point] = err
}

func (e *Engine) takeFault(point string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return domain.ErrEngineClosed
	}
	err := e.faults[point]
	delete(e.faults, point)
	return err
}

// ConnectCount is the number of handshakes the engine ran.
func (e *Engine) ConnectCount() int {
	return int(e.connects.Load())
}

// Kill simulates an engine crash.
func (e *Engine) Kill(cause error) {
	e.dieOnce.Do(func() {
		e.shutdown()
		e.died <- cause
		close(e.died)
	})
}

func (e *Engine) Died() <-chan error { return e.died }

func (e *Engine) Close() error {
	e.shutdown()
	return nil
}

func (e *Engine) shutdown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	routers := make([]*Router, 0, len(e.routers))
	for _, r := range e.routers {
		routers = append(routers, r)
	}
	e.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
}

// allocPort prefers ports released by closed transports and ingests.
func (e *Engine) allocPort() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := len(e.freePorts); n > 0 {
		p := e.freePorts[n-1]
		e.freePorts = e.freePorts[:n-1]
		return p, nil
	}
	if e.nextPort > e.opts.MaxPort {
		return 0, domain.ErrPortsExhausted
	}
	p := e.nextPort
	e.nextPort++
	return p, nil
}

func (e *Engine) releasePort(port int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.freePorts = append(e.freePorts, port)
}

// Producer looks up a live producer by id.
func (e *Engine) Producer(id string) *Producer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.producers[id]
}

// Transport looks up a transport by id.
func (e *Engine) Transport(id string) *Transport {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transports[id]
}

// Consumer looks up a live consumer by id.
func (e *Engine) Consumer(id string) *Consumer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.consumers[id]
}

func (e *Engine) CreateRouter(ctx context.Context, caps domain.RtpCapabilities) (ports.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := e.takeFault(FaultCreateRouter); err != nil {
		return nil, err
	}
	r := &Router{
		id:         uuid.New().String(),
		engine:     e,
		caps:       caps.Clone(),
		transports: make(map[string]*Transport),
		ingests:    make(map[string]*Ingest),
	}

	e.mu.Lock()
	e.routers[r.id] = r
	e.mu.Unlock()
	return r, nil
}

// Router implements ports.Router.
type Router struct {
	id     string
	engine *Engine
	caps   domain.RtpCapabilities

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
	if err := r.engine.takeFault(FaultCreateTransport); err != nil {
		return nil, err
	}
	port, err := r.engine.allocPort()
	if err != nil {
		return nil, err
	}

	t := &Transport{
		id:     uuid.New().String(),
		router: r,
		role:   role,
		port:   port,
		state:  domain.TransportStateNew,
		params: domain.TransportParameters{
			IceParameters: domain.IceParameters{
				UsernameFragment: randomHex(8),
				Password:         randomHex(16),
				IceLite:          true,
			},
			IceCandidates: []domain.IceCandidate{{
				Foundation: "udpcandidate",
				Priority:   1076302079,
				IP:         r.engine.opts.IP,
				Protocol:   "udp",
				Port:       uint16(port),
				Type:       "host",
			}},
			DtlsParameters: domain.DtlsParameters{
				Role:         domain.DtlsRoleAuto,
				Fingerprints: []domain.DtlsFingerprint{{Algorithm: "sha-256", Value: fingerprint()}},
			},
		},
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.engine.releasePort(port)
		return nil, domain.ErrEngineClosed
	}
	r.transports[t.id] = t
	r.mu.Unlock()

	r.engine.mu.Lock()
	r.engine.transports[t.id] = t
	r.engine.mu.Unlock()
	return t, nil
}

func (r *Router) CreatePlainIngest(ctx context.Context, kind domain.MediaKind) (ports.PlainIngest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := r.engine.takeFault(FaultIngest); err != nil {
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

	port, err := r.engine.allocPort()
	if err != nil {
		return nil, err
	}
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

	in := &Ingest{
		Producer: newProducer(r.engine, kind, params),
		router:   r,
		target: ports.IngestTarget{
			IP:          r.engine.opts.IP,
			Port:        port,
			PayloadType: codec.PreferredPayloadType,
			Ssrc:        ssrc,
			MimeType:    codec.MimeType,
			ClockRate:   codec.ClockRate,
		},
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = in.Close()
		return nil, domain.ErrEngineClosed
	}
	r.ingests[in.id] = in
	r.mu.Unlock()
	return in, nil
}

// Close drops every transport and ingest without emitting events.
func (r *Router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := r.transports
	ingests := r.ingests
	r.transports = nil
	r.ingests = nil
	r.mu.Unlock()

	for _, t := range transports {
		t.shutdown(false)
	}
	for _, in := range ingests {
		_ = in.Close()
	}

	r.engine.mu.Lock()
	delete(r.engine.routers, r.id)
	r.engine.mu.Unlock()
	return nil
}

func randomHex(n int) string {
	b := make([]byte, n)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func randomSSRC() uint32 {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	v := uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
	if v == 0 {
		v = 1
	}
	return v
}

func fingerprint() string {
	raw := randomHex(32)
	parts := make([]string, 0, 32)
	for i := 0; i < len(raw); i += 2 {
		parts = append(parts, strings.ToUpper(raw[i:i+2]))
	}
	return strings.Join(parts, ":")
}
