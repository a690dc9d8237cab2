package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	apperrors "sfugate/pkg/errors"

	"go.uber.org/zap"
)

// PeerSession orchestrates one client connection. All requests and internal
// events run on a single worker goroutine in arrival order; fields below the
// worker-owned marker are only touched from it.
type PeerSession struct {
	id        domain.SessionID
	room      *Room
	manager   *RoomManager
	notifier  ports.Notifier
	logger    *zap.SugaredLogger
	createdAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	queue  *jobQueue
	done   chan struct{}
	state  atomic.Int32

	hooksMu  sync.Mutex
	onClosed []func()

	// worker-owned
	capsKnown     bool
	sendTransport *Transport
	recvTransport *Transport
	producer      *Producer
	consumers     map[domain.ConsumerID]*Consumer
}

func newPeerSession(room *Room, manager *RoomManager, notifier ports.Notifier) *PeerSession {
	ctx, cancel := context.WithCancel(context.Background())
	id := domain.NewSessionID()
	return &PeerSession{
		id:        id,
		room:      room,
		manager:   manager,
		notifier:  notifier,
		logger:    manager.logger.With("session_id", id, "room_id", room.id),
		createdAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		queue:     newJobQueue(),
		done:      make(chan struct{}),
		consumers: make(map[domain.ConsumerID]*Consumer),
	}
}

func (s *PeerSession) ID() domain.SessionID  { return s.id }
func (s *PeerSession) RoomID() domain.RoomID { return s.room.id }
func (s *PeerSession) Done() <-chan struct{} { return s.done }
func (s *PeerSession) CreatedAt() time.Time  { return s.createdAt }

// State is the furthest milestone reached.
func (s *PeerSession) State() domain.SessionState {
	return domain.SessionState(s.state.Load())
}

func (s *PeerSession) advance(to domain.SessionState) {
	for {
		cur := s.state.Load()
		if cur >= int32(to) {
			return
		}
		if s.state.CompareAndSwap(cur, int32(to)) {
			return
		}
	}
}

// OnClosed registers fn to run after teardown completed.
func (s *PeerSession) OnClosed(fn func()) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onClosed = append(s.onClosed, fn)
}

// Close disconnects the session. Queued requests are dropped and owned
// resources are released on the worker. Safe to call repeatedly.
func (s *PeerSession) Close() {
	s.cancel()
}

// greet queues connectionEstablished so it precedes any room event.
func (s *PeerSession) greet() {
	s.post(func() {
		s.notify(EventConnectionEstablished, ConnectionEstablishedEvent{SessionID: s.id, RoomID: s.room.id})
	})
}

func (s *PeerSession) start() {
	go s.run()
}

func (s *PeerSession) run() {
	defer s.teardown()
	for {
		job, ok := s.queue.pop(s.ctx)
		if !ok {
			return
		}
		job()
	}
}

func (s *PeerSession) post(job func()) bool {
	return s.queue.push(job)
}

func (s *PeerSession) alive() bool {
	return s.ctx.Err() == nil
}

func (s *PeerSession) notify(event string, payload interface{}) {
	s.notifier.Notify(event, payload)
}

// Dispatch queues req; reply is called from the worker with the result.
// Requests still queued when the session closes are dropped without a reply.
func (s *PeerSession) Dispatch(req Request, reply func(interface{}, error)) {
	ok := s.post(func() {
		res, err := s.handle(req)
		reply(res, err)
	})
	if !ok {
		reply(nil, errSessionClosed)
	}
}

// Reject queues a reply carrying err behind every request already
// dispatched, so a failure found before parsing still answers in order.
func (s *PeerSession) Reject(err error, reply func(interface{}, error)) {
	if !s.post(func() { reply(nil, err) }) {
		reply(nil, err)
	}
}

// Call dispatches req and waits for its result.
func (s *PeerSession) Call(ctx context.Context, req Request) (interface{}, error) {
	type outcome struct {
		res interface{}
		err error
	}
	ch := make(chan outcome, 1)
	s.Dispatch(req, func(res interface{}, err error) {
		ch <- outcome{res, err}
	})

	select {
	case o := <-ch:
		return o.res, o.err
	case <-s.done:
		select {
		case o := <-ch:
			return o.res, o.err
		default:
			return nil, errSessionClosed
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *PeerSession) handle(req Request) (interface{}, error) {
	if !s.alive() {
		return nil, errSessionClosed
	}

	switch r := req.(type) {
	case GetRtpCapabilitiesRequest:
		return s.getRtpCapabilities()
	case CreateTransportRequest:
		return s.createTransport(r)
	case ConnectTransportRequest:
		return s.connectTransport(r)
	case ProduceRequest:
		return s.produce(r)
	case PauseProducerRequest:
		return s.setProducerPaused(true)
	case ResumeProducerRequest:
		return s.setProducerPaused(false)
	case ConsumeRequest:
		return s.consume(r)
	case ResumeConsumerRequest:
		return s.resumeConsumer(r)
	default:
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("unsupported request %q", req.Type()))
	}
}

func (s *PeerSession) getRtpCapabilities() (interface{}, error) {
	if !s.manager.Available() || s.room.Closed() {
		return nil, apperrors.NewEngineUnavailable(domain.ErrEngineClosed)
	}
	s.capsKnown = true
	s.advance(domain.SessionCapabilitiesKnown)
	return RtpCapabilitiesResult{RtpCapabilities: s.room.caps.Capabilities()}, nil
}

func (s *PeerSession) createTransport(r CreateTransportRequest) (interface{}, error) {
	if !r.Role.Valid() {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("unknown transport role %q", r.Role))
	}
	if !s.capsKnown {
		return nil, apperrors.NewInvalidState("rtp capabilities not requested")
	}

	slot := &s.sendTransport
	milestone := domain.SessionSendTransportCreated
	if r.Role == domain.TransportRoleReceive {
		slot = &s.recvTransport
		milestone = domain.SessionRecvTransportCreated
	}
	if existing := *slot; existing != nil && !existing.State().Terminal() {
		return nil, apperrors.NewInvalidState(string(r.Role) + " transport already exists")
	}
	if !s.manager.Available() {
		return nil, apperrors.NewEngineUnavailable(domain.ErrEngineClosed)
	}

	t, err := s.manager.transports.CreateTransport(s.ctx, s.room, s.id, r.Role)
	if err != nil {
		return nil, err
	}
	if !s.alive() {
		s.manager.transports.Close(t)
		return nil, errSessionClosed
	}

	*slot = t
	t.OnClose(func(state domain.TransportState) {
		s.post(func() { s.transportClosed(t, state) })
	})
	s.advance(milestone)

	return TransportResult{TransportID: t.id, TransportParameters: t.params}, nil
}

func (s *PeerSession) transportByID(id domain.TransportID) *Transport {
	if s.sendTransport != nil && s.sendTransport.id == id {
		return s.sendTransport
	}
	if s.recvTransport != nil && s.recvTransport.id == id {
		return s.recvTransport
	}
	return nil
}

func (s *PeerSession) connectTransport(r ConnectTransportRequest) (interface{}, error) {
	t := s.transportByID(r.TransportID)
	if t == nil {
		return nil, apperrors.NewInvalidRequest("unknown transport id").WithContext("transport_id", r.TransportID)
	}

	if err := s.manager.transports.Connect(s.ctx, t, r.Params); err != nil {
		if !s.alive() {
			return nil, errSessionClosed
		}
		return nil, err
	}
	if !s.alive() {
		return nil, errSessionClosed
	}

	if t.role == domain.TransportRoleSend {
		s.advance(domain.SessionSendTransportConnected)
	} else {
		s.advance(domain.SessionRecvTransportConnected)
	}
	return Ack{}, nil
}

func (s *PeerSession) produce(r ProduceRequest) (interface{}, error) {
	if !r.Kind.Valid() {
		return nil, apperrors.NewInvalidRequest(fmt.Sprintf("unknown media kind %q", r.Kind))
	}
	if s.producer != nil {
		return nil, apperrors.NewInvalidState("already producing")
	}
	if s.sendTransport == nil || s.sendTransport.State() != domain.TransportStateConnected {
		return nil, apperrors.NewInvalidState("send transport not connected")
	}

	p, err := s.manager.lifecycle.Produce(s.ctx, s.room, s.sendTransport, r.Kind, r.RtpParameters)
	if err != nil {
		return nil, err
	}
	if !s.alive() {
		s.manager.lifecycle.CloseProducer(p)
		return nil, errSessionClosed
	}
	if err := s.manager.publishProducer(s.room, p); err != nil {
		s.manager.lifecycle.CloseProducer(p)
		return nil, err
	}

	s.producer = p
	s.advance(domain.SessionProducing)
	s.logger.Infow("Producer created", "producer_id", p.id, "kind", p.kind)
	return ProduceResult{ProducerID: p.id}, nil
}

func (s *PeerSession) setProducerPaused(paused bool) (interface{}, error) {
	if s.producer == nil {
		return nil, apperrors.NewNoActiveProducer()
	}
	var err error
	if paused {
		err = s.manager.lifecycle.PauseProducer(s.ctx, s.room.id, s.producer)
	} else {
		err = s.manager.lifecycle.ResumeProducer(s.ctx, s.room.id, s.producer)
	}
	if err != nil {
		return nil, err
	}
	s.manager.mirror.AddProducer(s.room.id, s.producer.Record())
	return Ack{}, nil
}

func (s *PeerSession) consume(r ConsumeRequest) (interface{}, error) {
	if s.recvTransport == nil || s.recvTransport.State() != domain.TransportStateConnected {
		return nil, apperrors.NewInvalidState("receive transport not connected")
	}

	var producer *Producer
	if r.ProducerID != "" {
		producer = s.room.Producer(r.ProducerID)
	} else {
		producer = s.room.pickProducer(s.id)
	}

	c, err := s.manager.lifecycle.Consume(s.ctx, s.room, s.recvTransport, producer, r.RemoteCapabilities, s.consumerProducerClosed)
	if err != nil {
		return nil, err
	}
	if !s.alive() {
		s.manager.lifecycle.CloseConsumer(c)
		return nil, errSessionClosed
	}

	s.consumers[c.id] = c
	s.advance(domain.SessionConsuming)
	s.logger.Infow("Consumer created", "consumer_id", c.id, "producer_id", producer.id, "kind", c.kind)

	return ConsumeResult{
		ConsumerID:    c.id,
		ProducerID:    producer.id,
		Kind:          c.kind,
		RtpParameters: c.RtpParameters(),
	}, nil
}

func (s *PeerSession) resumeConsumer(r ResumeConsumerRequest) (interface{}, error) {
	c, ok := s.consumers[r.ConsumerID]
	if !ok {
		return nil, apperrors.NewInvalidState("unknown or closed consumer").WithContext("consumer_id", r.ConsumerID)
	}
	if err := s.manager.lifecycle.ResumeConsumer(s.ctx, s.room.id, c); err != nil {
		return nil, err
	}
	s.advance(domain.SessionActive)
	return Ack{}, nil
}

// consumerProducerClosed runs on whichever goroutine closed the producer.
func (s *PeerSession) consumerProducerClosed(c *Consumer) {
	s.post(func() {
		if _, ok := s.consumers[c.id]; !ok {
			return
		}
		delete(s.consumers, c.id)
		s.notify(EventProducerClosed, ProducerClosedEvent{ProducerID: c.producer.id, ConsumerID: c.id})
	})
}

func (s *PeerSession) transportClosed(t *Transport, state domain.TransportState) {
	switch t {
	case s.sendTransport:
		if s.producer != nil && s.producer.transportID == t.id {
			s.manager.closeProducer(s.room, s.producer)
			s.producer = nil
		}
	case s.recvTransport:
		for id, c := range s.consumers {
			if c.transportID == t.id {
				s.manager.lifecycle.CloseConsumer(c)
				delete(s.consumers, id)
			}
		}
	default:
		return
	}

	s.logger.Infow("Transport closed", "transport_id", t.id, "role", t.role, "state", state)
	s.notify(EventTransportClosed, TransportClosedEvent{TransportID: t.id})
}

// teardown releases everything the session owns: producer, consumers, send
// transport, receive transport, then the room membership.
func (s *PeerSession) teardown() {
	dropped := s.queue.close()
	s.advance(domain.SessionClosed)

	if s.producer != nil {
		s.manager.closeProducer(s.room, s.producer)
		s.producer = nil
	}
	for id, c := range s.consumers {
		s.manager.lifecycle.CloseConsumer(c)
		delete(s.consumers, id)
	}
	if s.sendTransport != nil {
		s.manager.transports.Close(s.sendTransport)
	}
	if s.recvTransport != nil {
		s.manager.transports.Close(s.recvTransport)
	}

	s.manager.leave(s)
	s.logger.Infow("Peer session closed",
		"dropped_requests", dropped,
		"duration", time.Since(s.createdAt),
	)
	close(s.done)

	s.hooksMu.Lock()
	hooks := s.onClosed
	s.onClosed = nil
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}
