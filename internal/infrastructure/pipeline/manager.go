// Package pipeline runs external encoder processes that push plain RTP into
// a room through an engine ingest.
package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"text/template"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	"sfugate/internal/core/services"
	apperrors "sfugate/pkg/errors"

	"go.uber.org/zap"
)

type Config struct {
	Command string
	// Args are text/template strings over TemplateData.
	Args []string
	// Host replaces the ingest IP in TemplateData when set.
	Host        string
	StopTimeout time.Duration
}

// TemplateData is substituted into Config.Args.
type TemplateData struct {
	Host        string
	Port        int
	PayloadType uint8
	SSRC        uint32
	MimeType    string
	ClockRate   uint32
	Kind        domain.MediaKind
	RoomID      domain.RoomID
}

// Ingests is the slice of the room manager the pipelines need.
type Ingests interface {
	OpenIngest(ctx context.Context, roomID domain.RoomID, kind domain.MediaKind) (*services.Producer, ports.IngestTarget, error)
	CloseIngest(roomID domain.RoomID, producerID domain.ProducerID)
	OnRoomClosed(fn func(domain.RoomID))
}

type IngestCounter interface {
	IngestOpened()
}

type State string

const (
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Info describes a running pipeline.
type Info struct {
	ID        domain.ProducerID  `json:"id"`
	RoomID    domain.RoomID      `json:"roomId"`
	Kind      domain.MediaKind   `json:"kind"`
	PID       int                `json:"pid"`
	Target    ports.IngestTarget `json:"target"`
	Args      []string           `json:"args"`
	State     State              `json:"state"`
	StartedAt time.Time          `json:"startedAt"`
}

type process struct {
	info     Info
	producer *services.Producer
	cmd      *exec.Cmd
	output   []*io.PipeWriter
	done     chan struct{}

	mu       sync.Mutex
	stopping bool
}

// Manager owns the encoder processes. A pipeline ends when its process
// exits, its producer closes, or its room closes; each of those tears down
// the other two.
type Manager struct {
	cfg     Config
	ingests Ingests
	args    []*template.Template
	metrics IngestCounter
	logger  *zap.SugaredLogger

	mu        sync.Mutex
	processes map[domain.ProducerID]*process
	closed    bool
	wg        sync.WaitGroup
}

// NewManager parses the argument templates. metrics may be nil.
func NewManager(cfg Config, ingests Ingests, metrics IngestCounter, logger *zap.SugaredLogger) (*Manager, error) {
	if cfg.Command == "" {
		return nil, fmt.Errorf("pipeline command must not be empty")
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}

	tmpls := make([]*template.Template, len(cfg.Args))
	for i, arg := range cfg.Args {
		t, err := template.New("arg" + strconv.Itoa(i)).Option("missingkey=error").Parse(arg)
		if err != nil {
			return nil, fmt.Errorf("invalid pipeline argument %q: %w", arg, err)
		}
		tmpls[i] = t
	}

	m := &Manager{
		cfg:       cfg,
		ingests:   ingests,
		args:      tmpls,
		metrics:   metrics,
		logger:    logger.With("component", "pipeline"),
		processes: make(map[domain.ProducerID]*process),
	}
	ingests.OnRoomClosed(m.stopRoom)
	return m, nil
}

func (m *Manager) render(data TemplateData) ([]string, error) {
	out := make([]string, len(m.args))
	var buf bytes.Buffer
	for i, t := range m.args {
		buf.Reset()
		if err := t.Execute(&buf, data); err != nil {
			return nil, err
		}
		out[i] = buf.String()
	}
	return out, nil
}

// Start opens an ingest in roomID and launches the encoder against it.
func (m *Manager) Start(ctx context.Context, roomID domain.RoomID, kind domain.MediaKind) (Info, error) {
	m.mu.Lock()
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return Info{}, apperrors.NewEngineUnavailable(domain.ErrEngineClosed)
	}

	producer, target, err := m.ingests.OpenIngest(ctx, roomID, kind)
	if err != nil {
		return Info{}, err
	}

	host := target.IP
	if m.cfg.Host != "" {
		host = m.cfg.Host
	}
	args, err := m.render(TemplateData{
		Host:        host,
		Port:        target.Port,
		PayloadType: target.PayloadType,
		SSRC:        target.Ssrc,
		MimeType:    target.MimeType,
		ClockRate:   target.ClockRate,
		Kind:        kind,
		RoomID:      roomID,
	})
	if err != nil {
		m.ingests.CloseIngest(roomID, producer.ID())
		return Info{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to render pipeline arguments")
	}

	// The process outlives the request; it is bound to the manager instead.
	cmd := exec.Command(m.cfg.Command, args...)
	log := m.logger.With("room_id", roomID, "producer_id", producer.ID())
	stdout, stderr := newLineLogger(log, "stdout"), newLineLogger(log, "stderr")
	cmd.Stdout, cmd.Stderr = stdout, stderr

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = stderr.Close()
		m.ingests.CloseIngest(roomID, producer.ID())
		return Info{}, apperrors.Wrap(err, apperrors.ErrCodeInternal, "failed to start pipeline")
	}

	p := &process{
		info: Info{
			ID:        producer.ID(),
			RoomID:    roomID,
			Kind:      kind,
			PID:       cmd.Process.Pid,
			Target:    target,
			Args:      args,
			State:     StateRunning,
			StartedAt: time.Now(),
		},
		producer: producer,
		cmd:      cmd,
		output:   []*io.PipeWriter{stdout, stderr},
		done:     make(chan struct{}),
	}

	m.mu.Lock()
	m.processes[p.info.ID] = p
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.IngestOpened()
	}

	m.wg.Add(2)
	go m.wait(p, log)
	go m.watchProducer(p)

	log.Infow("Pipeline started", "pid", p.info.PID, "kind", kind, "port", target.Port)
	return p.snapshot(), nil
}

// wait reaps the process and closes its producer.
func (m *Manager) wait(p *process, log *zap.SugaredLogger) {
	defer m.wg.Done()
	err := p.cmd.Wait()
	for _, w := range p.output {
		_ = w.Close()
	}

	m.mu.Lock()
	delete(m.processes, p.info.ID)
	m.mu.Unlock()
	close(p.done)

	m.ingests.CloseIngest(p.info.RoomID, p.info.ID)

	if p.isStopping() {
		log.Infow("Pipeline stopped")
	} else {
		log.Warnw("Pipeline exited", "error", err)
	}
}

func (m *Manager) watchProducer(p *process) {
	defer m.wg.Done()
	select {
	case <-p.producer.Done():
		m.terminate(p)
	case <-p.done:
	}
}

func (p *process) snapshot() Info {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.info
	if p.stopping {
		info.State = StateStopping
	}
	return info
}

func (p *process) isStopping() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopping
}

// terminate asks the process to exit and kills it after StopTimeout. It does
// not wait.
func (m *Manager) terminate(p *process) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.mu.Unlock()

	if err := p.cmd.Process.Signal(os.Interrupt); err != nil {
		_ = p.cmd.Process.Kill()
		return
	}
	go func() {
		select {
		case <-p.done:
		case <-time.After(m.cfg.StopTimeout):
			m.logger.Warnw("Pipeline ignored interrupt, killing", "producer_id", p.info.ID, "pid", p.info.PID)
			_ = p.cmd.Process.Kill()
		}
	}()
}

// Stop ends one pipeline of roomID and waits for it to exit.
func (m *Manager) Stop(ctx context.Context, roomID domain.RoomID, id domain.ProducerID) error {
	m.mu.Lock()
	p := m.processes[id]
	m.mu.Unlock()
	if p == nil || p.info.RoomID != roomID {
		return apperrors.NewNotFoundError("pipeline")
	}

	m.terminate(p)
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// List returns the pipelines of roomID ordered by start time.
func (m *Manager) List(roomID domain.RoomID) []Info {
	m.mu.Lock()
	out := make([]Info, 0, len(m.processes))
	for _, p := range m.processes {
		if p.info.RoomID == roomID {
			out = append(out, p.snapshot())
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

func (m *Manager) stopRoom(roomID domain.RoomID) {
	m.mu.Lock()
	var victims []*process
	for _, p := range m.processes {
		if p.info.RoomID == roomID {
			victims = append(victims, p)
		}
	}
	m.mu.Unlock()

	for _, p := range victims {
		m.terminate(p)
	}
}

// Close stops every pipeline and waits for them until ctx ends.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	all := make([]*process, 0, len(m.processes))
	for _, p := range m.processes {
		all = append(all, p)
	}
	m.mu.Unlock()

	for _, p := range all {
		m.terminate(p)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, p := range all {
			_ = p.cmd.Process.Kill()
		}
		return ctx.Err()
	}
}

// newLineLogger forwards process output to the logger line by line.
func newLineLogger(logger *zap.SugaredLogger, stream string) *io.PipeWriter {
	r, w := io.Pipe()
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			logger.Debugw("Pipeline output", "stream", stream, "line", scanner.Text())
		}
		// Keep draining past an overlong line so the process never blocks.
		_, _ = io.Copy(io.Discard, r)
	}()
	return w
}
