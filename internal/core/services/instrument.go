package services

import (
	"context"
	"errors"
	"time"

	"sfugate/internal/core/domain"
	"sfugate/internal/core/ports"
	apperrors "sfugate/pkg/errors"
	"sfugate/pkg/tracing"

	"go.uber.org/zap"
)

// engineCaller wraps every media engine call with a span and a latency sample.
type engineCaller struct {
	metrics ports.MetricsRecorder
	logger  *zap.SugaredLogger
}

func (c engineCaller) call(ctx context.Context, op string, roomID domain.RoomID, fn func(ctx context.Context) error) error {
	ctx, span := tracing.TraceEngineOp(ctx, op, string(roomID))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	c.metrics.EngineCall(op, err, time.Since(start))
	if err != nil {
		tracing.RecordError(ctx, err)
		c.logger.Debugw("Engine call failed", "op", op, "room_id", roomID, "error", err)
	}
	return err
}

// engineError maps an engine failure onto the signaling error codes.
func engineError(err error) error {
	if err == nil {
		return nil
	}
	if apperrors.GetAppError(err) != nil {
		return err
	}
	switch {
	case errors.Is(err, domain.ErrInvalidRtpParameters), errors.Is(err, domain.ErrUnsupportedCodec):
		return apperrors.NewInvalidProduceParameters(err)
	case errors.Is(err, domain.ErrTransportNotReady):
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidState, "transport not connected")
	case errors.Is(err, domain.ErrHandshakeFailed):
		return apperrors.Wrap(err, apperrors.ErrCodeTransportClosed, "transport handshake failed")
	case errors.Is(err, context.Canceled):
		return apperrors.Wrap(err, apperrors.ErrCodeInvalidState, "session closed")
	default:
		return apperrors.NewEngineUnavailable(err)
	}
}

var errSessionClosed = apperrors.NewInvalidState("session closed")

// NopMetrics discards all samples.
type NopMetrics struct{}

func (NopMetrics) SessionOpened()                                  {}
func (NopMetrics) SessionClosed()                                  {}
func (NopMetrics) RoomOpened()                                     {}
func (NopMetrics) RoomClosed()                                     {}
func (NopMetrics) TransportOpened(domain.TransportRole)            {}
func (NopMetrics) TransportClosed(domain.TransportRole)            {}
func (NopMetrics) ProducerOpened(domain.MediaKind)                 {}
func (NopMetrics) ProducerClosed(domain.MediaKind)                 {}
func (NopMetrics) ConsumerOpened(domain.MediaKind)                 {}
func (NopMetrics) ConsumerClosed(domain.MediaKind)                 {}
func (NopMetrics) SignalRequest(string, string, time.Duration)     {}
func (NopMetrics) EngineCall(string, error, time.Duration)         {}
func (NopMetrics) EngineDied()                                     {}
