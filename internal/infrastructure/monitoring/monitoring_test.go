package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"sfugate/internal/core/domain"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusCollector_Lifecycle(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.SessionOpened()
	p.SessionOpened()
	p.SessionClosed()
	assert.Equal(t, 1.0, testutil.ToFloat64(p.sessionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(p.sessionsTotal))

	p.TransportOpened(domain.TransportRoleSend)
	p.TransportOpened(domain.TransportRoleReceive)
	p.TransportClosed(domain.TransportRoleSend)
	assert.Equal(t, 0.0, testutil.ToFloat64(p.transportsActive.WithLabelValues("send")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.transportsActive.WithLabelValues("receive")))

	p.ProducerOpened(domain.MediaKindVideo)
	p.ConsumerOpened(domain.MediaKindVideo)
	p.ConsumerOpened(domain.MediaKindVideo)
	p.ConsumerClosed(domain.MediaKindVideo)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.producersActive.WithLabelValues("video")))
	assert.Equal(t, 1.0, testutil.ToFloat64(p.consumersActive.WithLabelValues("video")))
}

func TestPrometheusCollector_Requests(t *testing.T) {
	p := NewPrometheusCollector(prometheus.NewRegistry())

	p.SignalRequest("produce", "OK", time.Millisecond)
	p.SignalRequest("produce", "INVALID_STATE", time.Millisecond)
	p.SignalRequest("produce", "INVALID_STATE", time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(p.signalRequests.WithLabelValues("produce", "INVALID_STATE")))

	p.EngineCall("connect", nil, time.Millisecond)
	p.EngineCall("connect", errors.New("boom"), time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.engineCalls.WithLabelValues("connect", "error")))

	p.EngineDied()
	assert.Equal(t, 1.0, testutil.ToFloat64(p.engineDeaths))
}

type fakeEngine struct{ up bool }

func (f *fakeEngine) Available() bool { return f.up }

func TestHealthChecker(t *testing.T) {
	h := NewHealthChecker()
	engine := &fakeEngine{up: true}
	h.AddEngineCheck(engine, 0)
	h.AddCheck("slow", func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	}, 0, 10*time.Millisecond)

	status := h.CheckAll(context.Background())
	assert.Equal(t, StatusUnhealthy, status.Status)
	assert.Equal(t, StatusHealthy, status.Checks["media_engine"])
	assert.Contains(t, status.Checks["slow"], "deadline")

	engine.up = false
	assert.False(t, h.IsReady(context.Background()))
	assert.Equal(t, errEngineUnavailable.Error(), h.LastResults()["media_engine"])
}
