package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, err := New("test", reg)
	require.NoError(t, err)

	r.WebhookEvent("invoice.paid", "processed")
	r.WebhookEvent("invoice.paid", "duplicate")
	r.WebhookEvent("invoice.paid", "duplicate")
	r.Reservation("credit", "reserved")
	r.Job("failed")
	r.Swept(3)
	r.Swept(0)
	r.Generation(time.Second, errors.New("x"))

	assert.Equal(t, 2.0, testutil.ToFloat64(r.webhookEvents.WithLabelValues("invoice.paid", "duplicate")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.reservations.WithLabelValues("credit", "reserved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.jobs.WithLabelValues("failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.swept))
	assert.Equal(t, 1, testutil.CollectAndCount(r.generation))
}

func TestRecorderReusesRegisteredCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	a, err := New("test", reg)
	require.NoError(t, err)
	b, err := New("test", reg)
	require.NoError(t, err)

	a.Job("submitted")
	b.Job("submitted")
	assert.Equal(t, 2.0, testutil.ToFloat64(a.jobs.WithLabelValues("submitted")))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	assert.NotPanics(t, func() {
		r.WebhookEvent("x", "y")
		r.Reservation("credit", "denied")
		r.Job("submitted")
		r.Swept(1)
		r.Generation(time.Second, nil)
	})
}
