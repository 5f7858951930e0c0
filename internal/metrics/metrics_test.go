// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New("caroni_test")

	m.MessageReceived("job_queued", 3*time.Millisecond)
	m.MessageReceived("job_queued", time.Millisecond)
	m.MessagePublished("job_status_request")
	m.MessageDropped("decode")
	m.Transition("step", "fulfill")
	m.Offer("accepted")
	m.Offer("rejected")
	m.Offer("rejected")
	m.Delivery("buffered")
	m.WorkflowCreated()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesReceived.WithLabelValues("job_queued")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesPublished.WithLabelValues("job_status_request")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesDropped.WithLabelValues("decode")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("step", "fulfill")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.offers.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("buffered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workflowsCreated))
	assert.Equal(t, 1, testutil.CollectAndCount(m.handlerDuration))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.MessageReceived("x", time.Second)
		m.MessagePublished("x")
		m.MessageDropped("x")
		m.Transition("a", "b")
		m.Offer("accepted")
		m.Delivery("pushed")
		m.WorkflowCreated()
	})
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New("caroni_test")
	m.WorkflowCreated()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "caroni_test_workflows_created_total 1")
}
