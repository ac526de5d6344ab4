package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Record(t *testing.T) {
	m, err := New()
	require.NoError(t, err)

	m.Challenge("google", "ok")
	m.Challenge("google", "ok")
	m.Callback("google", "invalid_state")
	m.Grant("linked_user_found")
	m.ProviderCall("google", "token", errors.New("boom"), 10*time.Millisecond)
	m.HTTPRequest("GET", "/healthz", 200, time.Millisecond)
	m.Purged(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.challenges.WithLabelValues("google", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.callbacks.WithLabelValues("google", "invalid_state")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.purged))
	assert.Equal(t, 1, testutil.CollectAndCount(m.providerCalls))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "extauth_grants_total"))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.Challenge("x", "ok")
		m.Callback("x", "ok")
		m.Grant("denied")
		m.ProviderCall("x", "token", nil, 0)
		m.HTTPRequest("GET", "/", 200, 0)
		m.Purged(1)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 404, rec.Code)
}
