package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("correct horse battery staple")
	require.NoError(t, err)

	parts := strings.Split(hash, "$")
	require.Len(t, parts, 4)
	assert.Equal(t, "pbkdf2_sha256", parts[0])
	assert.Equal(t, "200000", parts[1])
	assert.Len(t, parts[2], 32, "16-byte salt hex-encoded")

	assert.True(t, VerifyPassword("correct horse battery staple", hash))
	assert.False(t, VerifyPassword("wrong", hash))
	assert.False(t, VerifyPassword("", hash))
	assert.False(t, VerifyPassword("anything", ""))
	assert.False(t, VerifyPassword("anything", "md5$1$x$y"))
	assert.False(t, VerifyPassword("anything", "not-a-hash"))
}

func TestHashPasswordRejectsEmpty(t *testing.T) {
	_, err := HashPassword("")
	require.Error(t, err)
}

func TestHashPasswordSaltsDiffer(t *testing.T) {
	first, err := HashPassword("pw")
	require.NoError(t, err)
	second, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
	assert.True(t, VerifyPassword("pw", first))
	assert.True(t, VerifyPassword("pw", second))
}

func TestMetricsWindow(t *testing.T) {
	metrics := NewMetrics(3)
	metrics.Record("api./api/status", true, 10*time.Millisecond)
	metrics.Record("api./api/status", false, 30*time.Millisecond)
	metrics.Record("api./api/status", true, 20*time.Millisecond)

	snapshot := metrics.Snapshot()
	entry := snapshot["api./api/status"]
	require.NotNil(t, entry)
	assert.Equal(t, 3, entry["count"])
	assert.Equal(t, 1, entry["errors"])
	assert.Equal(t, int64(20), entry["avg_ms"])

	// The window is bounded: a fourth sample evicts the oldest.
	metrics.Record("api./api/status", true, 40*time.Millisecond)
	entry = metrics.Snapshot()["api./api/status"]
	assert.Equal(t, 3, entry["count"])
	assert.Equal(t, int64(30), entry["avg_ms"])
}

func TestMetricsAlertThrottle(t *testing.T) {
	metrics := NewMetrics(10)
	thresholds := AlertThresholds{ErrorRate: 0.2, AvgMs: 2000, MinInterval: time.Minute}

	// Fewer than five samples never alerts.
	for i := 0; i < 4; i++ {
		metrics.Record("api./x", false, time.Millisecond)
	}
	assert.False(t, metrics.ShouldAlert("api./x", thresholds))

	metrics.Record("api./x", false, time.Millisecond)
	assert.True(t, metrics.ShouldAlert("api./x", thresholds))
	// Throttled inside the interval.
	assert.False(t, metrics.ShouldAlert("api./x", thresholds))

	// A healthy metric stays quiet.
	for i := 0; i < 10; i++ {
		metrics.Record("api./y", true, time.Millisecond)
	}
	assert.False(t, metrics.ShouldAlert("api./y", thresholds))
}

func TestClientIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/api/status", nil)
	r.RemoteAddr = "10.1.2.3:5421"
	assert.Equal(t, "10.1.2.3", clientIP(r))

	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	assert.Equal(t, "203.0.113.9", clientIP(r))
}

func TestBearerOrHeader(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Equal(t, "", bearerOrHeader(r, "X-API-Key"))

	r.Header.Set("X-API-Key", " secret ")
	assert.Equal(t, "secret", bearerOrHeader(r, "X-API-Key"))

	r.Header.Set("Authorization", "Bearer token-wins")
	assert.Equal(t, "token-wins", bearerOrHeader(r, "X-API-Key"))
}
