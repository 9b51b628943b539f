package queue

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/SAFEHR-data/PIXL-sub000/go/ratelimit"
)

func TestControlRouter_RefreshesRate(t *testing.T) {
	limiter := ratelimit.NewLimiter(0, 1)
	router := ControlRouter(limiter)

	body, err := json.Marshal(refreshRequest{Queue: TopicImagingPrimary, Key: ratelimit.Primary, Rate: 5, Capacity: 5})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/token-bucket-refresh-rate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 204, rec.Code)
	require.True(t, limiter.TryAcquire(TopicImagingPrimary, ratelimit.Primary))
}

func TestControlRouter_RejectsMissingKey(t *testing.T) {
	limiter := ratelimit.NewLimiter(0, 1)
	router := ControlRouter(limiter)

	body, err := json.Marshal(refreshRequest{Queue: TopicImagingPrimary, Rate: 5, Capacity: 5})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/token-bucket-refresh-rate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}

func TestControlRouter_RejectsNegativeRate(t *testing.T) {
	limiter := ratelimit.NewLimiter(0, 1)
	router := ControlRouter(limiter)

	body, err := json.Marshal(refreshRequest{Queue: TopicImagingPrimary, Key: ratelimit.Primary, Rate: -1})
	require.NoError(t, err)

	req := httptest.NewRequest("POST", "/token-bucket-refresh-rate", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, 400, rec.Code)
}
