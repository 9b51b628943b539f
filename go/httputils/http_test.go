package httputils

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestResponse2xxOnly_RejectsOutsideSuccessRange(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, _ := strconv.Atoi(r.URL.Query().Get("code"))
		w.WriteHeader(code)
	}))
	defer s.Close()

	c := Response2xxOnly(s.Client())

	test := func(code int, expectError bool) {
		resp, err := c.Get(s.URL + "/get?code=" + strconv.Itoa(code))
		if expectError {
			require.Error(t, err)
		} else {
			require.NoError(t, err)
			require.Equal(t, code, resp.StatusCode)
			ReadAndClose(resp.Body)
		}
	}
	test(http.StatusOK, false)
	test(http.StatusSwitchingProtocols, true)
	test(http.StatusNotModified, true)
	test(http.StatusNotFound, true)
	test(http.StatusServiceUnavailable, true)
}

type mockRoundTripper struct {
	codes []int
}

func (m *mockRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	code := m.codes[0]
	if len(m.codes) > 1 {
		m.codes = m.codes[1:]
	}
	w := httptest.NewRecorder()
	w.WriteHeader(code)
	return w.Result(), nil
}

func TestBackOffTransport_RetriesServerErrorsUntilSuccess(t *testing.T) {
	config := &BackOffConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         20 * time.Millisecond,
		MaxElapsedTime:      500 * time.Millisecond,
		RandomizationFactor: 0.1,
		BackOffMultiplier:   1.5,
	}
	wrapped := &mockRoundTripper{codes: []int{http.StatusServiceUnavailable, http.StatusInternalServerError, http.StatusOK}}
	bt := NewConfiguredBackOffTransport(config, wrapped)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/foo", nil)
	require.NoError(t, err)
	resp, err := bt.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestBackOffTransport_GivesUpAfterMaxElapsedTime(t *testing.T) {
	config := &BackOffConfig{
		InitialInterval:     5 * time.Millisecond,
		MaxInterval:         10 * time.Millisecond,
		MaxElapsedTime:      30 * time.Millisecond,
		RandomizationFactor: 0.1,
		BackOffMultiplier:   1.5,
	}
	wrapped := &mockRoundTripper{codes: []int{http.StatusInternalServerError}}
	bt := NewConfiguredBackOffTransport(config, wrapped)

	req, err := http.NewRequest(http.MethodGet, "http://example.com/foo", nil)
	require.NoError(t, err)
	resp, err := bt.RoundTrip(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
