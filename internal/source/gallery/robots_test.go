package gallery

import (
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestRobotsTransportFallsBackAfterTimeouts(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	base := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, timeoutErr{}
	})
	var fellBack string
	rt := newRobotsTransport(base, func(host, _ string) { fellBack = host })
	rt.backoff = []time.Duration{time.Millisecond, time.Millisecond}

	req, err := http.NewRequest(http.MethodGet, "https://county.example/robots.txt", nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, allowAllRobots, string(body))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "county.example", fellBack)
}

func TestRobotsTransportPassesOtherErrors(t *testing.T) {
	t.Parallel()

	base := roundTripFunc(func(*http.Request) (*http.Response, error) {
		return nil, errors.New("connection refused")
	})
	rt := newRobotsTransport(base, nil)

	req, err := http.NewRequest(http.MethodGet, "https://county.example/robots.txt", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestRobotsTransportIgnoresPages(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	base := roundTripFunc(func(*http.Request) (*http.Response, error) {
		calls.Add(1)
		return nil, timeoutErr{}
	})
	rt := newRobotsTransport(base, nil)

	req, err := http.NewRequest(http.MethodGet, "https://county.example/parcel", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(req) //nolint:bodyclose // error path
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "no retries for page requests")
}
