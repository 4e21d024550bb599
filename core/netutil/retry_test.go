package netutil

import (
	"bytes"
	"errors"
	"io"
	"net"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTripper struct {
	calls int
	errs  []error
}

func (f *fakeTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	f.calls++
	if f.calls <= len(f.errs) && f.errs[f.calls-1] != nil {
		return nil, f.errs[f.calls-1]
	}
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(bytes.NewReader(nil))}, nil
}

func dialErr() error {
	return &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}
}

func TestShouldRetry(t *testing.T) {
	assert.False(t, ShouldRetry(nil))
	assert.False(t, ShouldRetry(errors.New("parse failure")))
	assert.True(t, ShouldRetry(dialErr()))
}

func TestRetryTransportRetriesTransient(t *testing.T) {
	ft := &fakeTripper{errs: []error{dialErr(), dialErr()}}
	rt := &RetryTransport{Base: ft, MaxRetries: 2}

	req, err := http.NewRequest(http.MethodGet, "http://example.test/", nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 3, ft.calls)
}

func TestRetryTransportGivesUpOnPermanentErrors(t *testing.T) {
	permanent := errors.New("x509: certificate signed by unknown authority")
	ft := &fakeTripper{errs: []error{permanent}}
	rt := &RetryTransport{Base: ft, MaxRetries: 3}

	req, err := http.NewRequest(http.MethodGet, "http://example.test/", nil)
	require.NoError(t, err)
	_, err = rt.RoundTrip(req)
	require.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, ft.calls)
}

func TestRetryTransportSkipsNonReplayableBody(t *testing.T) {
	ft := &fakeTripper{errs: []error{dialErr(), dialErr()}}
	rt := &RetryTransport{Base: ft, MaxRetries: 2}

	req, err := http.NewRequest(http.MethodPost, "http://example.test/", nil)
	require.NoError(t, err)
	req.Body = io.NopCloser(bytes.NewReader([]byte("payload")))
	req.GetBody = nil

	_, err = rt.RoundTrip(req)
	require.Error(t, err)
	assert.Equal(t, 1, ft.calls)
}
