package httpclient

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trackedBody records whether a response body was read to EOF and closed.
type trackedBody struct {
	reader  *strings.Reader
	drained bool
	closed  bool
}

func (b *trackedBody) Read(p []byte) (int, error) {
	n, err := b.reader.Read(p)
	if err == io.EOF {
		b.drained = true
	}
	return n, err
}

func (b *trackedBody) Close() error {
	b.closed = true
	return nil
}

// scriptedTransport serves a fixed sequence of responses.
type scriptedTransport struct {
	mu        sync.Mutex
	responses []*http.Response
}

func (tr *scriptedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	resp := tr.responses[0]
	tr.responses = tr.responses[1:]
	return resp, nil
}

func TestDoDrainsBodyBetweenRetries(t *testing.T) {
	first := &trackedBody{reader: strings.NewReader("slow down")}
	second := &trackedBody{reader: strings.NewReader("slow down")}
	final := &trackedBody{reader: strings.NewReader("ok")}
	tr := &scriptedTransport{responses: []*http.Response{
		{StatusCode: http.StatusTooManyRequests, Header: http.Header{}, Body: first},
		{StatusCode: http.StatusTooManyRequests, Header: http.Header{}, Body: second},
		{StatusCode: http.StatusOK, Header: http.Header{}, Body: final},
	}}

	c := New(
		WithHTTPClient(&http.Client{Transport: tr}),
		WithMaxRetries(3),
		WithHeaderParser(func(http.Header) RateLimitInfo {
			return RateLimitInfo{RetryAfter: time.Millisecond}
		}),
	)

	req, err := http.NewRequest(http.MethodGet, "http://upstream.test/v1", nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Retried responses release their connections; the returned one is
	// the caller's to close.
	for i, body := range []*trackedBody{first, second} {
		assert.True(t, body.drained, "retried response %d not drained", i+1)
		assert.True(t, body.closed, "retried response %d not closed", i+1)
	}
	assert.True(t, final.closed)
}

func TestDoReturnsLastResponseWhenRetriesExhausted(t *testing.T) {
	bodies := []*trackedBody{
		{reader: strings.NewReader("down")},
		{reader: strings.NewReader("down")},
	}
	tr := &scriptedTransport{responses: []*http.Response{
		{StatusCode: http.StatusTooManyRequests, Header: http.Header{}, Body: bodies[0]},
		{StatusCode: http.StatusTooManyRequests, Header: http.Header{}, Body: bodies[1]},
	}}

	c := New(
		WithHTTPClient(&http.Client{Transport: tr}),
		WithMaxRetries(1),
		WithHeaderParser(func(http.Header) RateLimitInfo {
			return RateLimitInfo{RetryAfter: time.Millisecond}
		}),
	)

	req, err := http.NewRequest(http.MethodGet, "http://upstream.test/v1", nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	var retryErr *RetryableError
	require.ErrorAs(t, err, &retryErr)
	assert.Equal(t, http.StatusTooManyRequests, retryErr.StatusCode)
	require.NotNil(t, resp)
	resp.Body.Close()

	// Only the intermediate response is released here.
	assert.True(t, bodies[0].drained)
	assert.True(t, bodies[0].closed)
	assert.True(t, bodies[1].closed)
}
