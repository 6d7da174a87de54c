package dispatch

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/harbor_relay/internal/endpoint"
)

// MaxResponseBody caps how much of a response body is read and recorded.
const MaxResponseBody = 10 * 1024

// Request is one outbound call. GET requests arrive with the payload already
// folded into URL and an empty Body.
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    string
}

// Response is what came back from a call that reached the server.
type Response struct {
	StatusCode int
	Body       string
	Duration   time.Duration
}

// Sender performs outbound calls. Network failures are reported as
// *TransportError; any HTTP response, whatever its status, is not an error.
type Sender interface {
	Send(ctx context.Context, req Request) (Response, error)
}

// HTTPSender is the net/http Sender.
type HTTPSender struct {
	client *http.Client
}

// NewHTTPSender builds a sender with the given per-call timeout. With
// blockPrivate set, connections to private and reserved addresses are
// refused after DNS resolution.
func NewHTTPSender(timeout time.Duration, blockPrivate bool) *HTTPSender {
	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	if blockPrivate {
		transport.DialContext = endpoint.SafeDialContext(dialer)
		transport.Proxy = nil
	}
	return &HTTPSender{
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
			// Redirects could lead past the endpoint validation.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

func (s *HTTPSender) Send(ctx context.Context, r Request) (Response, error) {
	var body io.Reader
	if r.Body != "" && r.Method != http.MethodGet {
		body = strings.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, r.URL, body)
	if err != nil {
		return Response{}, &TransportError{Err: err}
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return Response{Duration: time.Since(start)}, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBody))
	out := Response{StatusCode: resp.StatusCode, Body: string(b), Duration: time.Since(start)}
	if err != nil {
		return out, &TransportError{Err: err}
	}
	// Drain a little more so the connection can be reused.
	_, _ = io.CopyN(io.Discard, resp.Body, 64*1024)
	return out, nil
}
