// Package peer is the HTTP client for the downstream inference service.
// Every call carries a signed single-use token and a correlation id; the
// dispatch path sits behind a circuit breaker so a struggling peer sheds
// load instead of stacking timeouts.
package peer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/arrakis/backend/internal/apperr"
	"github.com/arrakis/backend/internal/circuitbreaker"
)

// CorrelationHeader propagates the request correlation id to the peer.
const CorrelationHeader = "X-Correlation-Id"

// InvokeRequest is the dispatch payload.
type InvokeRequest struct {
	Model     string          `json:"model"`
	Prompt    string          `json:"prompt"`
	Options   json.RawMessage `json:"options,omitempty"`
	RequestID string          `json:"request_id"`
	BestOfN   int             `json:"best_of_n,omitempty"`
}

// InvokeResponse is the non-streaming result. UsageReport is a compact JWS
// signed by the peer; the gateway never trusts its contents unverified.
type InvokeResponse struct {
	Content     string `json:"content"`
	UsageReport string `json:"usage_report"`
}

// Client talks to one peer instance.
type Client struct {
	baseURL string
	http    *http.Client
	breaker *circuitbreaker.Breaker
	log     zerolog.Logger
}

// New builds a client. timeout bounds the non-streaming invoke call;
// streaming responses are bounded by the caller's context instead.
func New(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker, log zerolog.Logger) *Client {
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		log:     log.With().Str("component", "peer").Logger(),
	}
}

// Invoke runs a blocking completion on the peer.
func (c *Client) Invoke(ctx context.Context, token, correlationID string, req *InvokeRequest) (*InvokeResponse, error) {
	done, err := c.breaker.Allow()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindPeerUnavailable, "peer circuit open")
	}

	resp, err := c.post(ctx, "/v1/invoke", token, correlationID, req, "")
	if err != nil {
		done(false)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		done(resp.StatusCode < 500)
		return nil, statusError(resp.StatusCode)
	}

	var out InvokeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 16<<20)).Decode(&out); err != nil {
		done(false)
		return nil, apperr.Wrap(err, apperr.KindPeerUnavailable, "malformed peer response")
	}
	done(true)
	return &out, nil
}

// Event is one SSE frame from the peer stream.
type Event struct {
	Type string
	Data []byte
}

// Stream is an open SSE response. Callers must Close it.
type Stream struct {
	body io.ReadCloser
	r    *bufio.Reader
	done func(success bool)
	once bool
}

// OpenStream starts a streaming completion. The returned stream is read
// with Next until io.EOF or a done event.
func (c *Client) OpenStream(ctx context.Context, token, correlationID string, req *InvokeRequest) (*Stream, error) {
	done, err := c.breaker.Allow()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindPeerUnavailable, "peer circuit open")
	}

	resp, err := c.post(ctx, "/v1/stream", token, correlationID, req, "text/event-stream")
	if err != nil {
		done(false)
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		done(resp.StatusCode < 500)
		return nil, statusError(resp.StatusCode)
	}
	return &Stream{
		body: resp.Body,
		r:    bufio.NewReader(resp.Body),
		done: done,
	}, nil
}

// Next reads the next event. io.EOF means the peer closed the stream.
func (s *Stream) Next() (*Event, error) {
	ev := &Event{}
	var data bytes.Buffer
	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			if err == io.EOF && ev.Type != "" {
				ev.Data = bytes.TrimSuffix(data.Bytes(), []byte("\n"))
				return ev, nil
			}
			return nil, err
		}
		line = strings.TrimRight(line, "\r\n")
		switch {
		case line == "":
			if ev.Type == "" && data.Len() == 0 {
				continue // keep-alive
			}
			ev.Data = bytes.TrimSuffix(data.Bytes(), []byte("\n"))
			return ev, nil
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			data.WriteByte('\n')
		case strings.HasPrefix(line, ":"):
			// comment, ignore
		}
	}
}

// Close releases the connection. success marks the breaker outcome: a
// stream that reached its done event counts as a success even though the
// transport is closed here.
func (s *Stream) Close(success bool) error {
	if !s.once {
		s.once = true
		s.done(success)
	}
	return s.body.Close()
}

func (c *Client) post(ctx context.Context, path, token, correlationID string, payload interface{}, accept string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "encode peer request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "build peer request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(CorrelationHeader, correlationID)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, apperr.Wrap(err, apperr.KindTimeout, "peer call timed out")
		}
		if errors.Is(err, context.Canceled) {
			return nil, apperr.Wrap(err, apperr.KindTimeout, "peer call canceled")
		}
		return nil, apperr.Wrap(err, apperr.KindPeerUnavailable, "peer unreachable")
	}
	return resp, nil
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

func statusError(code int) error {
	if code == http.StatusTooManyRequests {
		return apperr.New(apperr.KindPeerUnavailable, "peer shedding load")
	}
	if code >= 500 {
		return apperr.New(apperr.KindPeerUnavailable, "peer returned %d", code)
	}
	return apperr.New(apperr.KindPeerUnavailable, "unexpected peer status %d", code)
}
