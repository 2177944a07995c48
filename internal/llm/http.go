package llm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/parley/internal/reliability"
	"github.com/goccy/go-json"
)

// StatusError is a non-2xx reply from the upstream endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("llm http status %d: %s", e.Code, e.Body)
}

func (e *StatusError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.Code) }

// HTTPOptions configures the HTTP provider. Timeout bounds connecting and
// waiting for response headers; a streamed body may run as long as the
// request context allows.
type HTTPOptions struct {
	Retries     int
	Timeout     time.Duration
	BackoffBase time.Duration
	BackoffCap  time.Duration
}

// HTTPProvider posts ChatRequest JSON to an endpoint that replies with SSE,
// NDJSON or a single JSON/text body.
type HTTPProvider struct {
	url         string
	client      *http.Client
	retries     int
	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewHTTPProvider(url string, opts HTTPOptions) *HTTPProvider {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	if opts.BackoffBase <= 0 {
		opts.BackoffBase = 200 * time.Millisecond
	}
	if opts.BackoffCap <= 0 {
		opts.BackoffCap = 2 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	return &HTTPProvider{
		url:         strings.TrimSpace(url),
		client:      &http.Client{Transport: headerTimeoutTransport(opts.Timeout)},
		retries:     opts.Retries,
		backoffBase: opts.BackoffBase,
		backoffCap:  opts.BackoffCap,
	}
}

func headerTimeoutTransport(timeout time.Duration) *http.Transport {
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: 30 * time.Second}).DialContext
	t.TLSHandshakeTimeout = timeout
	t.ResponseHeaderTimeout = timeout
	return t
}

func (p *HTTPProvider) StreamChat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, p.backoffBase, p.backoffCap)
			select {
			case <-ctx.Done():
				return ChatResponse{}, ctx.Err()
			case <-time.After(wait):
			}
		}
		resp, err := p.attempt(ctx, payload, onDelta)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		// Only status errors happen before any delta was emitted, so only
		// those are safe to retry.
		var se *StatusError
		if !errors.As(err, &se) || !se.Retryable() {
			return resp, err
		}
	}
	return ChatResponse{}, lastErr
}

func (p *HTTPProvider) attempt(ctx context.Context, payload []byte, onDelta DeltaHandler) (ChatResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return ChatResponse{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream, application/x-ndjson, application/json")

	res, err := p.client.Do(httpReq)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return ChatResponse{}, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeStreaming(res.Body, onDelta)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return ChatResponse{}, fmt.Errorf("read response: %w", err)
	}

	text := strings.TrimSpace(string(body))
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil {
		text = extractText(obj)
	}
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return ChatResponse{}, err
		}
	}
	return ChatResponse{Text: text}, nil
}

// consumeStreaming reads SSE "data:" lines or NDJSON lines. Comments, event
// names and the [DONE] sentinel are skipped.
func consumeStreaming(body io.Reader, onDelta DeltaHandler) (ChatResponse, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") || strings.HasPrefix(line, "event:") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractText(obj)
		}
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			if err := onDelta(delta); err != nil {
				return ChatResponse{Text: out.String()}, err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return ChatResponse{Text: out.String()}, fmt.Errorf("stream read: %w", err)
	}
	return ChatResponse{Text: out.String()}, nil
}

func extractText(obj map[string]any) string {
	for _, k := range []string{"delta", "text", "output", "message"} {
		if v, ok := obj[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
