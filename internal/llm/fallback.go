package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FallbackProvider attempts a primary provider first and falls back on error.
// Cancellation and deadline errors are returned as-is; falling back would
// only prolong an abandoned turn.
type FallbackProvider struct {
	primary  Provider
	fallback Provider

	// FirstDeltaTimeout, when positive, abandons the primary if it has not
	// produced a non-blank delta in time.
	FirstDeltaTimeout time.Duration
}

func NewFallbackProvider(primary, fallback Provider) *FallbackProvider {
	return &FallbackProvider{primary: primary, fallback: fallback}
}

func (p *FallbackProvider) Primary() Provider {
	if p == nil {
		return nil
	}
	return p.primary
}

func (p *FallbackProvider) Secondary() Provider {
	if p == nil {
		return nil
	}
	return p.fallback
}

func (p *FallbackProvider) StreamChat(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, error) {
	if p == nil || p.primary == nil {
		if p != nil && p.fallback != nil {
			return p.fallback.StreamChat(ctx, req, onDelta)
		}
		return ChatResponse{}, errors.New("fallback provider misconfigured")
	}

	var (
		resp     ChatResponse
		err      error
		timedOut bool
	)
	if p.FirstDeltaTimeout <= 0 || p.fallback == nil {
		resp, err = p.primary.StreamChat(ctx, req, onDelta)
	} else {
		resp, timedOut, err = p.primaryWithDeadline(ctx, req, onDelta)
	}

	if err == nil && !timedOut {
		return resp, nil
	}
	if !timedOut && isContextErr(err) {
		return resp, err
	}
	if p.fallback == nil {
		return resp, err
	}

	fallbackResp, fallbackErr := p.fallback.StreamChat(ctx, req, onDelta)
	if fallbackErr != nil {
		if timedOut {
			return ChatResponse{}, fmt.Errorf("primary provider silent for %s; fallback provider error: %w", p.FirstDeltaTimeout, fallbackErr)
		}
		return ChatResponse{}, fmt.Errorf("primary provider error: %w; fallback provider error: %v", err, fallbackErr)
	}
	return fallbackResp, nil
}

// primaryWithDeadline holds back the primary's deltas until the first
// non-blank one. Once the deadline passes without it, nothing from the primary
// reaches onDelta, so the caller only ever sees one provider's stream.
func (p *FallbackProvider) primaryWithDeadline(ctx context.Context, req ChatRequest, onDelta DeltaHandler) (ChatResponse, bool, error) {
	type result struct {
		resp ChatResponse
		err  error
	}

	primaryCtx, cancelPrimary := context.WithCancel(ctx)
	defer cancelPrimary()

	var (
		mu        sync.Mutex
		committed bool
		abandoned bool
		pending   []string
	)
	firstDelta := make(chan struct{})
	done := make(chan result, 1)

	go func() {
		resp, err := p.primary.StreamChat(primaryCtx, req, func(delta string) error {
			mu.Lock()
			defer mu.Unlock()
			if abandoned {
				return context.Canceled
			}
			if !committed {
				if strings.TrimSpace(delta) == "" {
					pending = append(pending, delta)
					return nil
				}
				committed = true
				close(firstDelta)
				if onDelta != nil {
					for _, d := range pending {
						if err := onDelta(d); err != nil {
							return err
						}
					}
				}
				pending = nil
			}
			if onDelta == nil {
				return nil
			}
			return onDelta(delta)
		})
		done <- result{resp: resp, err: err}
	}()

	timer := time.NewTimer(p.FirstDeltaTimeout)
	defer timer.Stop()
	select {
	case r := <-done:
		if r.err == nil && onDelta != nil {
			for _, d := range pending {
				if err := onDelta(d); err != nil {
					return r.resp, false, err
				}
			}
		}
		return r.resp, false, r.err
	case <-firstDelta:
		r := <-done
		return r.resp, false, r.err
	case <-timer.C:
		mu.Lock()
		if committed {
			mu.Unlock()
			r := <-done
			return r.resp, false, r.err
		}
		abandoned = true
		mu.Unlock()
		cancelPrimary()
		return ChatResponse{}, true, context.DeadlineExceeded
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
