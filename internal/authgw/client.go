package authgw

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/chatwire/chatwire/internal/observability"
)

type Config struct {
	BaseURL          string
	Timeout          time.Duration // per HTTP attempt
	Retries          int           // additional attempts after the first
	BreakerThreshold uint32        // consecutive failures before the breaker opens
	BreakerCooldown  time.Duration // open duration before half-open probing
}

// Client talks to the external identity service. Every call goes through a
// circuit breaker; when it is open the documented fallback value is returned
// in-process with no network wait. Fallback policy: ValidateToken fails
// closed (deny), IsUserOnline fails open with "assume offline" since the
// result is advisory and never blocks an operation.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Client {
	settings := gobreaker.Settings{
		Name:        "auth-gateway",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("auth gateway breaker state change",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
			if to == gobreaker.StateOpen {
				observability.AuthGatewayState.Set(1)
			} else {
				observability.AuthGatewayState.Set(0)
			}
		},
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(settings),
		log:     log,
	}
}

// IsUserOnline asks the identity service whether the user has an active
// session there. Degraded mode assumes offline.
func (c *Client) IsUserOnline(ctx context.Context, userID string) bool {
	v, err := c.breaker.Execute(func() (any, error) {
		return c.getOnline(ctx, userID)
	})
	if err != nil {
		c.log.Warn("auth gateway degraded, assuming offline",
			zap.String("user_id", userID),
			zap.Error(err))
		return false
	}
	return v.(bool)
}

// ValidateToken verifies a credential with the identity service.
// Degraded mode denies: authorization-affecting checks fail closed.
func (c *Client) ValidateToken(ctx context.Context, token string) bool {
	v, err := c.breaker.Execute(func() (any, error) {
		return c.postValidate(ctx, token)
	})
	if err != nil {
		c.log.Warn("auth gateway degraded, denying token", zap.Error(err))
		return false
	}
	return v.(bool)
}

func (c *Client) getOnline(ctx context.Context, userID string) (bool, error) {
	var out struct {
		Online bool `json:"online"`
	}
	err := c.doWithRetry(ctx, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/users/"+userID+"/online", nil)
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Online, nil
}

func (c *Client) postValidate(ctx context.Context, token string) (bool, error) {
	body, _ := json.Marshal(map[string]string{"token": token})
	var out struct {
		Valid bool `json:"valid"`
	}
	err := c.doWithRetry(ctx, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/tokens/validate", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}, &out)
	if err != nil {
		return false, err
	}
	return out.Valid, nil
}

// doWithRetry retries transport errors and 5xx responses; 4xx responses are
// definitive answers, not faults.
func (c *Client) doWithRetry(ctx context.Context, build func() (*http.Request, error), out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.Retries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * 100 * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		req, err := build()
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode >= 500 {
			resp.Body.Close()
			lastErr = fmt.Errorf("auth gateway returned %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			resp.Body.Close()
			// A definitive no from the service; out keeps its zero values.
			return nil
		}

		err = json.NewDecoder(resp.Body).Decode(out)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("decode auth gateway response: %w", err)
		}
		return nil
	}
	return lastErr
}
