// Package identity resolves user IDs against the external user service.
// The marketplace only stores numeric user IDs; usernames and wallet
// addresses live in the user service and are fetched on demand.
//
// Lookups are best-effort for display purposes: listing handlers degrade
// gracefully when the user service is down. Settlement, however, needs a
// wallet address and fails loudly without one.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/paychain/internal/circuitbreaker"
	"github.com/mbd888/paychain/internal/retry"
)

var (
	// ErrUnavailable means the user service could not be reached (or the
	// circuit is open). Callers that only want display names should treat
	// this as "no enrichment", not as a request failure.
	ErrUnavailable = errors.New("user service unavailable")

	// ErrUnknownUser means the user service answered but has no such user.
	ErrUnknownUser = errors.New("unknown user")
)

// User is the subset of the user-service record the marketplace needs.
type User struct {
	ID         int64  `json:"id"`
	Username   string `json:"username"`
	WalletAddr string `json:"walletAddress"`
}

const breakerKey = "user-service"

// Client is an HTTP client for the user service with a circuit breaker,
// bounded retries, and a short positive-result cache. Safe for concurrent
// use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *circuitbreaker.Breaker

	mu    sync.RWMutex
	cache map[int64]cachedUser
	ttl   time.Duration
}

type cachedUser struct {
	user    User
	expires time.Time
}

// NewClient creates a user-service client. baseURL is the service root,
// e.g. "http://users:8001". apiKey may be empty for unauthenticated
// deployments.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Second},
		breaker: circuitbreaker.New(5, 30*time.Second),
		cache:   make(map[int64]cachedUser),
		ttl:     30 * time.Second,
	}
}

// Resolve fetches the user record for id. Results are cached briefly so
// that listing pages don't hammer the user service with one call per row.
func (c *Client) Resolve(ctx context.Context, id int64) (User, error) {
	c.mu.RLock()
	if entry, ok := c.cache[id]; ok && time.Now().Before(entry.expires) {
		c.mu.RUnlock()
		return entry.user, nil
	}
	c.mu.RUnlock()

	if !c.breaker.Allow(breakerKey) {
		return User{}, ErrUnavailable
	}

	var user User
	err := retry.Do(ctx, 2, 200*time.Millisecond, func() error {
		return c.fetch(ctx, id, &user)
	})
	if err != nil {
		if errors.Is(err, ErrUnknownUser) {
			// The service is healthy, it just doesn't know this user.
			c.breaker.RecordSuccess(breakerKey)
			return User{}, err
		}
		c.breaker.RecordFailure(breakerKey)
		return User{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.breaker.RecordSuccess(breakerKey)

	c.mu.Lock()
	c.cache[id] = cachedUser{user: user, expires: time.Now().Add(c.ttl)}
	c.mu.Unlock()
	return user, nil
}

// Username returns the display name for id, or "" when the user service
// is unavailable or the user is unknown. Never returns an error.
func (c *Client) Username(ctx context.Context, id int64) string {
	user, err := c.Resolve(ctx, id)
	if err != nil {
		return ""
	}
	return user.Username
}

func (c *Client) fetch(ctx context.Context, id int64, out *User) error {
	url := fmt.Sprintf("%s/api/users/%d", c.baseURL, id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return retry.Permanent(ErrUnknownUser)
	case resp.StatusCode >= 500:
		return fmt.Errorf("user service returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return retry.Permanent(fmt.Errorf("user service returned %d", resp.StatusCode))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return retry.Permanent(fmt.Errorf("decode user %d: %w", id, err))
	}
	return nil
}
