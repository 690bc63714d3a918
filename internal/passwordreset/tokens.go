package passwordreset

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Grant is what a reset token entitles its bearer to.
type Grant struct {
	UserID    int64     `json:"user_id"`
	OTPID     string    `json:"otp_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenStore holds single-use reset tokens. Take removes the token; a second
// Take of the same token fails with ErrInvalidToken.
type TokenStore interface {
	Issue(ctx context.Context, token string, g Grant, ttl time.Duration) error
	Take(ctx context.Context, token string) (Grant, error)
}

// MemoryTokens keeps tokens in process memory.
type MemoryTokens struct {
	mu     sync.Mutex
	grants map[string]Grant
	now    func() time.Time
}

// NewMemoryTokens creates an empty store.
func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{grants: make(map[string]Grant), now: time.Now}
}

func (m *MemoryTokens) Issue(_ context.Context, token string, g Grant, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp := m.now().Add(ttl); g.ExpiresAt.IsZero() || exp.Before(g.ExpiresAt) {
		g.ExpiresAt = exp
	}
	m.grants[token] = g
	return nil
}

func (m *MemoryTokens) Take(_ context.Context, token string) (Grant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grants[token]
	if !ok {
		return Grant{}, ErrInvalidToken
	}
	delete(m.grants, token)
	if !m.now().Before(g.ExpiresAt) {
		return Grant{}, ErrInvalidToken
	}
	return g, nil
}

// Purge drops expired tokens and returns how many were removed.
func (m *MemoryTokens) Purge() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for tok, g := range m.grants {
		if !now.Before(g.ExpiresAt) {
			delete(m.grants, tok)
			n++
		}
	}
	return n
}

// Len returns the number of stored tokens.
func (m *MemoryTokens) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.grants)
}

// RedisTokens keeps tokens in Redis so any API instance can redeem them.
type RedisTokens struct {
	client *redis.Client
	prefix string
}

// NewRedisTokens creates a store using keys under prefix.
func NewRedisTokens(client *redis.Client, prefix string) *RedisTokens {
	if prefix == "" {
		prefix = "artcenter:reset:"
	}
	return &RedisTokens{client: client, prefix: prefix}
}

func (r *RedisTokens) Issue(ctx context.Context, token string, g Grant, ttl time.Duration) error {
	payload, err := json.Marshal(g)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+token, payload, ttl).Err()
}

func (r *RedisTokens) Take(ctx context.Context, token string) (Grant, error) {
	payload, err := r.client.GetDel(ctx, r.prefix+token).Bytes()
	if errors.Is(err, redis.Nil) {
		return Grant{}, ErrInvalidToken
	}
	if err != nil {
		return Grant{}, err
	}
	var g Grant
	if err := json.Unmarshal(payload, &g); err != nil {
		return Grant{}, err
	}
	return g, nil
}
