package mapper

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Claimer serializes the check-then-create sequence for one external id.
// Claim blocks until the caller holds key or ctx ends; release must be called
// exactly once.
type Claimer interface {
	Claim(ctx context.Context, key string) (release func(), err error)
}

// MemoryClaimer guards keys within one process.
type MemoryClaimer struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewMemoryClaimer returns an empty MemoryClaimer.
func NewMemoryClaimer() *MemoryClaimer {
	return &MemoryClaimer{held: make(map[string]chan struct{})}
}

func (c *MemoryClaimer) Claim(ctx context.Context, key string) (func(), error) {
	for {
		c.mu.Lock()
		busy, ok := c.held[key]
		if !ok {
			done := make(chan struct{})
			c.held[key] = done
			c.mu.Unlock()
			return func() {
				c.mu.Lock()
				delete(c.held, key)
				c.mu.Unlock()
				close(done)
			}, nil
		}
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-busy:
		}
	}
}

// releaseScript deletes the claim only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the claim only while it still carries our token.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisClaimer guards keys across processes sharing one Redis. A held claim
// is renewed every ttl/3 until released, so ttl only bounds how long a
// crashed holder blocks others.
type RedisClaimer struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	poll   time.Duration
}

// NewRedisClaimer returns a claimer whose claims expire after ttl if the
// holder dies without releasing.
func NewRedisClaimer(client *redis.Client, ttl time.Duration) *RedisClaimer {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisClaimer{client: client, prefix: "qadesk:claim:", ttl: ttl, poll: 100 * time.Millisecond}
}

func (c *RedisClaimer) Claim(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	k := c.prefix + key

	for {
		ok, err := c.client.SetNX(ctx, k, token, c.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", key, err)
		}
		if ok {
			stop := make(chan struct{})
			done := make(chan struct{})
			go c.renew(k, token, stop, done)

			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					// Release must not depend on the caller's (possibly expired) context.
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = releaseScript.Run(ctx, c.client, []string{k}, token).Err()
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

// renew keeps k alive until stop closes. It gives up once the key no longer
// carries token.
func (c *RedisClaimer) renew(k, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := c.ttl / 3
	if interval <= 0 {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, c.client, []string{k}, token, c.ttl.Milliseconds()).Int()
		cancel()
		if err == nil && n == 0 {
			return
		}
	}
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("claim token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
