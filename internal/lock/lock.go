// Package lock serializes first-time catalog creates of the same SKU across worker invocations.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrBusy means another worker holds the claim for the whole wait.
var ErrBusy = errors.New("sku claim held by another worker")

// Claimer hands out short-lived Redis claims. A nil Claimer or one without a client grants
// every claim, which leaves concurrent creates unserialized.
type Claimer struct {
	client *redis.Client
	ttl    time.Duration
	poll   time.Duration
}

// Claim is a held lock; Release is safe to call more than once.
type Claim struct {
	claimer *Claimer
	key     string
	token   string
}

func NewClaimer(client *redis.Client, ttl time.Duration) *Claimer {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Claimer{client: client, ttl: ttl, poll: 100 * time.Millisecond}
}

func claimKey(sku string) string {
	return "lock:sku:" + strings.ToLower(strings.TrimSpace(sku))
}

// TryAcquire attempts the claim once.
func (c *Claimer) TryAcquire(ctx context.Context, sku string) (*Claim, bool, error) {
	if c == nil || c.client == nil || strings.TrimSpace(sku) == "" {
		return &Claim{}, true, nil
	}
	key := claimKey(sku)
	token := uuid.NewString()
	ok, err := c.client.SetNX(ctx, key, token, c.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("claim %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Claim{claimer: c, key: key, token: token}, true, nil
}

// Acquire polls until the claim is granted, wait elapses (ErrBusy) or ctx is done.
func (c *Claimer) Acquire(ctx context.Context, sku string, wait time.Duration) (*Claim, error) {
	deadline := time.Now().Add(wait)
	for {
		claim, ok, err := c.TryAcquire(ctx, sku)
		if err != nil {
			return nil, err
		}
		if ok {
			return claim, nil
		}
		if time.Now().After(deadline) {
			return nil, ErrBusy
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.poll):
		}
	}
}

// Release deletes the claim only if it is still ours.
func (cl *Claim) Release(ctx context.Context) error {
	if cl == nil || cl.claimer == nil || cl.token == "" {
		return nil
	}
	err := releaseScript.Run(ctx, cl.claimer.client, []string{cl.key}, cl.token).Err()
	cl.token = ""
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release %s: %w", cl.key, err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
