package fraud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/redis/go-redis/v9"
)

// RedisCustomerGuard remembers which buyers were already counted for an
// (affiliate, product) pair. A buyer matches on any of: email, contact,
// ip+user agent, name+ip.
type RedisCustomerGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// Connect initializes a Redis client from URL or host:port input.
func Connect(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// NewRedisCustomerGuard creates a guard whose entries expire after ttl.
func NewRedisCustomerGuard(client *redis.Client, ttl time.Duration) *RedisCustomerGuard {
	return &RedisCustomerGuard{client: client, ttl: ttl}
}

// CheckDuplicateCustomer claims every identity of the buyer for the sale.
// An identity already claimed by the same sale still passes, so a retried
// check never rejects its own sale.
func (g *RedisCustomerGuard) CheckDuplicateCustomer(ctx context.Context, check CustomerCheck) (Verdict, error) {
	keys := CustomerKeys(check)
	if len(keys) == 0 {
		return Verdict{Valid: true}, nil
	}

	owners := make([]*redis.StringCmd, len(keys))
	_, err := g.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for i, k := range keys {
			p.SetNX(ctx, k.Key, string(check.SaleID), g.ttl)
			owners[i] = p.Get(ctx, k.Key)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Verdict{}, fmt.Errorf("customer guard: %w", err)
	}

	for i, cmd := range owners {
		if owner, err := cmd.Result(); err == nil && owner != string(check.SaleID) {
			return Verdict{Valid: false, Reason: "duplicate customer (" + keys[i].Kind + ")"}, nil
		}
	}
	return Verdict{Valid: true}, nil
}

// CustomerKey is one identity of a buyer.
type CustomerKey struct {
	Kind string
	Key  string
}

// CustomerKeys returns the redis keys identifying the buyer. Empty
// identities are skipped.
func CustomerKeys(check CustomerCheck) []CustomerKey {
	c := check.Customer
	prefix := "ledger:customer:" + string(check.AffiliateID) + ":" + string(check.ProductID) + ":"

	var keys []CustomerKey
	add := func(kind string, parts ...string) {
		for _, p := range parts {
			if p == "" {
				return
			}
		}
		keys = append(keys, CustomerKey{Kind: kind, Key: prefix + kind + ":" + digest(strings.Join(parts, "|"))})
	}

	add("email", strings.ToLower(strings.TrimSpace(c.Email)))
	add("contact", digitsOnly(c.Contact))
	add("device", strings.TrimSpace(c.IPAddress), strings.TrimSpace(c.UserAgent))
	add("name", strings.ToLower(strings.Join(strings.Fields(c.Name), " ")), strings.TrimSpace(c.IPAddress))
	return keys
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:16])
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, s)
}
