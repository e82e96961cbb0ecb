// Package lock provides per-user pipeline leases backed by Redis.
// A lease guarantees at most one sync per user at a time across hosts.
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// ErrHeld is matched by errors.Is when the lease is held by another run.
var ErrHeld = errors.New("lock: held")

// HeldError reports a contended lease along with how long the current
// holder has had it, so callers can tell a live run from a near-stale one.
type HeldError struct {
	Key        string
	Age        time.Duration
	RetryAfter time.Duration
}

func (e *HeldError) Error() string {
	return fmt.Sprintf("lock: %s held for %s, retry after %s", e.Key, e.Age.Round(time.Second), e.RetryAfter.Round(time.Second))
}

func (e *HeldError) Is(target error) bool { return target == ErrHeld }

// payload is the JSON stored under the lock key. The token proves
// ownership on release; acquired_at exposes holder age to contenders.
type payload struct {
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Store acquires leases in Redis using SET NX with a TTL. Crash safety
// comes from expiry: a holder that dies without releasing simply ages out.
type Store struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewStore creates a lease store. ttl bounds how long a crashed holder
// can block other runs.
func NewStore(client redis.UniversalClient, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

// Lease is an acquired lock. Release it when the run finishes; releasing
// is ownership-checked, so a lease that already expired and was taken by
// someone else is never stolen back.
type Lease struct {
	store      *Store
	key        string
	raw        string // exact stored payload, used for ownership checks
	AcquiredAt time.Time
}

// takeoverScript swaps the lock value only if it still holds the expected
// stale payload, so two contenders cannot both claim a stale lock.
var takeoverScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		redis.call("set", KEYS[1], ARGV[2], "PX", ARGV[3])
		return 1
	else
		return 0
	end
`)

// releaseScript deletes the lock only if we still own it.
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// Acquire takes the lease for key, returning *HeldError (matching ErrHeld)
// when another live run holds it. A holder whose recorded age exceeds the
// TTL is treated as stale and taken over; this covers locks written
// without an expiry by an older deployment.
func (s *Store) Acquire(ctx context.Context, key string) (*Lease, error) {
	redisKey := "lock:" + key

	b := make([]byte, 16)
	rand.Read(b)
	p := payload{Token: hex.EncodeToString(b), AcquiredAt: time.Now().UTC()}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, eris.Wrap(err, "lock: marshal payload")
	}

	ok, err := s.client.SetNX(ctx, redisKey, raw, s.ttl).Result()
	if err != nil {
		return nil, eris.Wrapf(err, "lock: acquire %s", redisKey)
	}
	if ok {
		return &Lease{store: s, key: redisKey, raw: string(raw), AcquiredAt: p.AcquiredAt}, nil
	}

	existing, err := s.client.Get(ctx, redisKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Holder released between SETNX and GET; caller retries.
			return nil, &HeldError{Key: key, Age: 0, RetryAfter: time.Second}
		}
		return nil, eris.Wrapf(err, "lock: inspect %s", redisKey)
	}

	var held payload
	age := s.ttl // unparseable payloads count as maximally old
	if err := json.Unmarshal([]byte(existing), &held); err == nil {
		age = time.Since(held.AcquiredAt)
	}

	if age >= s.ttl {
		taken, err := takeoverScript.Run(ctx, s.client, []string{redisKey}, existing, raw, s.ttl.Milliseconds()).Int()
		if err != nil {
			return nil, eris.Wrapf(err, "lock: takeover %s", redisKey)
		}
		if taken == 1 {
			zap.L().Warn("lock: took over stale lease",
				zap.String("key", key),
				zap.Duration("holder_age", age),
			)
			return &Lease{store: s, key: redisKey, raw: string(raw), AcquiredAt: p.AcquiredAt}, nil
		}
		// Someone else won the takeover race.
		return nil, &HeldError{Key: key, Age: 0, RetryAfter: s.ttl}
	}

	return nil, &HeldError{Key: key, Age: age, RetryAfter: s.ttl - age}
}

// Release frees the lease if this run still owns it.
func (l *Lease) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.store.client, []string{l.key}, l.raw).Result()
	return eris.Wrapf(err, "lock: release %s", l.key)
}

// Extend pushes the lease expiry out for long-running continuations.
// Fails silently against a lost lease: the script is a no-op when the
// token no longer matches.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
	_, err := script.Run(ctx, l.store.client, []string{l.key}, l.raw, ttl.Milliseconds()).Result()
	return eris.Wrapf(err, "lock: extend %s", l.key)
}
