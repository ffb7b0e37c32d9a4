/*
 * Deployra
 * Copyright (C) 2025  Deployra, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package kv wraps the shared key-value store used by all deployra
// components: access timestamps, deployment activation state, crash-loop
// flags, the certificate mirror, ACME cooldowns and the work queue.
//
// Every operation is a single command with an optional TTL. No cross-key
// transactions are required; multiple pods share the store safely.
package kv

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/defaults"
)

// Config holds the connection parameters of the store.
type Config struct {
	// Addr is the host:port of the store.
	Addr string
	// Password is an optional auth password.
	Password string
	// DB selects the logical database.
	DB int
	// Clock is used to stamp access records and compute cooldowns.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Addr == "" {
		return trace.BadParameter("missing kv store address")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Store is a typed client of the shared key-value store.
type Store struct {
	client *redis.Client
	clock  clockwork.Clock
	log    *slog.Logger
}

// NewStore connects to the store and verifies the connection.
func NewStore(ctx context.Context, config Config) (*Store, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, trace.ConnectionProblem(err, "pinging kv store at %v", config.Addr)
	}
	return &Store{
		client: client,
		clock:  config.Clock,
		log:    slog.With(deployra.ComponentKey, deployra.ComponentKV),
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return trace.Wrap(s.client.Close())
}

func accessKey(namespace, deployment string) string {
	return defaults.KVAccessPrefix + namespace + ":" + deployment
}

func statusKey(namespace, deployment string) string {
	return defaults.KVStatusPrefix + namespace + ":" + deployment
}

func crashLoopKey(namespace, deployment string) string {
	return defaults.KVCrashLoopPrefix + namespace + ":" + deployment
}

func certKey(domain, part string) string {
	return defaults.KVCertPrefix + domain + ":" + part
}

// RecordAccess stamps the current wall-clock time as the last access of the
// deployment. Called on every proxied request.
func (s *Store) RecordAccess(ctx context.Context, namespace, deployment string) error {
	now := strconv.FormatInt(s.clock.Now().Unix(), 10)
	return trace.Wrap(s.client.Set(ctx, accessKey(namespace, deployment), now, 0).Err())
}

// LastAccess returns the last access of the deployment in Unix seconds, or 0
// if the deployment was never accessed.
func (s *Store) LastAccess(ctx context.Context, namespace, deployment string) (int64, error) {
	val, err := s.client.Get(ctx, accessKey(namespace, deployment)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, trace.Wrap(err)
	}
	epoch, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, trace.BadParameter("malformed access record %q: %v", val, err)
	}
	return epoch, nil
}

// SetActive caches the most recent activation decision for the deployment.
func (s *Store) SetActive(ctx context.Context, namespace, deployment string, active bool) error {
	val := "0"
	if active {
		val = "1"
	}
	return trace.Wrap(s.client.Set(ctx, statusKey(namespace, deployment), val, defaults.FlagTTL).Err())
}

// Active returns the cached activation decision. known is false when no
// decision has been cached recently, in which case the orchestrator must be
// consulted.
func (s *Store) Active(ctx context.Context, namespace, deployment string) (active, known bool, err error) {
	val, err := s.client.Get(ctx, statusKey(namespace, deployment)).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, trace.Wrap(err)
	}
	return val == "1", true, nil
}

// SetCrashLoop flags the deployment as crash-looping, suppressing wake-up
// for the flag's lifetime.
func (s *Store) SetCrashLoop(ctx context.Context, namespace, deployment string) error {
	return trace.Wrap(s.client.Set(ctx, crashLoopKey(namespace, deployment), "1", defaults.FlagTTL).Err())
}

// ClearCrashLoop removes the crash-loop flag after a successful deploy.
func (s *Store) ClearCrashLoop(ctx context.Context, namespace, deployment string) error {
	return trace.Wrap(s.client.Del(ctx, crashLoopKey(namespace, deployment)).Err())
}

// InCrashLoop reports whether the deployment is flagged as crash-looping.
func (s *Store) InCrashLoop(ctx context.Context, namespace, deployment string) (bool, error) {
	_, err := s.client.Get(ctx, crashLoopKey(namespace, deployment)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

// StoreCert mirrors certificate material for the cross-pod fast path. The
// orchestrator secret remains the authoritative copy.
func (s *Store) StoreCert(ctx context.Context, domain string, certPEM, keyPEM []byte) error {
	if err := s.client.Set(ctx, certKey(domain, "cert"), certPEM, defaults.CertKVTTL).Err(); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(s.client.Set(ctx, certKey(domain, "key"), keyPEM, defaults.CertKVTTL).Err())
}

// GetCert returns mirrored certificate material, or a NotFound error when
// either half is missing.
func (s *Store) GetCert(ctx context.Context, domain string) (certPEM, keyPEM []byte, err error) {
	cert, err := s.client.Get(ctx, certKey(domain, "cert")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, trace.NotFound("no mirrored certificate for %q", domain)
	}
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	key, err := s.client.Get(ctx, certKey(domain, "key")).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil, trace.NotFound("no mirrored key for %q", domain)
	}
	if err != nil {
		return nil, nil, trace.Wrap(err)
	}
	return cert, key, nil
}

// SetCooldown refuses further ACME issuance for the domain until the given
// moment.
func (s *Store) SetCooldown(ctx context.Context, domain string, until time.Time) error {
	ttl := until.Sub(s.clock.Now())
	if ttl <= 0 {
		return nil
	}
	return trace.Wrap(s.client.Set(ctx, certKey(domain, "ratelimit"), "1", ttl).Err())
}

// InCooldown reports whether ACME issuance for the domain is rate-limited.
func (s *Store) InCooldown(ctx context.Context, domain string) (bool, error) {
	_, err := s.client.Get(ctx, certKey(domain, "ratelimit")).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, trace.Wrap(err)
	}
	return true, nil
}

// Pop blocks up to timeout for the next message on the named queue. Returns
// nil with no error when the timeout elapses with an empty queue.
func (s *Store) Pop(ctx context.Context, queue string, timeout time.Duration) ([]byte, error) {
	res, err := s.client.BLPop(ctx, timeout, queue).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, trace.Wrap(err)
	}
	// BLPop returns [key, value].
	if len(res) != 2 {
		return nil, trace.BadParameter("unexpected BLPOP reply of %d elements", len(res))
	}
	return []byte(res[1]), nil
}

// Enqueue appends a message to the named queue. Used by the API side of the
// contract and by tests.
func (s *Store) Enqueue(ctx context.Context, queue string, payload []byte) error {
	return trace.Wrap(s.client.RPush(ctx, queue, payload).Err())
}
