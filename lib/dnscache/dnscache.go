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

// Package dnscache caches service DNS resolutions. Each gateway owns an
// independent instance; entries live for five minutes and a background
// janitor sweeps expired entries every half TTL.
package dnscache

import (
	"context"
	"net"
	"time"

	"github.com/gravitational/trace"
	gocache "github.com/patrickmn/go-cache"

	"github.com/deployra/deployra-sub000/lib/defaults"
)

// LookupFunc resolves a hostname to its address list.
type LookupFunc func(ctx context.Context, host string) ([]string, error)

// Config configures a Cache.
type Config struct {
	// TTL is the entry lifetime. Defaults to five minutes.
	TTL time.Duration
	// Lookup resolves hosts on cache miss. Defaults to the system
	// resolver.
	Lookup LookupFunc
}

// Cache is a process-wide DNS resolution cache.
type Cache struct {
	entries *gocache.Cache
	lookup  LookupFunc
}

// New returns a cache with a running background sweeper.
func New(config Config) *Cache {
	if config.TTL <= 0 {
		config.TTL = defaults.DNSCacheTTL
	}
	if config.Lookup == nil {
		config.Lookup = func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		}
	}
	return &Cache{
		entries: gocache.New(config.TTL, config.TTL/2),
		lookup:  config.Lookup,
	}
}

// Resolve returns the cached address list of the host, resolving and
// caching on miss. Lookup failures propagate and are not cached.
func (c *Cache) Resolve(ctx context.Context, host string) ([]string, error) {
	if cached, ok := c.entries.Get(host); ok {
		return cached.([]string), nil
	}
	addrs, err := c.lookup(ctx, host)
	if err != nil {
		return nil, trace.Wrap(err, "resolving %v", host)
	}
	if len(addrs) == 0 {
		return nil, trace.NotFound("no addresses for %v", host)
	}
	c.entries.SetDefault(host, addrs)
	return addrs, nil
}

// Flush drops all cached entries.
func (c *Cache) Flush() {
	c.entries.Flush()
}
