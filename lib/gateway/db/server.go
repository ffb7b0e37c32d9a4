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

// Package db implements the MySQL protocol-aware TCP gateway. It answers
// the client handshake itself to learn the authenticating username, routes
// the connection to the backing database service, replays the client's
// credentials against the real backend and then splices bytes both ways
// without further interpretation.
package db

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/pires/go-proxyproto"
	"golang.org/x/sync/semaphore"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/defaults"
	"github.com/deployra/deployra-sub000/lib/dnscache"
	"github.com/deployra/deployra-sub000/lib/gateway/db/protocol"
	"github.com/deployra/deployra-sub000/lib/routing"
	"github.com/deployra/deployra-sub000/lib/utils"
)

// Config holds database gateway parameters.
type Config struct {
	// ListenAddr is the TCP listen address.
	ListenAddr string
	// Listener overrides ListenAddr with an already bound listener.
	Listener net.Listener
	// Routes maps authenticating usernames to backing services.
	Routes *routing.DBTable
	// DNS caches backend service resolutions. The gateway owns a cache
	// independent of the web gateway's.
	DNS *dnscache.Cache
	// ClusterDomain is the cluster DNS suffix of service names.
	ClusterDomain string
	// MaxConnections caps concurrent proxied connections. Connections past
	// the cap are closed on accept.
	MaxConnections int64
	// DialTimeout bounds dialing the backend.
	DialTimeout time.Duration
	// HandshakeTimeout bounds each read and write of the handshake phase.
	HandshakeTimeout time.Duration
	// UseProxyProtocol enables PROXY protocol on the listener so client
	// addresses survive an L4 load balancer.
	UseProxyProtocol bool
	// ReadBufferSize is the unit size of the backend-to-client splice
	// buffers, WriteBufferSize of the client-to-backend ones.
	ReadBufferSize  int
	WriteBufferSize int
	// Clock is used for handshake deadlines.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Routes == nil {
		return trace.BadParameter("missing routing table")
	}
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.DBListenAddr
	}
	if c.DNS == nil {
		c.DNS = dnscache.New(dnscache.Config{})
	}
	if c.ClusterDomain == "" {
		c.ClusterDomain = defaults.ClusterDomainSuffix
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaults.DBMaxConnections
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaults.DBDialTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaults.DBHandshakeTimeout
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaults.BufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = defaults.BufferSize
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Server is the database gateway.
type Server struct {
	cfg       Config
	log       *slog.Logger
	sem       *semaphore.Weighted
	readPool  *utils.BufferPool
	writePool *utils.BufferPool
	threadID  atomic.Uint32
	wg        sync.WaitGroup
}

// New returns a database gateway server.
func New(config Config) (*Server, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Server{
		cfg:       config,
		log:       slog.With(deployra.ComponentKey, deployra.ComponentDBGateway),
		sem:       semaphore.NewWeighted(config.MaxConnections),
		readPool:  utils.NewBufferPool(config.ReadBufferSize),
		writePool: utils.NewBufferPool(config.WriteBufferSize),
	}, nil
}

// Run accepts connections until the context is cancelled, then waits for
// live connections to drain.
func (s *Server) Run(ctx context.Context) error {
	listener := s.cfg.Listener
	if listener == nil {
		var lc net.ListenConfig
		var err error
		listener, err = lc.Listen(ctx, "tcp", s.cfg.ListenAddr)
		if err != nil {
			return trace.Wrap(err)
		}
	}
	if s.cfg.UseProxyProtocol {
		listener = &proxyproto.Listener{Listener: listener}
	}
	s.log.InfoContext(ctx, "Listening.", "addr", s.cfg.ListenAddr, "proxy_protocol", s.cfg.UseProxyProtocol)

	go func() {
		<-ctx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if utils.IsOKNetworkError(err) {
				continue
			}
			return trace.Wrap(err)
		}
		if !s.sem.TryAcquire(1) {
			s.log.WarnContext(ctx, "Connection limit reached, rejecting.", "client", conn.RemoteAddr())
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.sem.Release(1)
			defer conn.Close()
			if err := s.handleConnection(ctx, conn); err != nil && !utils.IsOKNetworkError(err) {
				s.log.WarnContext(ctx, "Connection terminated.", "client", conn.RemoteAddr(), "error", err)
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(defaults.DBShutdownTimeout):
		s.log.WarnContext(ctx, "Draining timed out, abandoning connections.")
	}
	return nil
}

// handleConnection drives one client from greeting to splice.
func (s *Server) handleConnection(ctx context.Context, clientConn net.Conn) error {
	deadline := s.cfg.Clock.Now().Add(s.cfg.HandshakeTimeout)
	if err := clientConn.SetDeadline(deadline); err != nil {
		return trace.Wrap(err)
	}

	greeting, err := protocol.NewHandshakeV10(s.threadID.Add(1))
	if err != nil {
		return trace.Wrap(err)
	}
	if err := protocol.WritePacket(clientConn, greeting); err != nil {
		return trace.Wrap(err)
	}

	authResponse, err := protocol.ReadPacket(clientConn)
	if err != nil {
		return trace.Wrap(err)
	}
	username, err := protocol.ParseHandshakeResponse(authResponse)
	if err != nil {
		return trace.Wrap(err)
	}

	entry, ok := s.cfg.Routes.Lookup(username)
	if !ok {
		// No error packet goes back; an unroutable username learns
		// nothing about the cluster.
		return trace.NotFound("no database routed for username %q", username)
	}

	backendConn, err := s.dialBackend(ctx, entry)
	if err != nil {
		return trace.Wrap(err)
	}
	defer backendConn.Close()

	if err := backendConn.SetDeadline(deadline); err != nil {
		return trace.Wrap(err)
	}

	// Swallow the backend's own greeting; the client already got ours.
	// The client's handshake response replays against the backend and the
	// backend's verdict goes back verbatim.
	if _, err := protocol.ReadPacket(backendConn); err != nil {
		return trace.Wrap(err, "reading backend greeting")
	}
	if err := protocol.WritePacket(backendConn, authResponse); err != nil {
		return trace.Wrap(err, "replaying client auth")
	}
	verdict, err := protocol.ReadPacket(backendConn)
	if err != nil {
		return trace.Wrap(err, "reading backend auth result")
	}
	if err := protocol.WritePacket(clientConn, verdict); err != nil {
		return trace.Wrap(err)
	}

	var zero time.Time
	if err := clientConn.SetDeadline(zero); err != nil {
		return trace.Wrap(err)
	}
	if err := backendConn.SetDeadline(zero); err != nil {
		return trace.Wrap(err)
	}

	s.log.InfoContext(ctx, "Connected.",
		"username", username,
		"backend", entry.Namespace+"/"+entry.Name,
		"client", clientConn.RemoteAddr())
	return trace.Wrap(utils.ProxyConn(ctx, clientConn, backendConn, s.readPool, s.writePool))
}

// dialBackend resolves and dials the service behind the routing entry.
func (s *Server) dialBackend(ctx context.Context, entry *routing.DBEntry) (net.Conn, error) {
	fqdn := entry.Name + "." + entry.Namespace + "." + s.cfg.ClusterDomain
	addrs, err := s.cfg.DNS.Resolve(ctx, fqdn)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	addr := net.JoinHostPort(addrs[0], strconv.Itoa(int(entry.Port)))
	conn, err := net.DialTimeout("tcp", addr, s.cfg.DialTimeout)
	if err != nil {
		return nil, trace.ConnectionProblem(err, "dialing backend %v", addr)
	}
	return conn, nil
}
