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

// Package web implements the platform's edge reverse proxy. It routes
// requests by Host header to orchestrator services, wakes scaled-to-zero
// deployments on demand, terminates TLS with on-demand ACME certificates
// and passes websocket upgrades through untouched.
package web

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/client-go/kubernetes"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/certmgr"
	"github.com/deployra/deployra-sub000/lib/defaults"
	"github.com/deployra/deployra-sub000/lib/dnscache"
	"github.com/deployra/deployra-sub000/lib/kv"
	"github.com/deployra/deployra-sub000/lib/routing"
	"github.com/deployra/deployra-sub000/lib/utils"
)

// Config holds web gateway parameters.
type Config struct {
	// HTTPAddr is the plaintext listen address.
	HTTPAddr string
	// HTTPSAddr is the TLS listen address.
	HTTPSAddr string
	// EnableHTTPS turns on the TLS listener; plaintext then only answers
	// challenges, health and metrics, and redirects everything else.
	EnableHTTPS bool
	// Routes is the domain routing table fed by the service watcher.
	Routes *routing.WebTable
	// Store is the shared key-value store.
	Store *kv.Store
	// Certs resolves TLS handshakes. Required when EnableHTTPS is set.
	Certs *certmgr.Manager
	// KubeClient scales deployments during wake-up.
	KubeClient kubernetes.Interface
	// DNS caches backend service resolutions.
	DNS *dnscache.Cache
	// ClusterDomain is the cluster DNS suffix of service names.
	ClusterDomain string
	// AccessLog receives one line per completed request. Defaults to
	// standard output.
	AccessLog io.Writer
	// Clock is used for timestamps and wake-up deadlines.
	Clock clockwork.Clock
	// WakeDeadline bounds a wake-up wait, WakePollInterval its re-checks.
	WakeDeadline     time.Duration
	WakePollInterval time.Duration
	// ProxyReadTimeout and ProxyWriteTimeout bound individual reads and
	// writes on ordinary upstream connections.
	ProxyReadTimeout  time.Duration
	ProxyWriteTimeout time.Duration
	// WebSocketReadTimeout and WebSocketWriteTimeout do the same for
	// upgraded connections.
	WebSocketReadTimeout  time.Duration
	WebSocketWriteTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Routes == nil {
		return trace.BadParameter("missing routing table")
	}
	if c.Store == nil {
		return trace.BadParameter("missing kv store")
	}
	if c.KubeClient == nil {
		return trace.BadParameter("missing kubernetes client")
	}
	if c.EnableHTTPS && c.Certs == nil {
		return trace.BadParameter("https requires a certificate manager")
	}
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaults.HTTPListenAddr
	}
	if c.HTTPSAddr == "" {
		c.HTTPSAddr = defaults.HTTPSListenAddr
	}
	if c.DNS == nil {
		c.DNS = dnscache.New(dnscache.Config{})
	}
	if c.ClusterDomain == "" {
		c.ClusterDomain = defaults.ClusterDomainSuffix
	}
	if c.AccessLog == nil {
		c.AccessLog = os.Stdout
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.WakeDeadline <= 0 {
		c.WakeDeadline = defaults.WakeDeadline
	}
	if c.WakePollInterval <= 0 {
		c.WakePollInterval = defaults.WakePollInterval
	}
	if c.ProxyReadTimeout <= 0 {
		c.ProxyReadTimeout = defaults.ProxyReadTimeout
	}
	if c.ProxyWriteTimeout <= 0 {
		c.ProxyWriteTimeout = defaults.ProxyWriteTimeout
	}
	if c.WebSocketReadTimeout <= 0 {
		c.WebSocketReadTimeout = defaults.WebSocketTimeout
	}
	if c.WebSocketWriteTimeout <= 0 {
		c.WebSocketWriteTimeout = defaults.WebSocketTimeout
	}
	return nil
}

// Gateway is the edge reverse proxy.
type Gateway struct {
	cfg         Config
	log         *slog.Logger
	accessLog   *accessWriter
	transport   http.RoundTripper
	wsTransport http.RoundTripper
}

// New returns a web gateway.
func New(config Config) (*Gateway, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	dialer := &net.Dialer{Timeout: 10 * time.Second}
	dialWithTimeouts := func(read, write time.Duration) func(context.Context, string, string) (net.Conn, error) {
		return func(ctx context.Context, network, addr string) (net.Conn, error) {
			conn, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			return utils.NewTimeoutConn(conn, read, write), nil
		}
	}
	return &Gateway{
		cfg:       config,
		log:       slog.With(deployra.ComponentKey, deployra.ComponentWebGateway),
		accessLog: &accessWriter{out: config.AccessLog},
		transport: &http.Transport{
			DialContext:           dialWithTimeouts(config.ProxyReadTimeout, config.ProxyWriteTimeout),
			MaxIdleConnsPerHost:   32,
			IdleConnTimeout:       90 * time.Second,
			ResponseHeaderTimeout: config.ProxyReadTimeout,
		},
		// Upgraded connections idle for long stretches and must not be
		// recompressed.
		wsTransport: &http.Transport{
			DialContext:         dialWithTimeouts(config.WebSocketReadTimeout, config.WebSocketWriteTimeout),
			MaxIdleConnsPerHost: 32,
			IdleConnTimeout:     config.WebSocketReadTimeout,
			DisableCompression:  true,
		},
	}, nil
}

// Run serves until the context is cancelled, then drains in-flight
// requests.
func (g *Gateway) Run(ctx context.Context) error {
	servers := []*http.Server{{
		Addr:              g.cfg.HTTPAddr,
		Handler:           g.PlainHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}}
	if g.cfg.EnableHTTPS {
		servers = append(servers, &http.Server{
			Addr:              g.cfg.HTTPSAddr,
			Handler:           g.ProxyHandler(),
			ReadHeaderTimeout: 10 * time.Second,
			TLSConfig: &tls.Config{
				GetCertificate: g.cfg.Certs.GetCertificate,
				MinVersion:     tls.VersionTLS12,
			},
		})
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		group.Go(func() error {
			g.log.InfoContext(ctx, "Listening.", "addr", srv.Addr, "tls", srv.TLSConfig != nil)
			var err error
			if srv.TLSConfig != nil {
				err = srv.ListenAndServeTLS("", "")
			} else {
				err = srv.ListenAndServe()
			}
			if err != nil && err != http.ErrServerClosed {
				return trace.Wrap(err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaults.WebShutdownTimeout)
		defer cancel()
		var errs []error
		for _, srv := range servers {
			errs = append(errs, srv.Shutdown(shutdownCtx))
		}
		return trace.NewAggregate(errs...)
	})
	return trace.Wrap(group.Wait())
}

// PlainHandler answers the plaintext listener: ACME challenges, health,
// metrics, and either a redirect to HTTPS or direct proxying when TLS is
// off.
func (g *Gateway) PlainHandler() http.Handler {
	proxy := g.ProxyHandler()
	metrics := promhttp.Handler()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if g.cfg.Certs != nil && g.cfg.Certs.HTTP01().ServeChallenge(w, r) {
			return
		}
		switch r.URL.Path {
		case "/healthz":
			w.WriteHeader(http.StatusOK)
			io.WriteString(w, "ok")
			return
		case "/metrics":
			metrics.ServeHTTP(w, r)
			return
		}
		if !g.cfg.EnableHTTPS {
			proxy.ServeHTTP(w, r)
			return
		}
		target := url.URL{
			Scheme:   "https",
			Host:     hostOnly(r.Host),
			Path:     r.URL.Path,
			RawQuery: r.URL.RawQuery,
		}
		http.Redirect(w, r, target.String(), http.StatusMovedPermanently)
	})
}

// ProxyHandler is the routing proxy with access logging and metrics.
func (g *Gateway) ProxyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := g.cfg.Clock.Now()
		rec := newRecorder(w)
		g.serve(rec, r)
		elapsed := g.cfg.Clock.Now().Sub(start)
		g.accessLog.logAccess(r, rec, start, elapsed)
		requestsTotal.WithLabelValues(strconv.Itoa(rec.status)).Inc()
		requestDuration.Observe(elapsed.Seconds())
	})
}

func (g *Gateway) serve(rec *recorder, r *http.Request) {
	ctx := r.Context()
	host := strings.ToLower(hostOnly(r.Host))

	entry, ok := g.cfg.Routes.Lookup(host)
	if !ok {
		http.Error(rec, "no such application", http.StatusNotFound)
		return
	}

	// Every proxied request refreshes the idle timer, whether or not the
	// service scales to zero.
	deployment := entry.ServiceID + defaults.DeploymentSuffix
	if err := g.cfg.Store.RecordAccess(ctx, entry.Namespace, deployment); err != nil {
		g.log.WarnContext(ctx, "Failed to record access.", "deployment", deployment, "error", err)
	}

	if entry.ScaleToZero {
		if err := g.ensureAwake(ctx, entry); err != nil {
			g.log.WarnContext(ctx, "Wake-up failed.", "domain", host, "error", err)
			rec.upstream = "wake-fail"
			if errors.Is(err, errCrashLooping) {
				http.Error(rec, "application is repeatedly crashing and has been paused, redeploy to resume", http.StatusServiceUnavailable)
				return
			}
			http.Error(rec, "application is starting, try again shortly", http.StatusServiceUnavailable)
			return
		}
	}

	fqdn := entry.Name + "." + entry.Namespace + "." + g.cfg.ClusterDomain
	addrs, err := g.cfg.DNS.Resolve(ctx, fqdn)
	if err != nil {
		g.log.WarnContext(ctx, "Backend resolution failed.", "fqdn", fqdn, "error", err)
		rec.upstream = "dns-fail"
		http.Error(rec, "service unavailable", http.StatusServiceUnavailable)
		return
	}
	target := net.JoinHostPort(addrs[0], strconv.Itoa(int(entry.Port)))
	rec.upstream = target

	g.newProxy(target, isWebSocket(r)).ServeHTTP(rec, r)
}

// newProxy builds a reverse proxy to one backend. The Host header of the
// client is preserved so virtual-hosted backends see the original domain.
func (g *Gateway) newProxy(target string, websocket bool) *httputil.ReverseProxy {
	transport := g.transport
	flush := time.Duration(0)
	if websocket {
		transport = g.wsTransport
		flush = -1
	}
	return &httputil.ReverseProxy{
		Transport:     transport,
		FlushInterval: flush,
		ErrorLog:      slog.NewLogLogger(g.log.Handler(), slog.LevelWarn),
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = target
			req.Header.Set("X-Real-Ip", clientIP(req))
			req.Header.Set("X-Forwarded-Host", hostOnly(req.Host))
			if req.TLS != nil {
				req.Header.Set("X-Forwarded-Proto", "https")
			} else {
				req.Header.Set("X-Forwarded-Proto", "http")
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.log.WarnContext(r.Context(), "Proxy error.", "target", target, "error", err)
			if rec, ok := w.(*recorder); ok {
				rec.upstream = "upstream-fail"
			}
			w.WriteHeader(http.StatusBadGateway)
		},
	}
}

// isWebSocket reports whether the request must be proxied on the
// long-lived upgrade transport. Socket.io polling transports share the
// path-based rule so session affinity survives transport switches.
func isWebSocket(r *http.Request) bool {
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") && headerHasToken(r.Header, "Connection", "upgrade") {
		return true
	}
	if strings.Contains(r.URL.Path, "/socket") {
		switch r.URL.Query().Get("transport") {
		case "websocket", "polling":
			return true
		}
	}
	return false
}

func headerHasToken(h http.Header, name, token string) bool {
	for _, value := range h.Values(name) {
		for _, part := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// hostOnly strips an optional port from a request host.
func hostOnly(hostport string) string {
	host, _, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport
	}
	return host
}
