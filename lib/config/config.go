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

// Package config loads the JSON configuration files of the deployra
// binaries passed with -config <path>.
package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/gravitational/trace"

	"github.com/deployra/deployra-sub000/lib/defaults"
)

// Gateway is the configuration of the web gateway and the idle scaler.
type Gateway struct {
	// HTTPAddr is the plaintext listener binding.
	HTTPAddr string `json:"http_addr"`
	// HTTPSAddr is the TLS listener binding.
	HTTPSAddr string `json:"https_addr"`
	// EnableHTTPS toggles the TLS listener and the plaintext redirect.
	EnableHTTPS bool `json:"enable_https"`
	// KubeConfigPath is the orchestrator credential path. Empty means
	// in-cluster credentials.
	KubeConfigPath string `json:"kube_config_path"`
	// LabelSelector filters the objects observed by the watcher.
	LabelSelector string `json:"label_selector"`
	// ClusterDomain is the in-cluster DNS suffix for service names.
	ClusterDomain string `json:"cluster_domain"`

	// Email is the ACME account contact.
	Email string `json:"email"`
	// ACMEServerURL is the ACME directory endpoint.
	ACMEServerURL string `json:"acme_server_url"`
	// WildcardDomain is the base domain covered by the wildcard
	// certificate, e.g. "example.app".
	WildcardDomain string `json:"wildcard_domain"`
	// CloudflareAPIToken authorizes DNS-01 record manipulation.
	CloudflareAPIToken string `json:"cloudflare_api_token"`
	// EnableWildcard enables wildcard issuance over DNS-01.
	EnableWildcard bool `json:"enable_wildcard"`
	// ChallengeDir is the file-root fallback for HTTP-01 tokens.
	ChallengeDir string `json:"challenge_dir"`

	// RedisAddr, RedisPassword and RedisDB select the key-value store.
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// IdleTimeoutMinutes is how long a scale-to-zero service may be idle.
	IdleTimeoutMinutes int `json:"idle_timeout_minutes"`
	// CheckIntervalSeconds is the idle scaler scan interval.
	CheckIntervalSeconds int `json:"check_interval_seconds"`

	// Transport timeouts, in seconds.
	ProxyReadTimeout      int `json:"proxy_read_timeout"`
	ProxyWriteTimeout     int `json:"proxy_write_timeout"`
	WebsocketReadTimeout  int `json:"websocket_read_timeout"`
	WebsocketWriteTimeout int `json:"websocket_write_timeout"`
}

// CheckAndSetDefaults validates the gateway configuration and fills in
// defaults.
func (c *Gateway) CheckAndSetDefaults() error {
	if c.HTTPAddr == "" {
		c.HTTPAddr = defaults.HTTPListenAddr
	}
	if c.HTTPSAddr == "" {
		c.HTTPSAddr = defaults.HTTPSListenAddr
	}
	if c.ClusterDomain == "" {
		c.ClusterDomain = defaults.ClusterDomainSuffix
	}
	if c.RedisAddr == "" {
		return trace.BadParameter("missing redis_addr")
	}
	if c.EnableHTTPS && c.Email == "" {
		return trace.BadParameter("enable_https requires an ACME account email")
	}
	if c.EnableWildcard {
		if c.WildcardDomain == "" {
			return trace.BadParameter("enable_wildcard requires wildcard_domain")
		}
		if c.CloudflareAPIToken == "" {
			return trace.BadParameter("enable_wildcard requires cloudflare_api_token")
		}
	}
	if c.IdleTimeoutMinutes <= 0 {
		c.IdleTimeoutMinutes = int(defaults.IdleTimeout / time.Minute)
	}
	if c.CheckIntervalSeconds <= 0 {
		c.CheckIntervalSeconds = int(defaults.IdleCheckInterval / time.Second)
	}
	if c.ProxyReadTimeout <= 0 {
		c.ProxyReadTimeout = int(defaults.ProxyReadTimeout / time.Second)
	}
	if c.ProxyWriteTimeout <= 0 {
		c.ProxyWriteTimeout = int(defaults.ProxyWriteTimeout / time.Second)
	}
	if c.WebsocketReadTimeout <= 0 {
		c.WebsocketReadTimeout = int(defaults.WebSocketTimeout / time.Second)
	}
	if c.WebsocketWriteTimeout <= 0 {
		c.WebsocketWriteTimeout = int(defaults.WebSocketTimeout / time.Second)
	}
	return nil
}

// DBGateway is the configuration of the database gateway.
type DBGateway struct {
	// ListenAddr is the TCP listener binding.
	ListenAddr string `json:"listen_addr"`
	// KubeConfigPath is the orchestrator credential path. Empty means
	// in-cluster credentials.
	KubeConfigPath string `json:"kube_config_path"`
	// LabelSelector filters the objects observed by the watcher.
	LabelSelector string `json:"label_selector"`
	// ClusterDomain is the in-cluster DNS suffix for service names.
	ClusterDomain string `json:"cluster_domain"`

	// MaxConnections caps concurrent proxied connections.
	MaxConnections int `json:"max_connections"`
	// ConnectionTimeout bounds dialing the backend, in seconds.
	ConnectionTimeout int `json:"connection_timeout"`
	// ReadBufferSize and WriteBufferSize set the splice buffer unit.
	ReadBufferSize  int `json:"read_buffer_size"`
	WriteBufferSize int `json:"write_buffer_size"`
	// UseProxyProto wraps the listener in a PROXY protocol reader.
	UseProxyProto bool `json:"use_proxy_proto"`

	// RedisAddr, RedisPassword and RedisDB select the key-value store.
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
}

// CheckAndSetDefaults validates the database gateway configuration and fills
// in defaults.
func (c *DBGateway) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		c.ListenAddr = defaults.DBListenAddr
	}
	if c.ClusterDomain == "" {
		c.ClusterDomain = defaults.ClusterDomainSuffix
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = defaults.DBMaxConnections
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = int(defaults.DBDialTimeout / time.Second)
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaults.BufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = defaults.BufferSize
	}
	return nil
}

// Worker is the configuration of the orchestration worker.
type Worker struct {
	// KubeConfigPath is the orchestrator credential path. Empty means
	// in-cluster credentials.
	KubeConfigPath string `json:"kube_config_path"`

	// RedisAddr, RedisPassword and RedisDB select the key-value store.
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`

	// QueueName is the key-value list drained by the worker.
	QueueName string `json:"queue_name"`

	// StatusCallbackURL receives deployment status updates; empty disables
	// reporting. StatusCallbackToken authenticates the callback.
	StatusCallbackURL   string `json:"status_callback_url"`
	StatusCallbackToken string `json:"status_callback_token"`

	// SweepIntervalSeconds is the crash-loop sweeper scan interval.
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
	// CrashLoopRestartThreshold is the restart count past which a
	// CrashLoopBackOff pod flags its deployment.
	CrashLoopRestartThreshold int `json:"crashloop_restart_threshold"`
}

// CheckAndSetDefaults validates the worker configuration and fills in
// defaults.
func (c *Worker) CheckAndSetDefaults() error {
	if c.RedisAddr == "" {
		return trace.BadParameter("missing redis_addr")
	}
	if c.QueueName == "" {
		c.QueueName = defaults.QueueName
	}
	if c.SweepIntervalSeconds <= 0 {
		c.SweepIntervalSeconds = int(defaults.SweepInterval / time.Second)
	}
	if c.CrashLoopRestartThreshold <= 0 {
		c.CrashLoopRestartThreshold = defaults.CrashLoopRestartThreshold
	}
	return nil
}

// ReadFile decodes the JSON configuration at path into cfg.
func ReadFile(path string, cfg any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return trace.ConvertSystemError(err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return trace.BadParameter("parsing config file %v: %v", path, err)
	}
	return nil
}
