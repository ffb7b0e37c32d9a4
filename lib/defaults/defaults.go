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

// Package defaults contains default constants set in various parts of the
// deployra codebase.
package defaults

import "time"

const (
	// HTTPListenAddr is the default plaintext listener of the web gateway.
	HTTPListenAddr = ":80"

	// HTTPSListenAddr is the default TLS listener of the web gateway.
	HTTPSListenAddr = ":443"

	// DBListenAddr is the default listener of the database gateway.
	DBListenAddr = ":3306"

	// ClusterDomainSuffix is appended to <service>.<namespace> when
	// resolving in-cluster service names.
	ClusterDomainSuffix = "svc.cluster.local"

	// WakeDeadline bounds how long a request waits for a scaled-to-zero
	// deployment to become ready before giving up with a 503.
	WakeDeadline = 30 * time.Second

	// WakePollInterval is how often readiness is re-checked while waking a
	// deployment.
	WakePollInterval = time.Second

	// DNSCacheTTL is the lifetime of a cached DNS resolution.
	DNSCacheTTL = 5 * time.Minute

	// DNSCacheSweepInterval is how often expired DNS entries are swept.
	DNSCacheSweepInterval = DNSCacheTTL / 2

	// CertRenewalWindow is how long before expiry a certificate stops being
	// served and gets renewed. The comparison is strict: a certificate whose
	// remaining lifetime equals the window is already invalid.
	CertRenewalWindow = 30 * 24 * time.Hour

	// CertKVTTL is the lifetime of the key-value mirror of certificate
	// material. The orchestrator secret remains authoritative.
	CertKVTTL = 85 * 24 * time.Hour

	// CertRenewalInterval is how often the renewal scan runs.
	CertRenewalInterval = 24 * time.Hour

	// ACMECooldown is the fallback cooldown applied when a rate-limit
	// response carries no usable retry hint.
	ACMECooldown = time.Hour

	// FlagTTL is the lifetime of the cached activation and crash-loop
	// records in the key-value store.
	FlagTTL = 24 * time.Hour

	// DBDialTimeout bounds dialing the database backend.
	DBDialTimeout = time.Second

	// DBHandshakeTimeout bounds each read of the client and backend
	// handshake packets.
	DBHandshakeTimeout = 5 * time.Second

	// DBMaxConnections caps concurrent database gateway connections.
	DBMaxConnections = 500

	// BufferSize is the unit size of the splice buffer pool.
	BufferSize = 64 * 1024

	// DBShutdownTimeout is how long the database gateway waits for live
	// connections to drain after cancellation.
	DBShutdownTimeout = 10 * time.Second

	// WebShutdownTimeout is how long the web gateway waits for in-flight
	// requests to drain after cancellation.
	WebShutdownTimeout = 30 * time.Second

	// ProxyReadTimeout and ProxyWriteTimeout apply to ordinary proxied
	// requests.
	ProxyReadTimeout  = 60 * time.Second
	ProxyWriteTimeout = 60 * time.Second

	// WebSocketTimeout applies to both directions of an upgraded
	// connection. Long-lived sockets stay open for an hour without traffic
	// before the transport gives up.
	WebSocketTimeout = 3600 * time.Second

	// ReadinessDeadline bounds the wait for a deployment rollout in the
	// worker.
	ReadinessDeadline = 2 * time.Minute

	// ReadinessPollInterval is how often rollout status is re-checked.
	ReadinessPollInterval = 2 * time.Second

	// QueuePopTimeout is the blocking timeout of a single queue pop.
	QueuePopTimeout = time.Second

	// QueueRetryDelay is slept after a handler failure before the consumer
	// loop continues.
	QueueRetryDelay = time.Second

	// IdleTimeout is how long a scale-to-zero service may go without
	// traffic before it is scaled down.
	IdleTimeout = 10 * time.Minute

	// IdleCheckInterval is how often the idle scaler scans services.
	IdleCheckInterval = 60 * time.Second

	// SweepInterval is how often the crash-loop sweeper scans pods.
	SweepInterval = 5 * time.Minute

	// CrashLoopRestartThreshold is the restart count past which a
	// CrashLoopBackOff pod flags its deployment.
	CrashLoopRestartThreshold = 3

	// ServicePort and ContainerPort form the default port mapping of web
	// services that declare none.
	ServicePort   = 80
	ContainerPort = 3000

	// QueueName is the key-value list the worker drains.
	QueueName = "deployra:queue"
)

// Name suffixes of orchestrator objects derived from a service id.
const (
	DeploymentSuffix = "-deployment"
	ServiceSuffix    = "-service"
	HPASuffix        = "-hpa"
	PVCSuffix        = "-pvc"
	PullSecretSuffix = "-container-registry-secret"
	EnvSecretSuffix  = "-env-secret"
)

// Key prefixes in the shared key-value store.
const (
	KVAccessPrefix    = "service:access:"
	KVStatusPrefix    = "deployment:status:"
	KVCrashLoopPrefix = "deployment:crashloop:"
	KVCertPrefix      = "cert:"
)

// Fixed images of the platform-managed database engines.
const (
	MySQLImage    = "mysql:8.0"
	PostgresImage = "postgres:16"
	MemoryImage   = "redis:7.2"
)
