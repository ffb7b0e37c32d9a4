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

// Package deployra contains constants shared across all deployra components.
package deployra

const (
	// ComponentKey is the log attribute key carrying the component name.
	ComponentKey = "deployra"

	// ComponentWebGateway is the HTTP/HTTPS reverse proxy.
	ComponentWebGateway = "gateway:web"

	// ComponentDBGateway is the MySQL protocol-aware TCP proxy.
	ComponentDBGateway = "gateway:db"

	// ComponentWorker is the queue-driven orchestration worker.
	ComponentWorker = "worker"

	// ComponentIdleScaler is the scale-to-zero control loop.
	ComponentIdleScaler = "idlescaler"

	// ComponentCertManager is the ACME certificate manager.
	ComponentCertManager = "certmanager"

	// ComponentWatcher is the orchestrator informer adapter.
	ComponentWatcher = "watcher"

	// ComponentKV is the shared key-value store client.
	ComponentKV = "kv"

	// ComponentSweeper is the crash-loop pod sweeper.
	ComponentSweeper = "sweeper"
)

const (
	// ManagedByLabel marks orchestrator objects owned by the platform.
	ManagedByLabel = "managedBy"

	// ManagedByValue is the value set on ManagedByLabel.
	ManagedByValue = "deployra"

	// OrganizationLabel carries the owning organization id.
	OrganizationLabel = "organization"

	// ProjectLabel carries the owning project id.
	ProjectLabel = "project"

	// ServiceLabel carries the owning service id.
	ServiceLabel = "service"

	// TypeLabel carries the service type (web, private, mysql, ...).
	TypeLabel = "type"

	// DomainLabelPrefix prefixes the ordered domain labels on web services
	// (domain-0, domain-1, ...).
	DomainLabelPrefix = "domain-"

	// UsernameLabel carries the database username claimed by a database
	// service.
	UsernameLabel = "username-1"

	// ScaleToZeroLabel marks services eligible for scale-to-zero.
	ScaleToZeroLabel = "scaleToZeroEnabled"

	// SystemNamespace holds platform-owned objects such as certificates.
	SystemNamespace = "system-apps"

	// CertificateTypeValue is the TypeLabel value of certificate secrets.
	CertificateTypeValue = "certificate"
)

// Service types understood by the worker and the gateways.
const (
	ServiceTypeWeb        = "web"
	ServiceTypePrivate    = "private"
	ServiceTypeMySQL      = "mysql"
	ServiceTypePostgreSQL = "postgresql"
	ServiceTypeMemory     = "memory"
)
