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

// Package idler implements the scale-to-zero control loop: web services
// that opted in and have gone unaccessed past the idle timeout are scaled
// down until the gateway wakes them again.
package idler

import (
	"context"
	"log/slog"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	kubeerrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/deployra/deployra-sub000"
	"github.com/deployra/deployra-sub000/lib/defaults"
	"github.com/deployra/deployra-sub000/lib/kube"
	"github.com/deployra/deployra-sub000/lib/kv"
)

// Config holds idle scaler parameters.
type Config struct {
	// KubeClient talks to the orchestrator.
	KubeClient kubernetes.Interface
	// Store holds the per-deployment access records.
	Store *kv.Store
	// Clock paces the scan loop.
	Clock clockwork.Clock
	// CheckInterval is how often eligible services are scanned.
	CheckInterval time.Duration
	// IdleTimeout is how long a service may go unaccessed before it is
	// scaled down.
	IdleTimeout time.Duration
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.KubeClient == nil {
		return trace.BadParameter("missing kubernetes client")
	}
	if c.Store == nil {
		return trace.BadParameter("missing kv store")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = defaults.IdleCheckInterval
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaults.IdleTimeout
	}
	return nil
}

// Scaler scales idle services to zero.
type Scaler struct {
	cfg Config
	log *slog.Logger
}

// New returns an idle scaler.
func New(config Config) (*Scaler, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Scaler{
		cfg: config,
		log: slog.With(deployra.ComponentKey, deployra.ComponentIdleScaler),
	}, nil
}

// Run scans on every tick until the context is canceled.
func (s *Scaler) Run(ctx context.Context) error {
	ticker := s.cfg.Clock.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
		}
		if err := s.Scan(ctx); err != nil {
			s.log.ErrorContext(ctx, "Idle scan failed.", "error", err)
		}
	}
}

// Scan performs one pass over scale-to-zero services and parks the idle
// ones.
func (s *Scaler) Scan(ctx context.Context) error {
	selector := deployra.ManagedByLabel + "=" + deployra.ManagedByValue +
		"," + deployra.TypeLabel + "=" + deployra.ServiceTypeWeb +
		"," + deployra.ScaleToZeroLabel + "=true"
	services, err := s.cfg.KubeClient.CoreV1().Services(metav1.NamespaceAll).List(ctx, metav1.ListOptions{
		LabelSelector: selector,
	})
	if err != nil {
		return trace.Wrap(err)
	}

	var errs []error
	for i := range services.Items {
		svc := &services.Items[i]
		serviceID := svc.Labels[deployra.ServiceLabel]
		if serviceID == "" {
			continue
		}
		if err := s.checkService(ctx, svc.Namespace, serviceID); err != nil {
			errs = append(errs, trace.Wrap(err))
		}
	}
	return trace.NewAggregate(errs...)
}

func (s *Scaler) checkService(ctx context.Context, namespace, serviceID string) error {
	deployment := serviceID + defaults.DeploymentSuffix

	last, err := s.cfg.Store.LastAccess(ctx, namespace, deployment)
	if err != nil {
		return trace.Wrap(err)
	}
	// A service that was never accessed is left alone; the first request
	// starts its idle clock.
	if last == 0 {
		return nil
	}
	idle := s.cfg.Clock.Now().Sub(time.Unix(last, 0))
	if idle < s.cfg.IdleTimeout {
		return nil
	}

	// Already parked, nothing to do.
	active, known, err := s.cfg.Store.Active(ctx, namespace, deployment)
	if err != nil {
		return trace.Wrap(err)
	}
	if known && !active {
		return nil
	}

	err = kube.ScaleDeployment(ctx, s.cfg.KubeClient, namespace, deployment, 0)
	if err != nil && !kubeerrors.IsNotFound(err) {
		return trace.Wrap(err)
	}
	if err := s.cfg.Store.SetActive(ctx, namespace, deployment, false); err != nil {
		return trace.Wrap(err)
	}
	s.log.InfoContext(ctx, "Scaled idle service to zero.",
		"namespace", namespace, "deployment", deployment, "idle", idle.Truncate(time.Second).String())
	return nil
}
