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

package web

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/deployra/deployra-sub000/lib/defaults"
	"github.com/deployra/deployra-sub000/lib/kube"
	"github.com/deployra/deployra-sub000/lib/routing"
)

// errCrashLooping marks a deployment the sweeper parked for repeated
// crashes. The gateway refuses to wake it until the user redeploys.
var errCrashLooping = &trace.LimitExceededError{Message: "deployment is crash-looping"}

// ensureAwake guarantees the backing deployment of a scale-to-zero service
// has a ready replica before the request is proxied. Crash-looping
// deployments are never woken.
func (g *Gateway) ensureAwake(ctx context.Context, entry *routing.WebEntry) error {
	namespace := entry.Namespace
	deployment := entry.ServiceID + defaults.DeploymentSuffix

	looping, err := g.cfg.Store.InCrashLoop(ctx, namespace, deployment)
	if err != nil {
		return trace.Wrap(err)
	}
	if looping {
		return trace.Wrap(errCrashLooping)
	}

	active, known, err := g.cfg.Store.Active(ctx, namespace, deployment)
	if err != nil {
		return trace.Wrap(err)
	}
	if known && active {
		return nil
	}

	ready, err := kube.CheckDeploymentReady(ctx, g.cfg.KubeClient, namespace, deployment)
	if err != nil {
		return trace.Wrap(err)
	}
	if ready {
		return trace.Wrap(g.cfg.Store.SetActive(ctx, namespace, deployment, true))
	}

	g.log.InfoContext(ctx, "Waking deployment.", "deployment", namespace+"/"+deployment)
	wakeupsTotal.Inc()
	if err := kube.ScaleDeployment(ctx, g.cfg.KubeClient, namespace, deployment, 1); err != nil {
		return trace.Wrap(err)
	}
	if err := kube.WaitForRollout(ctx, g.cfg.KubeClient, g.cfg.Clock, namespace, deployment, g.cfg.WakeDeadline, g.cfg.WakePollInterval); err != nil {
		wakeupFailures.Inc()
		return trace.Wrap(err)
	}
	return trace.Wrap(g.cfg.Store.SetActive(ctx, namespace, deployment, true))
}
