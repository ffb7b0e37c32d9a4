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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "deployra",
		Subsystem: "gateway",
		Name:      "requests_total",
		Help:      "Proxied requests by response code.",
	}, []string{"code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "deployra",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "End-to-end request latency including wake-up.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 2, 14),
	})

	wakeupsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deployra",
		Subsystem: "gateway",
		Name:      "wakeups_total",
		Help:      "Scale-to-zero deployments woken by a request.",
	})

	wakeupFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "deployra",
		Subsystem: "gateway",
		Name:      "wakeup_failures_total",
		Help:      "Wake-ups that did not reach readiness before the deadline.",
	})
)
