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

package certmgr

import (
	"regexp"
	"strings"
	"time"

	"github.com/deployra/deployra-sub000/lib/defaults"
)

const rateLimitedURN = "urn:ietf:params:acme:error:rateLimited"

// retryAfterPattern extracts the timestamp Let's Encrypt embeds in rate
// limit problem details, e.g. "retry after 2026-01-02 15:04:05 UTC".
var retryAfterPattern = regexp.MustCompile(`retry after ([0-9]{4}-[0-9]{2}-[0-9]{2}[T ][0-9]{2}:[0-9]{2}:[0-9]{2}(?:Z|[+-][0-9]{2}:[0-9]{2}| [A-Z]{3,4})?)`)

// IsRateLimitError reports whether the issuance failure is an ACME rate
// limit rejection.
func IsRateLimitError(err error) bool {
	return err != nil && strings.Contains(err.Error(), rateLimitedURN)
}

// RetryAfter extracts the earliest retry time from a rate limit error. When
// the error carries no parseable timestamp the cooldown falls back to one
// hour from now.
func RetryAfter(err error, now time.Time) time.Time {
	fallback := now.Add(defaults.ACMECooldown)
	if err == nil {
		return fallback
	}
	match := retryAfterPattern.FindStringSubmatch(err.Error())
	if match == nil {
		return fallback
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02 15:04:05 MST",
		"2006-01-02 15:04:05",
	} {
		if ts, parseErr := time.Parse(layout, match[1]); parseErr == nil {
			return ts
		}
	}
	return fallback
}
