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
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// accessWriter serializes access log lines from concurrent requests.
type accessWriter struct {
	mu  sync.Mutex
	out io.Writer
}

// recorder captures the response status and size for the access log while
// delegating everything, including hijacks for upgraded connections, to the
// wrapped writer.
type recorder struct {
	http.ResponseWriter
	status int
	bytes  int64
	// upstream tags the line with the proxied backend address, or a
	// failure marker such as dns-fail.
	upstream string
}

func newRecorder(w http.ResponseWriter) *recorder {
	return &recorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *recorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *recorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach Hijack and Flush on the
// underlying writer during websocket upgrades.
func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// clientIP returns the originating client address, trusting proxy headers
// in the order X-Forwarded-For, X-Real-IP, then the socket peer.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if first, _, found := strings.Cut(fwd, ","); found || first != "" {
			return strings.TrimSpace(first)
		}
	}
	if real := r.Header.Get("X-Real-Ip"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// logAccess writes one nginx-style line per completed request.
func (w *accessWriter) logAccess(r *http.Request, rec *recorder, now time.Time, elapsed time.Duration) {
	referer := r.Referer()
	if referer == "" {
		referer = "-"
	}
	agent := r.UserAgent()
	if agent == "" {
		agent = "-"
	}
	upstream := rec.upstream
	if upstream == "" {
		upstream = "-"
	}
	line := fmt.Sprintf("%s - - [%s] \"%s %s %s\" %d %d \"%s\" \"%s\" %.3fms upstream=%s\n",
		clientIP(r),
		now.Format("02/Jan/2006:15:04:05 -0700"),
		r.Method,
		r.URL.RequestURI(),
		r.Proto,
		rec.status,
		rec.bytes,
		referer,
		agent,
		float64(elapsed.Microseconds())/1000,
		upstream,
	)

	w.mu.Lock()
	defer w.mu.Unlock()
	io.WriteString(w.out, line)
}
