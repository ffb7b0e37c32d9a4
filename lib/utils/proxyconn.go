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

package utils

import (
	"context"
	"io"

	"github.com/gravitational/trace"
)

// ProxyConn launches a double-copy loop that proxies traffic between the
// provided client and server connections. The server-to-client direction
// draws its buffer from readPool, the client-to-server direction from
// writePool; the two pools may be the same.
//
// Exits when one or both copies stop, or when the context is canceled, and
// closes both connections. The two directions are independent and unordered
// with respect to each other.
func ProxyConn(ctx context.Context, client, server io.ReadWriteCloser, readPool, writePool *BufferPool) error {
	errCh := make(chan error, 2)

	defer server.Close()
	defer client.Close()

	copyDirection := func(dst io.WriteCloser, src io.ReadCloser, pool *BufferPool) {
		defer server.Close()
		defer client.Close()
		buf := pool.Get()
		defer pool.Put(buf)
		_, err := io.CopyBuffer(dst, src, buf)
		errCh <- err
	}

	go copyDirection(server, client, writePool)
	go copyDirection(client, server, readPool)

	var errors []error
	for range 2 {
		select {
		case err := <-errCh:
			if err != nil && !IsOKNetworkError(err) {
				errors = append(errors, err)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return trace.NewAggregate(errors...)
}
