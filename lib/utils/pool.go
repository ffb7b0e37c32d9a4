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

import "sync"

// BufferPool is a free-list of equally sized byte slices used by the
// connection splice loops to avoid per-connection allocations.
type BufferPool struct {
	pool sync.Pool
	size int
}

// NewBufferPool returns a pool handing out slices of the given size.
func NewBufferPool(size int) *BufferPool {
	return &BufferPool{
		size: size,
		pool: sync.Pool{
			New: func() any {
				return make([]byte, size)
			},
		},
	}
}

// Get returns a slice large enough for the configured read buffer.
func (p *BufferPool) Get() []byte {
	return p.pool.Get().([]byte)
}

// Put returns the slice to the pool.
func (p *BufferPool) Put(b []byte) {
	if cap(b) < p.size {
		return
	}
	p.pool.Put(b[:p.size]) //nolint:staticcheck // slices are size-homogeneous
}

// Size returns the unit size of pooled buffers.
func (p *BufferPool) Size() int {
	return p.size
}
