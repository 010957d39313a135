// Copyright 2025 KrakLabs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published
// by the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// For commercial licensing, contact: licensing@kraklabs.com
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
)

// Probe is one candidate in a FirstSuccess race.
type Probe[T any] func(ctx context.Context) (T, error)

// FirstSuccess runs all probes concurrently and returns the first result
// without an error. The remaining probes see their context cancelled and
// are not waited for. When every probe fails the errors are joined.
func FirstSuccess[T any](ctx context.Context, probes ...Probe[T]) (T, error) {
	var zero T
	if len(probes) == 0 {
		return zero, errors.New("no probes")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	// Buffered so abandoned probes can always deliver and exit.
	results := make(chan result, len(probes))
	for _, probe := range probes {
		go func() {
			v, err := probe(ctx)
			results <- result{v: v, err: err}
		}()
	}

	errs := make([]error, 0, len(probes))
	for range probes {
		select {
		case r := <-results:
			if r.err == nil {
				return r.v, nil
			}
			errs = append(errs, r.err)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
	return zero, errors.Join(errs...)
}
