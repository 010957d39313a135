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
	"fmt"
	"io"
	"sync"

	"github.com/kraklabs/ingestd/pkg/content"
)

// Registry holds providers in registration order. Get returns the first
// provider that claims a URL, so specific providers must be registered
// before generic fallbacks.
type Registry struct {
	mu        sync.RWMutex
	providers []Provider
}

// NewRegistry creates a registry with the given providers, in order.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{}
	for _, p := range providers {
		r.Register(p)
	}
	return r
}

// Register appends p to the lookup order.
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	r.providers = append(r.providers, p)
	r.mu.Unlock()
}

// Get returns the first provider claiming rawURL or a *NoProviderError.
func (r *Registry) Get(rawURL string) (Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Claims(rawURL) {
			return p, nil
		}
	}
	return nil, &NoProviderError{URL: rawURL}
}

// Lookup returns the provider registered under name.
func (r *Registry) Lookup(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.providers {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// Providers returns a copy of the registered providers in order.
func (r *Registry) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Provider(nil), r.providers...)
}

// Fetch downloads fd through the provider that discovered it, falling back
// to URL claiming for descriptors without a provider tag.
func (r *Registry) Fetch(ctx context.Context, fd content.FileDescriptor) (io.ReadCloser, error) {
	var p Provider
	if name := fd.Meta(content.MetaProvider); name != "" {
		p, _ = r.Lookup(name)
	}
	if p == nil {
		var err error
		if p, err = r.Get(fd.URL); err != nil {
			return nil, err
		}
	}
	f, ok := p.(Fetcher)
	if !ok {
		return nil, fmt.Errorf("provider %s cannot fetch content", p.Name())
	}
	return f.Fetch(ctx, fd)
}
