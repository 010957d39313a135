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

package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kraklabs/ingestd/pkg/content"
)

// ErrPendingNotFound is returned for unknown confirmation ids.
var ErrPendingNotFound = errors.New("pending confirmation not found")

// Pending is a discovery result waiting for the user to confirm it. The CLI
// keeps it on disk between `ingest` and `confirm`.
type Pending struct {
	ID        string                   `json:"id"`
	URL       string                   `json:"url"`
	Provider  string                   `json:"provider,omitempty"`
	Files     []content.FileDescriptor `json:"files"`
	Options   content.IngestOptions    `json:"options"`
	CreatedAt time.Time                `json:"created_at"`
}

// PendingStore persists pending confirmations as one JSON file each.
type PendingStore struct {
	dir string
}

// NewPendingStore creates a store rooted at dir.
func NewPendingStore(dir string) *PendingStore {
	return &PendingStore{dir: dir}
}

// Save writes p, assigning an id and creation time when missing.
func (s *PendingStore) Save(p *Pending) error {
	if p.ID == "" {
		p.ID = uuid.NewString()[:8]
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return fmt.Errorf("create pending dir: %w", err)
	}

	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal pending: %w", err)
	}

	// Write atomically (temp file + rename)
	path := s.path(p.ID)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write pending temp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename pending: %w", err)
	}
	return nil
}

// Load reads the pending confirmation with the given id.
func (s *PendingStore) Load(id string) (*Pending, error) {
	if id == "" || strings.ContainsAny(id, `/\`) {
		return nil, ErrPendingNotFound
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPendingNotFound
		}
		return nil, fmt.Errorf("read pending: %w", err)
	}
	var p Pending
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse pending %s: %w", id, err)
	}
	return &p, nil
}

// List returns every pending confirmation, newest first. Unreadable entries
// are ignored.
func (s *PendingStore) List() ([]Pending, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Pending
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "pending-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(strings.TrimPrefix(name, "pending-"), ".json")
		p, err := s.Load(id)
		if err != nil {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Clear removes a pending confirmation. Missing entries are not an error.
func (s *PendingStore) Clear(id string) error {
	if err := os.Remove(s.path(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove pending: %w", err)
	}
	return nil
}

func (s *PendingStore) path(id string) string {
	return filepath.Join(s.dir, "pending-"+id+".json")
}
