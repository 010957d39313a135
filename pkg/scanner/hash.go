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

package scanner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
)

// hashSlot holds the digest of one candidate. done is closed once hash or
// err is set.
type hashSlot struct {
	hash string
	err  error
	done chan struct{}
}

// hashAndDedup hashes candidates on a bounded pool while accepting them in
// traversal order as soon as each slot is ready. Acceptance order, not
// completion order, decides which duplicate wins.
func (s *Scanner) hashAndDedup(ctx context.Context, cands []candidate, stats *walkStats, accept func(candidate, string)) error {
	slots := make([]hashSlot, len(cands))
	for i := range slots {
		slots[i].done = make(chan struct{})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)

	launched := make(chan struct{})
	go func() {
		defer close(launched)
		for i := range cands {
			g.Go(func() error {
				defer close(slots[i].done)
				if err := gctx.Err(); err != nil {
					slots[i].err = err
					return err
				}
				slots[i].hash, slots[i].err = HashFile(s.fs, cands[i].abs)
				return nil
			})
		}
	}()

	wait := func() error {
		<-launched
		return g.Wait()
	}

	seen := make(map[string]string, len(cands))
	for i, c := range cands {
		select {
		case <-slots[i].done:
		case <-ctx.Done():
			_ = wait()
			return ctx.Err()
		}

		if err := slots[i].err; err != nil {
			if ctx.Err() != nil {
				_ = wait()
				return ctx.Err()
			}
			s.logger.Warn("scanner.hash.error", "path", c.rel, "err", err)
			stats.skipReasons[SkipUnreadable]++
			continue
		}

		if first, dup := seen[slots[i].hash]; dup {
			s.logger.Debug("scanner.dedup.skip", "path", c.rel, "duplicate_of", first)
			stats.skipReasons[SkipDuplicate]++
			continue
		}
		seen[slots[i].hash] = c.rel
		accept(c, slots[i].hash)
	}

	return wait()
}

// HashFile returns the hex SHA-256 of a file's full content.
func HashFile(fsys afero.Fs, name string) (string, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	defer func() { _ = f.Close() }()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
