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

package content

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFileDescriptor_CloneIsDeep(t *testing.T) {
	now := time.Now()
	fd := FileDescriptor{
		URL:          "https://example.com/a.txt",
		Filename:     "a.txt",
		Size:         SizeOf(10),
		LastModified: &now,
		Metadata:     map[string]string{MetaProvider: "http"},
	}

	cp := fd.Clone()
	*cp.Size = 99
	cp.Metadata[MetaProvider] = "changed"

	assert.Equal(t, int64(10), *fd.Size)
	assert.Equal(t, "http", fd.Metadata[MetaProvider])
	assert.Equal(t, fd.URL, cp.URL)
}

func TestFileDescriptor_Extension(t *testing.T) {
	tests := []struct {
		name string
		fd   FileDescriptor
		want string
	}{
		{"from filename", FileDescriptor{Filename: "Main.GO"}, ".go"},
		{"metadata wins", FileDescriptor{Filename: "doc", Metadata: map[string]string{MetaExtension: ".PDF"}}, ".pdf"},
		{"none", FileDescriptor{Filename: "Makefile"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.fd.Extension())
		})
	}
}

func TestFileDescriptor_RelativePath(t *testing.T) {
	assert.Equal(t, "a.txt", FileDescriptor{Filename: "a.txt"}.RelativePath())
	assert.Equal(t, "docs/x/a.txt", FileDescriptor{Filename: "a.txt", ParentPath: "docs/x"}.RelativePath())
}

func TestDiscoveryOptions_WithDefaults(t *testing.T) {
	o := DiscoveryOptions{}.WithDefaults()
	assert.Equal(t, DefaultMaxDepth, o.MaxDepth)
	assert.Equal(t, DefaultMaxFiles, o.MaxFiles)

	o = DiscoveryOptions{MaxDepth: 3, MaxFiles: 5}.WithDefaults()
	assert.Equal(t, 3, o.MaxDepth)
	assert.Equal(t, 5, o.MaxFiles)

	o = DiscoveryOptions{MaxDepth: 7, NoRecurse: true}.WithDefaults()
	assert.Equal(t, 1, o.MaxDepth)
}

func TestMatchExtension(t *testing.T) {
	list := []string{".md", "TXT", "go"}
	assert.True(t, MatchExtension(list, ".md"))
	assert.True(t, MatchExtension(list, "txt"))
	assert.True(t, MatchExtension(list, ".GO"))
	assert.False(t, MatchExtension(list, ".py"))
	assert.False(t, MatchExtension(list, ""))

	assert.True(t, DiscoveryOptions{}.AllowsExtension(".anything"))
	assert.False(t, DiscoveryOptions{Extensions: list}.AllowsExtension(".pdf"))
}

func TestTimeOf(t *testing.T) {
	assert.Nil(t, TimeOf(time.Time{}))
	now := time.Now()
	assert.Equal(t, now, *TimeOf(now))
}
