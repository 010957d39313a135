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
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/html"
)

// listingEntry is one child of a remote directory.
type listingEntry struct {
	Name    string
	URL     string
	IsDir   bool
	Size    *int64
	ModTime *time.Time
}

// manifestItem matches both the index.json manifest and nginx's
// autoindex_format json output.
type manifestItem struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Size  *int64 `json:"size"`
	MTime string `json:"mtime"`
}

var mtimeLayouts = []string{time.RFC1123, time.RFC3339, "2006-01-02 15:04:05", time.RFC1123Z}

func parseMTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range mtimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

// parseJSONListing decodes a manifest body relative to dir.
func parseJSONListing(dir *url.URL, r io.Reader) ([]listingEntry, error) {
	var items []manifestItem
	if err := json.NewDecoder(io.LimitReader(r, maxListingBytes)).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	entries := make([]listingEntry, 0, len(items))
	for _, it := range items {
		name := strings.Trim(it.Name, "/")
		if name == "" || name == "." || name == ".." || strings.Contains(name, "/") {
			continue
		}
		isDir := it.Type == "directory" || it.Type == "dir" || it.Type == "folder" || strings.HasSuffix(it.Name, "/")
		child := &url.URL{Path: name}
		if isDir {
			child.Path += "/"
		}
		entries = append(entries, listingEntry{
			Name:    name,
			URL:     dir.ResolveReference(child).String(),
			IsDir:   isDir,
			Size:    it.Size,
			ModTime: parseMTime(it.MTime),
		})
	}
	return entries, nil
}

// parseHTMLListing extracts the direct children of dir from an autoindex
// style HTML page. Links leaving dir, sort links and fragments are ignored.
func parseHTMLListing(dir *url.URL, r io.Reader) ([]listingEntry, error) {
	z := html.NewTokenizer(io.LimitReader(r, maxListingBytes))
	seen := make(map[string]bool)
	var entries []listingEntry

	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
				return entries, nil
			}
			return nil, fmt.Errorf("parse listing: %w", z.Err())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if string(name) != "a" || !hasAttr {
				continue
			}
			for {
				key, val, more := z.TagAttr()
				if string(key) == "href" {
					if e, ok := childEntry(dir, string(val)); ok && !seen[e.Name] {
						seen[e.Name] = true
						entries = append(entries, e)
					}
				}
				if !more {
					break
				}
			}
		}
	}
}

func childEntry(dir *url.URL, href string) (listingEntry, bool) {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
		return listingEntry{}, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return listingEntry{}, false
	}
	abs := dir.ResolveReference(ref)
	if abs.Host != dir.Host || abs.Scheme != dir.Scheme {
		return listingEntry{}, false
	}
	if !strings.HasPrefix(abs.Path, dir.Path) {
		return listingEntry{}, false
	}
	rest := strings.TrimPrefix(abs.Path, dir.Path)
	isDir := strings.HasSuffix(rest, "/")
	rest = strings.TrimSuffix(rest, "/")
	if rest == "" || rest == "." || rest == ".." || strings.Contains(rest, "/") {
		return listingEntry{}, false
	}
	abs.RawQuery = ""
	abs.Fragment = ""
	return listingEntry{Name: rest, URL: abs.String(), IsDir: isDir}, true
}

func isJSONResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "json")
}

func isHTMLResponse(resp *http.Response) bool {
	return strings.Contains(resp.Header.Get("Content-Type"), "text/html")
}
