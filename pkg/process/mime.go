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

package process

import (
	"mime"
	"net/http"
	"strings"

	"github.com/kraklabs/ingestd/pkg/content"
)

// mimeByExt covers the formats the ingestion pipeline sees most often.
// Source files are reported as text so that they are normalized.
var mimeByExt = map[string]string{
	".txt":  "text/plain",
	".md":   "text/markdown",
	".rst":  "text/x-rst",
	".csv":  "text/csv",
	".tsv":  "text/tab-separated-values",
	".html": "text/html",
	".htm":  "text/html",
	".xml":  "application/xml",
	".json": "application/json",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
	".toml": "application/toml",
	".pdf":  "application/pdf",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	".pptx": "application/vnd.openxmlformats-officedocument.presentationml.presentation",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".go":   "text/x-go",
	".py":   "text/x-python",
	".js":   "text/javascript",
	".mjs":  "text/javascript",
	".jsx":  "text/javascript",
	".ts":   "text/x-typescript",
	".tsx":  "text/x-typescript",
	".java": "text/x-java",
	".rs":   "text/x-rust",
	".c":    "text/x-c",
	".h":    "text/x-c",
	".cpp":  "text/x-c++",
	".sh":   "text/x-shellscript",
	".sql":  "application/sql",
}

// DetectMimeType picks the MIME type from, in order, the descriptor's
// mime_type metadata, the extension table, and content sniffing.
func DetectMimeType(fd content.FileDescriptor, raw []byte) string {
	if mt := fd.Meta(content.MetaMimeType); mt != "" {
		if parsed, _, err := mime.ParseMediaType(mt); err == nil {
			return parsed
		}
	}
	if mt, ok := mimeByExt[fd.Extension()]; ok {
		return mt
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(raw))
	return mt
}

// IsText reports whether mimeType carries text that can be normalized.
func IsText(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch mimeType {
	case "application/json", "application/xml", "application/yaml", "application/toml", "application/sql", "application/javascript":
		return true
	}
	return false
}
