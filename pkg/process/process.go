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

// Package process turns fetched bytes into a storable document: it detects
// the MIME type, normalizes text and, for source files, attaches a symbol
// outline extracted with Tree-sitter.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kraklabs/ingestd/pkg/content"
)

// DefaultMaxContentBytes bounds a single document.
const DefaultMaxContentBytes = 50 << 20

// Metadata keys added by the processor.
const (
	MetaSymbols     = "symbols"
	MetaSymbolCount = "symbol_count"
)

var (
	// ErrEmptyContent is returned for zero-length files.
	ErrEmptyContent = errors.New("file has no content")

	// ErrTooLarge is returned when content exceeds MaxContentBytes.
	ErrTooLarge = errors.New("file exceeds maximum content size")
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Document is the processed form of one file.
type Document struct {
	Content  []byte
	MimeType string
	Metadata map[string]string
}

// Config configures a Processor.
type Config struct {
	// MaxContentBytes defaults to DefaultMaxContentBytes.
	MaxContentBytes int64

	// DisableOutline skips Tree-sitter parsing.
	DisableOutline bool

	// MaxSymbols caps the outline. 0 selects 50.
	MaxSymbols int
}

// Processor is safe for concurrent use.
type Processor struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Processor.
func New(cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = DefaultMaxContentBytes
	}
	if cfg.MaxSymbols <= 0 {
		cfg.MaxSymbols = 50
	}
	return &Processor{cfg: cfg, logger: logger}
}

// MaxContentBytes is the configured content bound, for callers that limit
// their reads.
func (p *Processor) MaxContentBytes() int64 { return p.cfg.MaxContentBytes }

// Process builds a Document from raw file bytes. Metadata from the
// descriptor is carried over and extended.
func (p *Processor) Process(ctx context.Context, fd content.FileDescriptor, raw []byte) (*Document, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyContent
	}
	if int64(len(raw)) > p.cfg.MaxContentBytes {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrTooLarge, len(raw), p.cfg.MaxContentBytes)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mimeType := DetectMimeType(fd, raw)
	meta := make(map[string]string, len(fd.Metadata)+3)
	for k, v := range fd.Metadata {
		meta[k] = v
	}
	meta[content.MetaMimeType] = mimeType

	body := raw
	if IsText(mimeType) {
		body = normalizeText(raw)
	}

	if lang := content.LanguageForPath(fd.Filename); lang != "" {
		meta[content.MetaLanguage] = lang
	}
	if !p.cfg.DisableOutline {
		if symbols, ok := p.outline(ctx, fd, body); ok {
			meta[MetaSymbolCount] = fmt.Sprint(len(symbols))
			if len(symbols) > p.cfg.MaxSymbols {
				symbols = symbols[:p.cfg.MaxSymbols]
			}
			meta[MetaSymbols] = strings.Join(symbols, ",")
		}
	}

	return &Document{Content: body, MimeType: mimeType, Metadata: meta}, nil
}

func (p *Processor) outline(ctx context.Context, fd content.FileDescriptor, body []byte) ([]string, bool) {
	grammar := grammarFor(fd.Filename)
	if grammar == nil {
		return nil, false
	}
	symbols, err := grammar.symbols(ctx, body)
	if err != nil {
		p.logger.Debug("process.outline.parse_error", "file", fd.RelativePath(), "err", err)
		return nil, false
	}
	return symbols, true
}

// normalizeText strips a UTF-8 BOM and converts CRLF line endings to LF.
func normalizeText(b []byte) []byte {
	b = bytes.TrimPrefix(b, utf8BOM)
	if bytes.IndexByte(b, '\r') < 0 {
		return b
	}
	return bytes.ReplaceAll(b, []byte("\r\n"), []byte("\n"))
}
