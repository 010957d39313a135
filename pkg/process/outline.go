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
	"context"
	"fmt"
	"path"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// =============================================================================
// SYMBOL OUTLINE
// =============================================================================

// grammar pairs a Tree-sitter language with the node types that declare a
// top-level symbol in it.
type grammar struct {
	lang  *sitter.Language
	decls map[string]bool
}

var (
	goGrammar = &grammar{
		lang: golang.GetLanguage(),
		decls: map[string]bool{
			"function_declaration": true,
			"method_declaration":   true,
			"type_declaration":     true,
		},
	}
	pythonGrammar = &grammar{
		lang: python.GetLanguage(),
		decls: map[string]bool{
			"function_definition":  true,
			"class_definition":     true,
			"decorated_definition": true,
		},
	}
	jsDecls = map[string]bool{
		"function_declaration":           true,
		"generator_function_declaration": true,
		"class_declaration":              true,
		"lexical_declaration":            true,
		"variable_declaration":           true,
		"export_statement":               true,
	}
	tsDecls = mergeDecls(jsDecls, map[string]bool{
		"abstract_class_declaration": true,
		"interface_declaration":      true,
		"type_alias_declaration":     true,
		"enum_declaration":           true,
		"function_signature":         true,
	})
	jsGrammar  = &grammar{lang: javascript.GetLanguage(), decls: jsDecls}
	tsGrammar  = &grammar{lang: typescript.GetLanguage(), decls: tsDecls}
	tsxGrammar = &grammar{lang: tsx.GetLanguage(), decls: tsDecls}
)

func mergeDecls(a, b map[string]bool) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func grammarFor(filename string) *grammar {
	switch strings.ToLower(path.Ext(filename)) {
	case ".go":
		return goGrammar
	case ".py":
		return pythonGrammar
	case ".js", ".jsx", ".mjs":
		return jsGrammar
	case ".ts":
		return tsGrammar
	case ".tsx":
		return tsxGrammar
	}
	return nil
}

// symbols parses src and lists top-level declarations in source order.
// A sitter.Parser is not safe for concurrent use, so each call owns one.
func (g *grammar) symbols(ctx context.Context, src []byte) ([]string, error) {
	parser := sitter.NewParser()
	defer parser.Close()
	parser.SetLanguage(g.lang)

	tree, err := parser.ParseCtx(ctx, nil, src)
	if err != nil {
		return nil, fmt.Errorf("tree-sitter parse: %w", err)
	}
	defer tree.Close()

	root := tree.RootNode()
	var out []string
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		if g.decls[child.Type()] {
			out = append(out, declNames(child, src)...)
		}
	}
	return out, nil
}

// declNames extracts the declared names of one top-level node.
func declNames(node *sitter.Node, src []byte) []string {
	switch node.Type() {
	case "type_declaration":
		// type ( A struct{}; B int )
		var names []string
		for i := 0; i < int(node.NamedChildCount()); i++ {
			if n := nameOf(node.NamedChild(i), src); n != "" {
				names = append(names, n)
			}
		}
		return names

	case "decorated_definition":
		if def := node.ChildByFieldName("definition"); def != nil {
			return declNames(def, src)
		}
		return nil

	case "export_statement":
		if decl := node.ChildByFieldName("declaration"); decl != nil {
			return declNames(decl, src)
		}
		return nil

	case "lexical_declaration", "variable_declaration":
		// Only bindings of functions count as symbols.
		var names []string
		for i := 0; i < int(node.NamedChildCount()); i++ {
			d := node.NamedChild(i)
			if d.Type() != "variable_declarator" {
				continue
			}
			value := d.ChildByFieldName("value")
			if value == nil {
				continue
			}
			switch value.Type() {
			case "arrow_function", "function", "function_expression", "class":
				if n := nameOf(d, src); n != "" {
					names = append(names, n)
				}
			}
		}
		return names
	}

	if n := nameOf(node, src); n != "" {
		return []string{n}
	}
	return nil
}

func nameOf(node *sitter.Node, src []byte) string {
	if node == nil {
		return ""
	}
	name := node.ChildByFieldName("name")
	if name == nil {
		return ""
	}
	return name.Content(src)
}
