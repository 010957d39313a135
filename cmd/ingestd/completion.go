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

package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ingestd/internal/errors"
)

type completionFlag struct {
	name string
	desc string
	arg  bool // takes a value
}

type completionCommand struct {
	name  string
	desc  string
	flags []completionFlag
}

var (
	outputFlags = []completionFlag{
		{name: "json", desc: "Output as JSON"},
		{name: "quiet", desc: "Suppress progress and informational output"},
		{name: "no-color", desc: "Disable colored output"},
		{name: "debug", desc: "Enable debug logging"},
	}
	scanCompletionFlags = []completionFlag{
		{name: "ext", desc: "Only include these extensions", arg: true},
		{name: "ignore", desc: "Extra ignore pattern", arg: true},
		{name: "max-size", desc: "Maximum file size in bytes", arg: true},
		{name: "max-depth", desc: "Maximum directory depth", arg: true},
		{name: "follow-symlinks", desc: "Follow symbolic links"},
		{name: "no-hash", desc: "Skip content hashing"},
	}
	jobCompletionFlags = []completionFlag{
		{name: "label", desc: "Label for stored documents", arg: true},
		{name: "session", desc: "Session id", arg: true},
		{name: "user", desc: "User id", arg: true},
		{name: "concurrency", desc: "Files processed in parallel", arg: true},
		{name: "file-timeout", desc: "Per-file timeout", arg: true},
		{name: "dry-run", desc: "Process without storing"},
		{name: "events", desc: "Stream job events as JSON lines"},
	}
)

// completionCommands mirrors the dispatch table in main.
var completionCommands = []completionCommand{
	{name: "init", desc: "Create the data directory and config file", flags: join(
		[]completionFlag{{name: "storage-url", desc: "Storage service URL", arg: true}, {name: "memory", desc: "Keep documents in memory"}},
		outputFlags)},
	{name: "scan", desc: "List the files a local ingestion would take", flags: join(
		scanCompletionFlags, []completionFlag{{name: "files", desc: "Print every accepted file"}}, outputFlags)},
	{name: "estimate", desc: "Estimate processing time for a local tree", flags: join(scanCompletionFlags, outputFlags)},
	{name: "ingest", desc: "Ingest a local directory or a URL", flags: join(
		[]completionFlag{{name: "yes", desc: "Skip the confirmation step"}, {name: "max-files", desc: "Remote discovery file limit", arg: true}},
		jobCompletionFlags, scanCompletionFlags, outputFlags)},
	{name: "confirm", desc: "Confirm a pending ingestion", flags: join(
		[]completionFlag{{name: "discard", desc: "Delete the pending confirmation"}, {name: "events", desc: "Stream job events as JSON lines"}},
		outputFlags)},
	{name: "status", desc: "Show the state of a job", flags: join(
		[]completionFlag{{name: "files", desc: "Print every file outcome"}}, outputFlags)},
	{name: "cancel", desc: "Cancel a job", flags: outputFlags},
	{name: "jobs", desc: "List recent jobs and pending confirmations", flags: join(
		[]completionFlag{{name: "limit", desc: "Number of jobs to show", arg: true}, {name: "prune", desc: "Delete expired jobs first"}},
		outputFlags)},
	{name: "serve", desc: "Run the HTTP and WebSocket API", flags: []completionFlag{
		{name: "addr", desc: "Listen address", arg: true},
		{name: "origin", desc: "Allowed browser origin", arg: true},
		{name: "debug", desc: "Enable debug logging"},
		{name: "no-color", desc: "Disable colored output"},
	}},
	{name: "completion", desc: "Generate shell completion script"},
}

var globalCompletionFlags = []completionFlag{
	{name: "version", desc: "Show version and exit"},
	{name: "config", desc: "Path to config file", arg: true},
	{name: "quiet", desc: "Suppress progress and informational output"},
	{name: "json", desc: "Output as JSON"},
	{name: "no-color", desc: "Disable colored output"},
	{name: "debug", desc: "Enable debug logging"},
}

func join(groups ...[]completionFlag) []completionFlag {
	var out []completionFlag
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

func flagWords(flags []completionFlag) string {
	words := make([]string, len(flags))
	for i, f := range flags {
		words[i] = "--" + f.name
	}
	return strings.Join(words, " ")
}

func commandNames() string {
	names := make([]string, len(completionCommands))
	for i, c := range completionCommands {
		names[i] = c.name
	}
	return strings.Join(names, " ")
}

func writeBashCompletion(w io.Writer) {
	fmt.Fprintf(w, `#!/bin/bash

# Bash completion script for ingestd
# Installation:
#   source <(ingestd completion bash)

_ingestd_completion() {
    local cur="${COMP_WORDS[COMP_CWORD]}"

    if [ $COMP_CWORD -eq 1 ]; then
        if [[ ${cur} == -* ]] ; then
            COMPREPLY=( $(compgen -W "%s" -- ${cur}) )
        else
            COMPREPLY=( $(compgen -W "%s" -- ${cur}) )
        fi
        return 0
    fi

    case "${COMP_WORDS[1]}" in
`, flagWords(globalCompletionFlags), commandNames())

	for _, c := range completionCommands {
		if c.name == "completion" {
			fmt.Fprintf(w, "        completion)\n            COMPREPLY=( $(compgen -W \"bash zsh fish\" -- ${cur}) )\n            ;;\n")
			continue
		}
		fmt.Fprintf(w, "        %s)\n", c.name)
		fmt.Fprintf(w, "            if [[ ${cur} == -* ]] ; then\n")
		fmt.Fprintf(w, "                COMPREPLY=( $(compgen -W \"%s\" -- ${cur}) )\n", flagWords(c.flags))
		switch c.name {
		case "scan", "estimate", "ingest":
			fmt.Fprintf(w, "            else\n                COMPREPLY=( $(compgen -d -- ${cur}) )\n")
		}
		fmt.Fprintf(w, "            fi\n            ;;\n")
	}

	fmt.Fprint(w, `    esac
}

complete -F _ingestd_completion ingestd
`)
}

func writeZshCompletion(w io.Writer) {
	fmt.Fprint(w, `#compdef ingestd

# Zsh completion script for ingestd
# Installation:
#   ingestd completion zsh > "${fpath[1]}/_ingestd"

_ingestd() {
    local -a commands
    commands=(
`)
	for _, c := range completionCommands {
		fmt.Fprintf(w, "        '%s:%s'\n", c.name, c.desc)
	}
	fmt.Fprint(w, `    )

    _arguments -C \
`)
	for _, f := range globalCompletionFlags {
		fmt.Fprintf(w, "        '%s' \\\n", zshSpec(f))
	}
	fmt.Fprint(w, `        '1: :->command' \
        '*:: :->args'

    case $state in
        command)
            _describe 'command' commands
            ;;
        args)
            case $words[1] in
`)
	for _, c := range completionCommands {
		fmt.Fprintf(w, "                %s)\n                    _arguments", c.name)
		for _, f := range c.flags {
			fmt.Fprintf(w, " \\\n                        '%s'", zshSpec(f))
		}
		switch c.name {
		case "scan", "estimate", "ingest":
			fmt.Fprint(w, " \\\n                        '1:source:_files -/'")
		case "completion":
			fmt.Fprint(w, " \\\n                        '1:shell:(bash zsh fish)'")
		}
		fmt.Fprint(w, "\n                    ;;\n")
	}
	fmt.Fprint(w, `            esac
            ;;
    esac
}

_ingestd
`)
}

func zshSpec(f completionFlag) string {
	if f.arg {
		return fmt.Sprintf("--%s[%s]:%s:", f.name, f.desc, f.name)
	}
	return fmt.Sprintf("--%s[%s]", f.name, f.desc)
}

func writeFishCompletion(w io.Writer) {
	fmt.Fprint(w, `# Fish completion script for ingestd
# Installation:
#   ingestd completion fish > ~/.config/fish/completions/ingestd.fish

`)
	for _, c := range completionCommands {
		fmt.Fprintf(w, "complete -c ingestd -f -n \"__fish_use_subcommand\" -a %q -d %q\n", c.name, c.desc)
	}
	fmt.Fprintln(w)
	for _, f := range globalCompletionFlags {
		fmt.Fprintf(w, "complete -c ingestd -n \"__fish_use_subcommand\" -l %s -d %q%s\n", f.name, f.desc, fishRequires(f))
	}
	for _, c := range completionCommands {
		if len(c.flags) == 0 {
			continue
		}
		fmt.Fprintf(w, "\n# %s\n", c.name)
		for _, f := range c.flags {
			fmt.Fprintf(w, "complete -c ingestd -n \"__fish_seen_subcommand_from %s\" -l %s -d %q%s\n", c.name, f.name, f.desc, fishRequires(f))
		}
	}
	fmt.Fprint(w, `
complete -c ingestd -n "__fish_seen_subcommand_from completion" -f -a "bash zsh fish"
`)
}

func fishRequires(f completionFlag) string {
	if f.arg {
		return " -r"
	}
	return ""
}

// runCompletion executes the 'completion' CLI command, writing a completion
// script for bash, zsh or fish to stdout.
//
// Examples:
//
//	source <(ingestd completion bash)
//	ingestd completion zsh > "${fpath[1]}/_ingestd"
//	ingestd completion fish | source
func runCompletion(args []string, globals *GlobalFlags) {
	fs := flag.NewFlagSet("completion", flag.ExitOnError)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ingestd completion <shell>

Description:
  Generate shell completion scripts for bash, zsh, or fish.

Examples:
  source <(ingestd completion bash)
  ingestd completion zsh > "${fpath[1]}/_ingestd"
  ingestd completion fish > ~/.config/fish/completions/ingestd.fish

`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() != 1 {
		errors.FatalError(errors.NewInputError(
			"Invalid arguments",
			"The completion command requires exactly one argument: the shell name",
			"Run 'ingestd completion bash', 'ingestd completion zsh', or 'ingestd completion fish'",
		), globals.JSON)
	}

	if err := writeCompletion(os.Stdout, fs.Arg(0)); err != nil {
		errors.FatalError(err, globals.JSON)
	}
}

func writeCompletion(w io.Writer, shell string) error {
	switch shell {
	case "bash":
		writeBashCompletion(w)
	case "zsh":
		writeZshCompletion(w)
	case "fish":
		writeFishCompletion(w)
	default:
		return errors.NewInputError(
			"Unsupported shell",
			fmt.Sprintf("Shell '%s' is not supported. Valid options: bash, zsh, fish", shell),
			"Run 'ingestd completion bash', 'ingestd completion zsh', or 'ingestd completion fish'",
		)
	}
	return nil
}
