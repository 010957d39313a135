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
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ingestd/internal/bootstrap"
	"github.com/kraklabs/ingestd/internal/output"
	"github.com/kraklabs/ingestd/internal/ui"
	"github.com/kraklabs/ingestd/pkg/content"
	"github.com/kraklabs/ingestd/pkg/ingestion"
	"github.com/kraklabs/ingestd/pkg/queue"
)

// runStatus executes the 'status' CLI command, showing one job and, with
// --files, every file outcome.
//
// Examples:
//
//	ingestd status 6b1f0c2e-...
//	ingestd status 6b1f0c2e-... --files
//	ingestd --json status 6b1f0c2e-...
func runStatus(args []string, globals *GlobalFlags) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	listFiles := fs.Bool("files", false, "Print every file outcome")
	addOutputFlags(fs, globals)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ingestd status <job-id> [options]

Shows the state, counts and failures of a job.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	finishFlags(globals)
	id := targetArg(fs, "status")

	ctx := context.Background()
	app, cleanup, err := openApp(ctx, globals, true)
	if err != nil {
		fatal(err, globals)
	}
	defer cleanup()

	if err := showStatus(ctx, app, id, *listFiles, *globals, os.Stdout); err != nil {
		cleanup()
		fatal(err, globals)
	}
}

func showStatus(ctx context.Context, app *bootstrap.App, id string, listFiles bool, globals GlobalFlags, w io.Writer) error {
	st, err := app.Queue.GetJobStatus(ctx, id)
	if err != nil {
		return err
	}
	if globals.JSON {
		return output.JSONTo(w, st)
	}

	printJobSummary(w, &st.JobSummary)
	if listFiles {
		fmt.Fprintln(w)
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tSTATUS\tFILE\tDETAIL")
		for _, f := range st.Files {
			detail := f.Error
			if detail == "" && f.StoredID != "" {
				detail = "stored as " + f.StoredID
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", f.Index, ui.StateText(string(f.Status)), fileLabel(f.File), detail)
		}
		return tw.Flush()
	}
	printFailures(w, st.Files, maxListedFailures)
	return nil
}

// runCancel executes the 'cancel' CLI command.
func runCancel(args []string, globals *GlobalFlags) {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	addOutputFlags(fs, globals)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ingestd cancel <job-id> [options]

Cancels a queued or running job. Files already stored are kept; files not
yet processed are marked cancelled.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	finishFlags(globals)
	id := targetArg(fs, "cancel")

	ctx := context.Background()
	app, cleanup, err := openApp(ctx, globals, true)
	if err != nil {
		fatal(err, globals)
	}
	defer cleanup()

	if err := cancelJob(ctx, app, id, *globals, os.Stdout); err != nil {
		cleanup()
		fatal(err, globals)
	}
}

// CancelOutput is the JSON form of 'ingestd cancel'.
type CancelOutput struct {
	JobID     string         `json:"job_id"`
	Cancelled bool           `json:"cancelled"`
	State     queue.JobState `json:"state"`
}

func cancelJob(ctx context.Context, app *bootstrap.App, id string, globals GlobalFlags, w io.Writer) error {
	// A job run by another process is only marked in the store; that
	// process keeps working on it until it checks the job again.
	if holder := NewWorkerLock(lockPath(app.Config)).Holder(); holder != nil && holder.PID != os.Getpid() && !globals.Quiet {
		ui.Warningf("ingestd process %d is running jobs; cancel through its API (DELETE /v1/jobs/%s) to stop work in progress", holder.PID, id)
	}

	ok, err := app.Orchestrator.CancelJob(ctx, id)
	if err != nil {
		return err
	}
	st, err := app.Queue.GetJobStatus(ctx, id)
	if err != nil {
		return err
	}

	if globals.JSON {
		return output.JSONTo(w, CancelOutput{JobID: id, Cancelled: ok, State: st.State})
	}
	if ok {
		ui.Success("Cancelled job " + id)
		return nil
	}
	ui.Warningf("Job %s already finished (%s)", id, st.State)
	return nil
}

// JobsOutput is the JSON form of 'ingestd jobs'.
type JobsOutput struct {
	Jobs    []queue.JobSummary  `json:"jobs"`
	Pending []ingestion.Pending `json:"pending"`
	Pruned  int                 `json:"pruned,omitempty"`
	Worker  *LockInfo           `json:"worker,omitempty"`
}

// runJobs executes the 'jobs' CLI command, listing recent jobs and the
// pending confirmations saved by 'ingest'.
func runJobs(args []string, globals *GlobalFlags) {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	limit := fs.IntP("limit", "n", 20, "Number of jobs to show")
	prune := fs.Bool("prune", false, "Delete finished jobs older than queue.retention first")
	addOutputFlags(fs, globals)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ingestd jobs [options]

Lists recent jobs, newest first, and pending confirmations.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	finishFlags(globals)

	ctx := context.Background()
	app, cleanup, err := openApp(ctx, globals, true)
	if err != nil {
		fatal(err, globals)
	}
	defer cleanup()

	if err := listJobs(ctx, app, *limit, *prune, *globals, os.Stdout); err != nil {
		cleanup()
		fatal(err, globals)
	}
}

func listJobs(ctx context.Context, app *bootstrap.App, limit int, prune bool, globals GlobalFlags, w io.Writer) error {
	var out JobsOutput
	if prune {
		n, err := app.Queue.Prune(ctx, app.Config.Queue.Retention.Std())
		if err != nil {
			return err
		}
		out.Pruned = n
	}

	jobs, err := app.Queue.ListJobs(ctx, limit)
	if err != nil {
		return err
	}
	pending, err := app.Pending.List()
	if err != nil {
		return err
	}
	out.Jobs = jobs
	out.Pending = pending
	out.Worker = NewWorkerLock(lockPath(app.Config)).Holder()

	if globals.JSON {
		if out.Jobs == nil {
			out.Jobs = []queue.JobSummary{}
		}
		if out.Pending == nil {
			out.Pending = []ingestion.Pending{}
		}
		return output.JSONTo(w, out)
	}

	if prune {
		ui.Infof("Pruned %s", pluralize(out.Pruned, "finished job"))
	}
	if out.Worker != nil {
		fmt.Fprintf(w, "%s pid %d, running for %s\n\n", ui.Label("Worker:"), out.Worker.PID, FormatDuration(out.Worker.Age()))
	}

	if len(jobs) == 0 {
		fmt.Fprintln(w, "No jobs yet. Start one with 'ingestd ingest <path|url>'.")
	} else {
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATE\tFILES\tFAILED\tCREATED\tLABELS")
		for _, j := range jobs {
			fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%d\t%s\t%s\n",
				j.ID,
				ui.StateText(string(j.State)),
				j.Counts.Finished(), j.Counts.Total,
				j.Counts.Failed,
				j.CreatedAt.Local().Format(time.DateTime),
				strings.Join(j.Options.Labels, ","),
			)
		}
		if err := tw.Flush(); err != nil {
			return err
		}
	}

	if len(pending) > 0 {
		fmt.Fprintln(w)
		ui.SubHeader("Pending confirmations")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tFILES\tSOURCE\tSAVED")
		for _, p := range pending {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", p.ID, len(p.Files), p.URL, p.CreatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	}
	return nil
}

func printJobSummary(w io.Writer, j *queue.JobSummary) {
	fmt.Fprintf(w, "%s %s\n", ui.Label("Job:"), j.ID)
	fmt.Fprintf(w, "%s %s\n", ui.Label("State:"), ui.StateText(string(j.State)))
	c := j.Counts
	fmt.Fprintf(w, "%s %d/%d done (%d stored, %d failed, %d skipped, %d cancelled)\n",
		ui.Label("Files:"), c.Finished(), c.Total, c.Succeeded, c.Failed, c.Skipped, c.Cancelled)
	if len(j.Options.Labels) > 0 {
		fmt.Fprintf(w, "%s %s\n", ui.Label("Labels:"), strings.Join(j.Options.Labels, ", "))
	}
	fmt.Fprintf(w, "%s %s\n", ui.Label("Created:"), j.CreatedAt.Local().Format(time.DateTime))
	if j.StartedAt != nil && j.FinishedAt != nil {
		fmt.Fprintf(w, "%s %s\n", ui.Label("Took:"), FormatDuration(j.FinishedAt.Sub(*j.StartedAt)))
	}
	if j.Error != "" {
		fmt.Fprintf(w, "%s %s\n", ui.Label("Error:"), j.Error)
	}
}

// fileLabel names a file by its place in the discovered tree.
func fileLabel(f content.FileDescriptor) string {
	if rel := f.RelativePath(); rel != "" {
		return rel
	}
	return f.URL
}

// pluralize returns "1 file" or "3 files".
func pluralize(n int, noun string) string {
	if n == 1 {
		return "1 " + noun
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
