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
	"os/signal"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/kraklabs/ingestd/internal/bootstrap"
	"github.com/kraklabs/ingestd/internal/errors"
	"github.com/kraklabs/ingestd/internal/output"
	"github.com/kraklabs/ingestd/internal/ui"
	"github.com/kraklabs/ingestd/pkg/content"
	"github.com/kraklabs/ingestd/pkg/ingestion"
	"github.com/kraklabs/ingestd/pkg/queue"
)

// maxListedFailures bounds the failures printed after a job.
const maxListedFailures = 20

// jobFlags are the ingest options shared by 'ingest' and 'confirm'.
type jobFlags struct {
	labels      []string
	sessionID   string
	userID      string
	concurrency int
	fileTimeout time.Duration
	dryRun      bool
	events      bool
}

func (f *jobFlags) register(fs *flag.FlagSet) {
	fs.StringArrayVarP(&f.labels, "label", "l", nil, "Label attached to every stored document (repeatable)")
	fs.StringVar(&f.sessionID, "session", "", "Session id attached to the job and its events")
	fs.StringVar(&f.userID, "user", "", "User id attached to the job and its documents")
	fs.IntVar(&f.concurrency, "concurrency", 0, "Files processed in parallel for this job (0 keeps the config value)")
	fs.DurationVar(&f.fileTimeout, "file-timeout", 0, "Per-file processing timeout (0 keeps the config value)")
	fs.BoolVar(&f.dryRun, "dry-run", false, "Fetch and process files without storing them")
	fs.BoolVar(&f.events, "events", false, "Stream job events to stdout as JSON lines")
}

func (f *jobFlags) options() content.IngestOptions {
	return content.IngestOptions{
		Labels:      f.labels,
		SessionID:   f.sessionID,
		UserID:      f.userID,
		Concurrency: f.concurrency,
		FileTimeout: f.fileTimeout,
		DryRun:      f.dryRun,
	}
}

// PendingResult is the JSON answer when a source needs confirmation.
type PendingResult struct {
	PendingID         string        `json:"pending_id"`
	Files             int           `json:"files"`
	EstimatedDuration time.Duration `json:"estimated_duration"`
	Message           string        `json:"message"`
}

// runIngest executes the 'ingest' CLI command.
//
// A local directory is scanned; anything else is resolved through the
// provider registry. Sources above the confirmation threshold are saved as
// a pending confirmation unless --yes is given. Otherwise a job is created
// and the command runs it to completion, showing progress.
//
// Examples:
//
//	ingestd ingest ./docs --label handbook
//	ingestd ingest https://example.com/files/ --yes
//	ingestd ingest "https://drive.google.com/drive/folders/<id>"
func runIngest(args []string, globals *GlobalFlags) {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	yes := fs.BoolP("yes", "y", false, "Skip the confirmation step for large sources")
	maxFiles := fs.Int("max-files", 0, "Stop remote discovery after this many files (0 keeps the config value)")
	var jf jobFlags
	jf.register(fs)
	var sf scanFlags
	sf.register(fs)
	addOutputFlags(fs, globals)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ingestd ingest <path|url> [options]

Description:
  Validate a source, discover its files and ingest them into the document
  storage service. The command waits for the job and exits non-zero when
  the job fails. Interrupting it leaves the job resumable: the next
  'ingest', 'confirm' or 'serve' picks it up again.

  Sources with more files than orchestrator.confirmation_threshold are
  saved for confirmation. Review them with 'ingestd jobs' and start them
  with 'ingestd confirm <pending-id>', or pass --yes.

Options:
`)
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, `
Examples:
  ingestd ingest ./docs --label handbook
  ingestd ingest https://example.com/files/ --yes
  ingestd --json ingest ./docs --events
`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	finishFlags(globals)
	if jf.events {
		globals.Quiet = true
	}
	target := targetArg(fs, "ingest")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := openApp(ctx, globals, true)
	if err != nil {
		fatal(err, globals)
	}
	lock, err := acquireWorker(app.Config)
	if err != nil {
		cleanup()
		fatal(err, globals)
	}

	err = ingestTarget(ctx, app, target, ingestParams{
		yes:      *yes,
		maxFiles: *maxFiles,
		job:      jf,
		scan:     sf,
	}, *globals, os.Stdout)
	cleanup()
	lock.Release()
	if err != nil {
		fatal(err, globals)
	}
}

type ingestParams struct {
	yes      bool
	maxFiles int
	job      jobFlags
	scan     scanFlags
}

// ingestTarget resolves target, gates it and runs the resulting job.
func ingestTarget(ctx context.Context, app *bootstrap.App, target string, p ingestParams, globals GlobalFlags, w io.Writer) error {
	if err := startQueue(ctx, app, globals); err != nil {
		return err
	}

	var (
		resp *ingestion.Response
		err  error
	)
	opts := p.job.options()
	if isLocalPath(target) {
		resp, err = app.Orchestrator.IngestLocal(ctx, ingestion.LocalRequest{
			Scan:             p.scan.apply(app.ScannerConfig(target)),
			Options:          opts,
			SkipConfirmation: p.yes,
		})
	} else {
		resp, err = app.Orchestrator.Ingest(ctx, ingestion.Request{
			URL:              target,
			Discovery:        content.DiscoveryOptions{MaxFiles: p.maxFiles, MaxDepth: p.scan.maxDepth},
			Options:          opts,
			SkipConfirmation: p.yes,
		})
	}
	if err != nil {
		return err
	}

	switch {
	case !resp.Validation.Valid:
		return validationError(target, resp)
	case resp.RequiresConfirmation:
		return savePending(app, target, resp, opts, globals, w)
	case resp.JobID == "":
		if globals.JSON {
			return output.JSONTo(w, resp)
		}
		ui.Warning("No files found in " + target)
		printSkipReasons(w, resp.SkipReasons)
		return nil
	}

	if !globals.Quiet {
		ui.Infof("Job %s: %s (~%s)", resp.JobID, resp.Message, FormatDuration(resp.EstimatedDuration))
		if resp.Truncated {
			ui.Warning("Discovery stopped at the file limit; raise --max-files to include more")
		}
	}
	return followJob(ctx, app, resp.JobID, p.job.events, globals, w)
}

// startQueue resumes jobs a previous process left behind.
func startQueue(ctx context.Context, app *bootstrap.App, globals GlobalFlags) error {
	resumed, err := app.Start(ctx)
	if err != nil {
		return err
	}
	if resumed > 0 && !globals.Quiet {
		ui.Infof("Resumed %s from a previous run", pluralize(resumed, "interrupted job"))
	}
	return nil
}

func validationError(target string, resp *ingestion.Response) error {
	if resp.Provider == "" {
		return errors.NewInputError(
			"Unsupported source",
			resp.Validation.Error,
			"Use a local directory, an http(s) URL or a Google Drive folder link",
		)
	}
	if resp.Validation.Unreachable {
		return errors.NewNetworkError(
			"Source unreachable",
			resp.Validation.Error,
			"Check the URL and your network connection",
			nil,
		)
	}
	return errors.NewInputError(
		"Cannot ingest "+target,
		resp.Validation.Error,
		"Check that the source exists and is readable",
	)
}

func savePending(app *bootstrap.App, target string, resp *ingestion.Response, opts content.IngestOptions, globals GlobalFlags, w io.Writer) error {
	p := &ingestion.Pending{
		URL:      target,
		Provider: resp.Provider,
		Files:    resp.Files,
		Options:  opts,
	}
	if err := app.Pending.Save(p); err != nil {
		return errors.NewStorageError(
			"Cannot save pending confirmation",
			err.Error(),
			fmt.Sprintf("Check permissions on %s", app.Config.PendingDir()),
			err,
		)
	}

	if globals.JSON {
		return output.JSONTo(w, PendingResult{
			PendingID:         p.ID,
			Files:             len(p.Files),
			EstimatedDuration: resp.EstimatedDuration,
			Message:           resp.Message,
		})
	}
	ui.Warningf("Found %s (%s, ~%s to process)", pluralize(len(p.Files), "file"), ui.BytesText(totalSize(p.Files)), FormatDuration(resp.EstimatedDuration))
	printSkipReasons(w, resp.SkipReasons)
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Start ingestion with:")
	fmt.Fprintf(w, "  ingestd confirm %s\n", p.ID)
	return nil
}

// runConfirm executes the 'confirm' CLI command, turning a pending
// confirmation saved by 'ingest' into a job and running it.
func runConfirm(args []string, globals *GlobalFlags) {
	fs := flag.NewFlagSet("confirm", flag.ExitOnError)
	discard := fs.Bool("discard", false, "Delete the pending confirmation instead of starting it")
	events := fs.Bool("events", false, "Stream job events to stdout as JSON lines")
	addOutputFlags(fs, globals)

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: ingestd confirm <pending-id> [options]

Description:
  Start the ingestion of a source that 'ingestd ingest' held back for
  confirmation. The files discovered at that time are used; the source is
  not discovered again.

Options:
`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	finishFlags(globals)
	if *events {
		globals.Quiet = true
	}
	id := targetArg(fs, "confirm")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, cleanup, err := openApp(ctx, globals, true)
	if err != nil {
		fatal(err, globals)
	}

	if *discard {
		err := discardPending(app, id, *globals)
		cleanup()
		if err != nil {
			fatal(err, globals)
		}
		return
	}

	lock, err := acquireWorker(app.Config)
	if err != nil {
		cleanup()
		fatal(err, globals)
	}
	err = confirmPending(ctx, app, id, *events, *globals, os.Stdout)
	cleanup()
	lock.Release()
	if err != nil {
		fatal(err, globals)
	}
}

func discardPending(app *bootstrap.App, id string, globals GlobalFlags) error {
	if _, err := app.Pending.Load(id); err != nil {
		return err
	}
	if err := app.Pending.Clear(id); err != nil {
		return err
	}
	if !globals.Quiet {
		ui.Success("Discarded pending confirmation " + id)
	}
	return nil
}

// confirmPending submits the files of a pending confirmation and follows
// the job. The pending entry is removed once the job exists.
func confirmPending(ctx context.Context, app *bootstrap.App, id string, events bool, globals GlobalFlags, w io.Writer) error {
	p, err := app.Pending.Load(id)
	if err != nil {
		return err
	}
	if err := startQueue(ctx, app, globals); err != nil {
		return err
	}

	jobID, err := app.Orchestrator.ConfirmAndIngest(ctx, p.Files, p.Options)
	if err != nil {
		return err
	}
	if err := app.Pending.Clear(id); err != nil {
		ui.Warning(err.Error())
	}
	if !globals.Quiet {
		ui.Infof("Job %s: ingesting %s from %s", jobID, pluralize(len(p.Files), "file"), p.URL)
	}
	return followJob(ctx, app, jobID, events, globals, w)
}

// followJob waits for a job to finish, reporting progress, and prints the
// outcome. A failed job is returned as a job-failed error. When ctx ends
// first the job is left for the next run to resume.
func followJob(ctx context.Context, app *bootstrap.App, jobID string, events bool, globals GlobalFlags, w io.Writer) error {
	st, err := app.Queue.GetJobStatus(ctx, jobID)
	if err != nil {
		return err
	}
	ch, unsubscribe := app.Queue.Subscribe(jobID)
	defer unsubscribe()

	progress := NewJobProgress(NewProgressConfig(globals), st.Counts.Total, st.Counts.Finished())
	var stream *output.Stream
	if events {
		stream = output.NewStream(w)
	}
	sawFinal := false

wait:
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				break wait
			}
			progress.Observe(ev)
			if stream != nil {
				_ = stream.Write(ev)
			}
			if ev.Type == queue.EventJobCompleted {
				sawFinal = true
			}
		case <-ctx.Done():
			progress.Finish()
			return errors.NewJobFailedError(
				"Interrupted",
				fmt.Sprintf("job %s was stopped before it finished", jobID),
				"Run 'ingestd jobs' to see it; the next ingest, confirm or serve resumes it",
			)
		}
	}
	progress.Finish()

	st, err = app.Queue.GetJobStatus(context.Background(), jobID)
	if err != nil {
		return err
	}
	// A job that finished before we subscribed still ends the stream with
	// its terminal event.
	if stream != nil && !sawFinal {
		_ = stream.Write(finalEvent(st))
	}
	return reportJob(st, globals, events, w)
}

func finalEvent(st *queue.JobStatus) queue.Event {
	counts := st.Counts
	ev := queue.Event{
		Type:      queue.EventJobCompleted,
		JobID:     st.ID,
		SessionID: st.Options.SessionID,
		UserID:    st.Options.UserID,
		Time:      time.Now().UTC(),
		State:     st.State,
		Counts:    &counts,
		Error:     st.Error,
	}
	if st.FinishedAt != nil {
		ev.Time = *st.FinishedAt
	}
	return ev
}

func reportJob(st *queue.JobStatus, globals GlobalFlags, events bool, w io.Writer) error {
	switch {
	case events:
	case globals.JSON:
		if err := output.JSONTo(w, st); err != nil {
			return err
		}
	case !globals.Quiet:
		printJobSummary(w, &st.JobSummary)
		printFailures(w, st.Files, maxListedFailures)
	}

	switch st.State {
	case queue.JobCompleted:
		if !globals.Quiet && st.Counts.Failed == 0 {
			ui.Successf("Job %s completed: %s stored", st.ID, pluralize(st.Counts.Succeeded, "file"))
		} else if !globals.Quiet {
			ui.Warningf("Job %s completed with %s", st.ID, pluralize(st.Counts.Failed, "failed file"))
		}
		return nil
	case queue.JobCancelled:
		if !globals.Quiet {
			ui.Warningf("Job %s was cancelled", st.ID)
		}
		return nil
	case queue.JobQueued, queue.JobRunning:
		return errors.NewJobFailedError(
			"Interrupted",
			fmt.Sprintf("job %s is still %s", st.ID, st.State),
			"The next ingest, confirm or serve resumes it",
		)
	default:
		cause := st.Error
		if cause == "" {
			cause = fmt.Sprintf("job ended in state %s", st.State)
		}
		return errors.NewJobFailedError(
			fmt.Sprintf("Job %s failed", st.ID),
			cause,
			"Fix the cause and run the ingestion again; files already stored are not removed",
		)
	}
}

func printFailures(w io.Writer, files []queue.FileOutcome, limit int) {
	var failed []queue.FileOutcome
	for _, f := range files {
		if f.Status == queue.FileFailed {
			failed = append(failed, f)
		}
	}
	if len(failed) == 0 {
		return
	}
	fmt.Fprintln(w)
	ui.SubHeader("Failed files")
	for i, f := range failed {
		if i == limit {
			fmt.Fprintf(w, "  %s\n", ui.DimText(fmt.Sprintf("... and %d more", len(failed)-limit)))
			break
		}
		fmt.Fprintf(w, "  %s: %s\n", fileLabel(f.File), f.Error)
	}
}

func totalSize(files []content.FileDescriptor) int64 {
	var n int64
	for _, f := range files {
		if f.Size != nil {
			n += *f.Size
		}
	}
	return n
}

