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


// Package ingestion is the entry point for content ingestion: it turns a URL
// or a local directory into a queued job.
//
// # Request Flow
//
// Every request goes through the same steps:
//
//  1. Resolve: the provider registry picks the provider claiming the URL.
//     An unclaimed URL yields an invalid response, not an error.
//  2. Validate: the provider probes the URL within the validation timeout.
//     A probe that times out is reported as unreachable.
//  3. Discover: folders are listed recursively within the discovery bounds.
//     Single files skip this step and are submitted directly.
//  4. Gate: more files than the confirmation threshold, or a provider that
//     asks for it, returns the file list without creating a job.
//  5. Submit: the files are handed to the job queue, which persists them
//     and processes them concurrently.
//
// Nothing is written before step 5, so a request that stops at the gate has
// no side effects. ConfirmAndIngest submits a gated file list unchanged; it
// never validates or discovers again.
//
// # Quick Start
//
//	orch := ingestion.New(ingestion.Config{ConfirmationThreshold: 10}, registry, q, logger)
//
//	resp, err := orch.Ingest(ctx, ingestion.Request{URL: "https://example.com/docs/"})
//	if err != nil {
//	    return err
//	}
//	if resp.RequiresConfirmation {
//	    // show resp.Files to the user, then:
//	    jobID, err := orch.ConfirmAndIngest(ctx, resp.Files, content.IngestOptions{})
//	}
//
// Local trees go through IngestLocal, which scans with the scanner package
// and applies the same gate.
//
// # Pending Confirmations
//
// The CLI has no process that outlives a gated request, so PendingStore
// keeps gated file lists as JSON files until they are confirmed or
// discarded.
//
// # Estimates
//
// EstimateProcessingTime is fileCount * secondsPerFile / concurrency. It is
// shown to users before they confirm and is not a guarantee.
package ingestion
