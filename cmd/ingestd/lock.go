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
	"os"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// WorkerLock is an advisory file lock held by the process that runs the
// job queue of a data directory. The file records the holder's PID and
// start time.
type WorkerLock struct {
	path string
	file *os.File
}

// LockInfo describes the current lock holder.
type LockInfo struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Age is how long the holder has held the lock.
func (i LockInfo) Age() time.Duration {
	return time.Since(i.StartedAt)
}

// NewWorkerLock returns an unacquired lock on path.
func NewWorkerLock(path string) *WorkerLock {
	return &WorkerLock{path: path}
}

// TryAcquire attempts to take the lock without blocking. It returns false
// when another process holds it.
func (l *WorkerLock) TryAcquire() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.path), 0750); err != nil {
		return false, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return false, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = f.Close()
		if err == syscall.EWOULDBLOCK {
			return false, nil
		}
		return false, fmt.Errorf("flock: %w", err)
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("truncate lock file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d %d\n", os.Getpid(), time.Now().Unix()); err != nil {
		_ = f.Close()
		return false, fmt.Errorf("write lock file: %w", err)
	}

	l.file = f
	return true, nil
}

// Release drops the lock. It is safe to call more than once.
func (l *WorkerLock) Release() {
	if l.file != nil {
		_ = syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN)
		_ = l.file.Close()
		l.file = nil
	}
}

// Info returns the recorded holder, or nil when no lock file exists.
func (l *WorkerLock) Info() (*LockInfo, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var pid int
	var ts int64
	if _, err := fmt.Sscanf(string(data), "%d %d", &pid, &ts); err != nil {
		return nil, fmt.Errorf("parse lock info: %w", err)
	}
	return &LockInfo{PID: pid, StartedAt: time.Unix(ts, 0)}, nil
}

// Holder returns the live process holding the lock, or nil. A lock file
// left by a dead process does not count.
func (l *WorkerLock) Holder() *LockInfo {
	info, err := l.Info()
	if err != nil || info == nil {
		return nil
	}
	if info.PID == os.Getpid() {
		return info
	}
	proc, err := os.FindProcess(info.PID)
	if err != nil {
		return nil
	}
	// On Unix FindProcess always succeeds; signal 0 checks existence.
	if proc.Signal(syscall.Signal(0)) != nil {
		return nil
	}
	return info
}

// FormatDuration formats a duration for human-readable output.
func FormatDuration(d time.Duration) string {
	if d < time.Minute {
		return strconv.Itoa(int(d.Seconds())) + "s"
	}
	if d < time.Hour {
		return strconv.Itoa(int(d.Minutes())) + "m " + strconv.Itoa(int(d.Seconds())%60) + "s"
	}
	return strconv.Itoa(int(d.Hours())) + "h " + strconv.Itoa(int(d.Minutes())%60) + "m"
}
