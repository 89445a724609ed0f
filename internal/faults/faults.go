/*
PACS Edge Gateway - DICOM edge gateway for medical imaging pipelines.
Copyright © 2024 The pacsedge contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package faults applies operator-controlled fault injection to the
// receive path.
//
// The injector keeps an immutable snapshot of the fault_injection
// configuration section and swaps it whenever the configuration file
// changes on disk, so `pacsedge inject-fault` takes effect on a
// running gateway without a restart.
package faults

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/pacsedge/pacsedge/framework/config"
	"github.com/pacsedge/pacsedge/framework/log"
)

// Error is a rejection produced by an injected fault. Kind is one of
// reject_all, random_fail_rate:<rate>, disk_full:<path>. The error
// text is exactly Kind so log consumers can match on it.
type Error struct {
	Kind string
}

func (e *Error) Error() string {
	return e.Kind
}

// Temporary reports true: an injected fault is an operator experiment,
// the sender may retry once the fault is cleared.
func (*Error) Temporary() bool {
	return true
}

// Injector evaluates the active fault snapshot on demand.
type Injector struct {
	log log.Logger

	snapshot atomic.Value // config.Faults

	// rng feeds random_fail_rate decisions. Guarded by rngMu, the
	// default source is replaced in tests for determinism.
	rngMu sync.Mutex
	rng   *rand.Rand

	sleep func(time.Duration)

	watcher *fsnotify.Watcher
	stop    chan struct{}
	stopped sync.WaitGroup
}

// New builds an injector with the given initial snapshot.
func New(initial config.Faults, logger log.Logger) *Injector {
	inj := &Injector{
		log:   logger,
		rng:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: time.Sleep,
	}
	inj.snapshot.Store(initial)
	return inj
}

// Watch reloads the fault_injection section whenever the configuration
// file at path is rewritten. Watch failure is not fatal: the gateway
// keeps running with the startup snapshot.
func (inj *Injector) Watch(path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return err
	}

	inj.watcher = watcher
	inj.stop = make(chan struct{})
	inj.stopped.Add(1)
	go inj.watchLoop(path)
	return nil
}

func (inj *Injector) watchLoop(path string) {
	defer inj.stopped.Done()
	for {
		select {
		case ev, ok := <-inj.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Editors and the CLI replace the file, re-arm the watch
			// for the new inode.
			inj.watcher.Add(path)
			inj.reload(path)
		case err, ok := <-inj.watcher.Errors:
			if !ok {
				return
			}
			inj.log.Error("watch failed", err, "path", path)
		case <-inj.stop:
			return
		}
	}
}

func (inj *Injector) reload(path string) {
	snap, err := config.LoadFaults(path)
	if err != nil {
		inj.log.Error("reload failed", err, "path", path)
		return
	}
	prev := inj.Snapshot()
	if snap == prev {
		return
	}
	inj.snapshot.Store(snap)
	inj.log.Msg("faults reloaded",
		"reject_all", snap.RejectAll,
		"disk_full", snap.DiskFull,
		"io_delay_ms", snap.IODelayMS,
		"random_fail_rate", snap.RandomFailRate)
}

// Close stops the configuration watch.
func (inj *Injector) Close() error {
	if inj.watcher == nil {
		return nil
	}
	close(inj.stop)
	err := inj.watcher.Close()
	inj.stopped.Wait()
	inj.watcher = nil
	return err
}

// Snapshot returns the active fault set.
func (inj *Injector) Snapshot() config.Faults {
	return inj.snapshot.Load().(config.Faults)
}

// Set replaces the active snapshot directly, bypassing the file watch.
func (inj *Injector) Set(snap config.Faults) {
	inj.snapshot.Store(snap)
}

// Apply evaluates the pre-write faults for one inbound object. The
// io_delay_ms stall happens first, then reject_all, then the
// random_fail_rate coin flip. A non-nil result is a *Error the caller
// maps to a rejected store.
func (inj *Injector) Apply() error {
	snap := inj.Snapshot()

	if snap.IODelayMS > 0 {
		inj.sleep(time.Duration(snap.IODelayMS) * time.Millisecond)
	}
	if snap.RejectAll {
		return &Error{Kind: "reject_all"}
	}
	if snap.RandomFailRate > 0 {
		inj.rngMu.Lock()
		roll := inj.rng.Float64()
		inj.rngMu.Unlock()
		if roll < snap.RandomFailRate {
			return &Error{Kind: fmt.Sprintf("random_fail_rate:%v", snap.RandomFailRate)}
		}
	}
	return nil
}

// CheckDiskFull reports the simulated disk_full fault against the
// given write target. Used both before the initial store and before
// the forwarder's file moves.
func (inj *Injector) CheckDiskFull(path string) error {
	if inj.Snapshot().DiskFull {
		return &Error{Kind: "disk_full:" + path}
	}
	return nil
}
