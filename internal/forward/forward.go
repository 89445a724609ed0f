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

// Package forward implements the background delivery routine: claim
// the oldest queued record, move the artifact in lock-step with its
// state, dispatch per the routing mode and retry with bounded
// exponential backoff.
package forward

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pacsedge/pacsedge/framework/config"
	"github.com/pacsedge/pacsedge/framework/log"
	"github.com/pacsedge/pacsedge/internal/dicom"
	"github.com/pacsedge/pacsedge/internal/dimse"
	"github.com/pacsedge/pacsedge/internal/faults"
	"github.com/pacsedge/pacsedge/internal/queue"
	"github.com/pacsedge/pacsedge/internal/router"
)

// pace is a fixed pause after the fault check to keep bursts from
// hammering downstream endpoints.
const pace = 200 * time.Millisecond

// Forwarder owns the claim loop. One Forwarder runs per gateway; the
// Sender it holds is also used by the inline parallel-mode sends.
type Forwarder struct {
	cfg    *config.Config
	store  *queue.Store
	faults *faults.Injector
	Sender Sender
	log    log.Logger

	// sleep is replaced in tests so backoff does not slow them down.
	sleep func(time.Duration)

	rrMu sync.Mutex
	rr   int

	stop chan struct{}
	done chan struct{}
}

func New(cfg *config.Config, store *queue.Store, inj *faults.Injector, logger log.Logger) *Forwarder {
	return &Forwarder{
		cfg:    cfg,
		store:  store,
		faults: inj,
		Sender: &DIMSESender{
			CallingAE: cfg.Edge.AETitle,
			Timeout:   cfg.Forwarder.Timeout(),
			Log:       logger,
		},
		log:   logger,
		sleep: time.Sleep,
	}
}

// Start launches the background claim loop. Not used in parallel mode
// where all forwarding happens inline on the receive path.
func (f *Forwarder) Start() {
	f.stop = make(chan struct{})
	f.done = make(chan struct{})
	go f.loop()
}

// Close stops the claim loop and waits for the in-flight item to
// settle.
func (f *Forwarder) Close() {
	if f.stop == nil {
		return
	}
	close(f.stop)
	<-f.done
	f.stop = nil
}

func (f *Forwarder) loop() {
	defer close(f.done)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-f.stop
		cancel()
	}()

	for {
		select {
		case <-f.stop:
			return
		default:
		}

		processed, err := f.ProcessOne(ctx)
		if err != nil {
			f.log.Error("claim failed", err)
		}
		if !processed {
			f.idle()
		}
	}
}

func (f *Forwarder) idle() {
	interval := f.cfg.Forwarder.PollInterval()
	if interval == 0 {
		interval = time.Second
	}
	select {
	case <-f.stop:
	case <-time.After(interval):
	}
}

// ProcessOne claims and fully settles one queued record, including the
// backoff sleep on failure. Reports false when the queue was empty.
// The returned error covers store access only; per-item failures are
// handled internally and never propagate.
func (f *Forwarder) ProcessOne(ctx context.Context) (bool, error) {
	item, err := f.store.ClaimNext()
	if err != nil {
		return false, err
	}
	if item == nil {
		return false, nil
	}

	dest, err := f.deliver(ctx, item)
	if err != nil {
		f.fail(item, err)
		return true, nil
	}

	sentPath, err := f.MoveArtifact(item, queue.StateSent)
	if err != nil {
		f.fail(item, err)
		return true, nil
	}
	if err := f.store.UpdateState(item.ID, queue.StateChange{State: queue.StateSent, FilePath: sentPath}); err != nil {
		f.log.Error("state update failed", err, "id", item.ID)
		return true, nil
	}
	forwardedObjects.WithLabelValues(f.cfg.Forwarder.Mode).Inc()
	f.log.Msg("sent", "id", item.ID, "study", item.StudyUID, "sop", item.SOPUID,
		"destination", dest)
	return true, nil
}

// deliver runs the outbound half for one claimed item and reports the
// destination it was sent to.
func (f *Forwarder) deliver(ctx context.Context, item *queue.Item) (string, error) {
	queuedPath, err := f.MoveArtifact(item, queue.StateQueued)
	if err != nil {
		return "", err
	}
	if queuedPath != item.FilePath {
		if err := f.store.UpdateFilePath(item.ID, queuedPath); err != nil {
			return "", err
		}
		item.FilePath = queuedPath
	}

	if err := f.faults.Apply(); err != nil {
		return "", err
	}
	f.sleep(pace)

	return f.dispatch(ctx, item)
}

func (f *Forwarder) dispatch(ctx context.Context, item *queue.Item) (string, error) {
	switch f.cfg.Forwarder.Mode {
	case config.ModeDummy:
		return "dummy", nil
	}

	blob, err := os.ReadFile(item.FilePath)
	if err != nil {
		return "", err
	}
	ds, err := dicom.Decode(blob)
	if err != nil {
		return "", err
	}
	sopClass := ds.StringOr(dicom.TagSOPClassUID, "")

	archive := Endpoint(f.cfg.Forwarder.Archive).String()
	switch f.cfg.Forwarder.Mode {
	case config.ModeArchive:
		return archive, f.SendToArchive(ctx, sopClass, blob)
	case config.ModeWorkers:
		return f.sendToNextWorker(ctx, item.ID, sopClass, blob)
	case config.ModeGateway:
		route, err := router.Decide(ds)
		if err != nil {
			return "", err
		}
		switch route {
		case router.RouteArchive:
			return archive, f.SendToArchive(ctx, sopClass, blob)
		case router.RouteWorker:
			return f.sendToNextWorker(ctx, item.ID, sopClass, blob)
		default:
			return "", dimse.Forwardf(nil, "unknown_route:%s", route)
		}
	default:
		// Unreachable with a validated configuration.
		return "", dimse.Forwardf(nil, "unknown_mode:%s", f.cfg.Forwarder.Mode)
	}
}

// SendToArchive delivers one object to the configured archive
// endpoint. Also used inline by the parallel receive path.
func (f *Forwarder) SendToArchive(ctx context.Context, sopClassUID string, object []byte) error {
	return f.Sender.Send(ctx, Endpoint(f.cfg.Forwarder.Archive), sopClassUID, object)
}

func (f *Forwarder) sendToNextWorker(ctx context.Context, id int64, sopClassUID string, object []byte) (string, error) {
	ep := f.NextWorker()
	if err := f.store.MarkWorkerSent(id, ep.Host, ep.AETitle); err != nil {
		return "", err
	}
	return ep.String(), f.SendToWorker(ctx, ep, sopClassUID, object)
}

// SendToWorker delivers one object to the given worker endpoint. Send
// failures carry the worker_ code prefix.
func (f *Forwarder) SendToWorker(ctx context.Context, ep dimse.Endpoint, sopClassUID string, object []byte) error {
	if err := f.Sender.Send(ctx, ep, sopClassUID, object); err != nil {
		return dimse.PrefixCode(err, "worker_")
	}
	return nil
}

// NextWorker rotates through the configured worker list, starting at
// the first worker after startup. The cursor does not survive restart.
func (f *Forwarder) NextWorker() dimse.Endpoint {
	f.rrMu.Lock()
	defer f.rrMu.Unlock()
	workers := f.cfg.Forwarder.Workers
	ep := workers[f.rr%len(workers)]
	f.rr++
	return Endpoint(ep)
}

// fail runs the retry bookkeeping for one failed item: bump the
// counter, then either re-queue with backoff or finalize as failed
// once the budget is spent.
func (f *Forwarder) fail(item *queue.Item, cause error) {
	errStr := cause.Error()
	retries, err := f.store.IncrementRetry(item.ID, errStr)
	if err != nil {
		f.log.Error("retry bookkeeping failed", err, "id", item.ID)
		return
	}

	if retries >= f.cfg.Forwarder.MaxRetries {
		failedObjects.WithLabelValues(f.cfg.Forwarder.Mode).Inc()

		failedPath, moveErr := f.MoveArtifact(item, queue.StateFailed)
		ch := queue.StateChange{State: queue.StateFailed}
		if moveErr != nil {
			// The artifact stays at its last known path; the record
			// carries both diagnostics.
			ch.LastError = errStr + ";move_failed:" + moveErr.Error()
		} else {
			ch.FilePath = failedPath
		}
		if err := f.store.UpdateState(item.ID, ch); err != nil {
			f.log.Error("state update failed", err, "id", item.ID)
			return
		}
		f.log.Error("failed", cause, "id", item.ID, "study", item.StudyUID,
			"sop", item.SOPUID, "retries", retries)
		return
	}

	forwardRetries.WithLabelValues(f.cfg.Forwarder.Mode).Inc()
	if err := f.store.UpdateState(item.ID, queue.StateChange{State: queue.StateQueued, LastError: errStr}); err != nil {
		f.log.Error("state update failed", err, "id", item.ID)
		return
	}

	backoff := f.backoff(retries)
	f.log.Warning("retry", "id", item.ID, "study", item.StudyUID, "sop", item.SOPUID,
		"retries", retries, "error", errStr, "backoff", backoff)
	f.sleep(backoff)
}

// backoff is base * 2^(n-1) seconds for the n-th retry. A zero base
// makes retries effectively immediate.
func (f *Forwarder) backoff(retries int) time.Duration {
	base := time.Duration(f.cfg.Forwarder.BackoffBaseSeconds) * time.Second
	return base << (retries - 1)
}

// MoveArtifact relocates the item file into the directory matching the
// target state, keyed by study and sop. Moving to the directory the
// file already lives in is a no-op.
func (f *Forwarder) MoveArtifact(item *queue.Item, state string) (string, error) {
	dest := filepath.Join(f.cfg.Edge.StateDir(state), item.StudyUID, item.SOPUID+".dcm")
	if dest == item.FilePath {
		return dest, nil
	}
	if err := f.faults.CheckDiskFull(dest); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", err
	}
	if err := os.Rename(item.FilePath, dest); err != nil {
		return "", fmt.Errorf("move to %s: %w", state, err)
	}
	return dest, nil
}

// Endpoint converts a configured peer into its transport form.
func Endpoint(e config.Endpoint) dimse.Endpoint {
	return dimse.Endpoint{Host: e.Host, Port: e.Port, AETitle: e.AETitle}
}
