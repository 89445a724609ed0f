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

// Package receive maps inbound store and echo requests onto the
// staging area and the queue store.
//
// The handler never lets an error escape to the transport: every
// failure becomes the out-of-resources status word and a log event.
package receive

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/pacsedge/pacsedge/framework/config"
	"github.com/pacsedge/pacsedge/framework/log"
	"github.com/pacsedge/pacsedge/internal/dicom"
	"github.com/pacsedge/pacsedge/internal/dimse"
	"github.com/pacsedge/pacsedge/internal/faults"
	"github.com/pacsedge/pacsedge/internal/forward"
	"github.com/pacsedge/pacsedge/internal/queue"
	"github.com/pacsedge/pacsedge/internal/router"
)

// unknownUID substitutes for a missing study or sop identifier so the
// staging path is always well formed.
const unknownUID = "unknown"

// Handler implements dimse.Handler for the gateway listener.
type Handler struct {
	cfg    *config.Config
	store  *queue.Store
	faults *faults.Injector
	fwd    *forward.Forwarder

	receiveLog log.Logger
	storeLog   log.Logger
	queueLog   log.Logger
	aiLog      log.Logger

	// workerSends tracks the fire-and-forget worker sends of parallel
	// mode so Close can drain them.
	workerSends sync.WaitGroup
}

func NewHandler(cfg *config.Config, store *queue.Store, inj *faults.Injector, fwd *forward.Forwarder, logger log.Logger) *Handler {
	stage := func(name string) log.Logger {
		l := logger
		l.Stage = name
		return l
	}
	return &Handler{
		cfg:        cfg,
		store:      store,
		faults:     inj,
		fwd:        fwd,
		receiveLog: stage("receive"),
		storeLog:   stage("store"),
		queueLog:   stage("queue"),
		aiLog:      stage("ai_result"),
	}
}

// Close waits for in-flight asynchronous worker sends.
func (h *Handler) Close() {
	h.workerSends.Wait()
}

// OnAssociate accepts every association; caller filtering happens per
// store request so the rejection is observable as a status word.
func (h *Handler) OnAssociate(dimse.AssocInfo) error {
	return nil
}

// OnEcho always succeeds.
func (h *Handler) OnEcho(dimse.AssocInfo) dimse.Status {
	return dimse.StatusSuccess
}

// OnStore runs the receive path for one inbound object.
func (h *Handler) OnStore(assoc dimse.AssocInfo, sopClassUID string, object []byte) dimse.Status {
	ds, err := dicom.Decode(object)
	if err != nil {
		rejectedObjects.WithLabelValues("malformed").Inc()
		h.receiveLog.Error("rejected", err, "calling_ae", assoc.CallingAE)
		return dimse.StatusOutOfResources
	}
	study := ds.StringOr(dicom.TagStudyInstanceUID, unknownUID)
	sop := ds.StringOr(dicom.TagSOPInstanceUID, unknownUID)

	if !h.cfg.Edge.AllowedCaller(assoc.CallingAE) {
		rejectedObjects.WithLabelValues("calling_aet").Inc()
		h.receiveLog.Msg("rejected", "error", "calling_aet_not_allowed",
			"calling_ae", assoc.CallingAE, "study", study, "sop", sop)
		return dimse.StatusOutOfResources
	}

	if err := h.faults.Apply(); err != nil {
		rejectedObjects.WithLabelValues("fault").Inc()
		h.receiveLog.Msg("rejected", "error", err.Error(),
			"calling_ae", assoc.CallingAE, "study", study, "sop", sop)
		return dimse.StatusOutOfResources
	}

	dest := filepath.Join(h.cfg.Edge.StateDir("incoming"), study, sop+".dcm")
	if err := h.faults.CheckDiskFull(dest); err != nil {
		h.storeLog.Error("failed", err, "study", study, "sop", sop)
		return dimse.StatusOutOfResources
	}
	if err := h.writeObject(dest, object); err != nil {
		h.storeLog.Error("failed", err, "study", study, "sop", sop)
		return dimse.StatusOutOfResources
	}
	storedObjects.Inc()
	h.storeLog.Msg("stored", "study", study, "sop", sop,
		"bytes", len(object), "calling_ae", assoc.CallingAE)

	if h.cfg.Forwarder.Mode == config.ModeParallel {
		if router.IsAIResult(ds) {
			return h.parallelAIResult(study, sop, sopClassUID, object)
		}
		return h.parallelObject(study, sop, sopClassUID, dest, object)
	}

	id, err := h.store.Enqueue(study, sop, dest)
	if err != nil {
		h.queueLog.Error("failed", err, "study", study, "sop", sop)
		return dimse.StatusOutOfResources
	}
	h.queueLog.Msg("queued", "id", id, "study", study, "sop", sop)

	if router.IsAIResult(ds) {
		h.correlate(study, sop)
	}
	return dimse.StatusSuccess
}

func (h *Handler) writeObject(dest string, object []byte) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dest, object, 0o644)
}

// correlate matches a result object against the oldest pending worker
// send for its study.
func (h *Handler) correlate(study, resultSOP string) *queue.Correlation {
	corr, err := h.store.MarkResultReceived(study, resultSOP)
	if err != nil {
		h.aiLog.Error("correlation failed", err, "study", study, "result_sop", resultSOP)
		return nil
	}
	if corr == nil {
		unmatchedResults.Inc()
		h.aiLog.Warning("unmatched", "study", study, "result_sop", resultSOP)
		return nil
	}
	h.aiLog.Msg("correlated", "study", study, "result_sop", resultSOP,
		"original_sop", corr.OriginalSOP, "worker_host", corr.WorkerHost,
		"worker_ae", corr.WorkerAE, "duration_ms", corr.DurationMS)
	return corr
}

// parallelAIResult correlates the result and pushes it straight to the
// archive. Result objects never enter the queue.
func (h *Handler) parallelAIResult(study, resultSOP, sopClassUID string, object []byte) dimse.Status {
	corr := h.correlate(study, resultSOP)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Forwarder.Timeout())
	defer cancel()
	if err := h.fwd.SendToArchive(ctx, sopClassUID, object); err != nil {
		h.aiLog.Error("forward_failed", err, "study", study, "result_sop", resultSOP)
		return dimse.StatusSuccess
	}

	fields := []interface{}{"study", study, "result_sop", resultSOP}
	if corr != nil {
		fields = append(fields, "original_sop", corr.OriginalSOP, "duration_ms", corr.DurationMS)
	}
	h.aiLog.Msg("forwarded", fields...)
	return dimse.StatusSuccess
}

// parallelObject runs the inline fan-out of parallel mode: the archive
// send completes synchronously and decides the record state, the
// worker send is fire and forget. The status word reflects neither
// send; the object is durably staged either way.
func (h *Handler) parallelObject(study, sop, sopClassUID, dest string, object []byte) dimse.Status {
	id, err := h.store.Enqueue(study, sop, dest)
	if err != nil {
		h.queueLog.Error("failed", err, "study", study, "sop", sop)
		return dimse.StatusOutOfResources
	}
	h.queueLog.Msg("queued", "id", id, "study", study, "sop", sop)

	item := &queue.Item{ID: id, StudyUID: study, SOPUID: sop, FilePath: dest}
	if err := h.store.UpdateState(id, queue.StateChange{State: queue.StateForwarding}); err != nil {
		h.queueLog.Error("failed", err, "id", id)
		return dimse.StatusOutOfResources
	}
	// A failed move leaves the artifact (and the file_path column) at
	// the staging location; the send proceeds from there.
	if path, moveErr := h.fwd.MoveArtifact(item, queue.StateQueued); moveErr != nil {
		h.storeLog.Error("move failed", moveErr, "id", id, "study", study, "sop", sop)
	} else {
		item.FilePath = path
		if err := h.store.UpdateFilePath(id, path); err != nil {
			h.queueLog.Error("failed", err, "id", id)
		}
	}

	h.workerSends.Add(1)
	go h.workerSend(id, study, sop, sopClassUID, object)

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Forwarder.Timeout())
	defer cancel()
	if err := h.fwd.SendToArchive(ctx, sopClassUID, object); err != nil {
		ch := queue.StateChange{State: queue.StateFailed, LastError: err.Error()}
		if path, moveErr := h.fwd.MoveArtifact(item, queue.StateFailed); moveErr == nil {
			ch.FilePath = path
		} else {
			ch.LastError += ";move_failed:" + moveErr.Error()
		}
		if err := h.store.UpdateState(id, ch); err != nil {
			h.queueLog.Error("failed", err, "id", id)
		}
		h.receiveLog.Error("archive_failed", err, "id", id, "study", study, "sop", sop)
		return dimse.StatusSuccess
	}

	ch := queue.StateChange{State: queue.StateSent}
	if path, moveErr := h.fwd.MoveArtifact(item, queue.StateSent); moveErr != nil {
		h.storeLog.Error("move failed", moveErr, "id", id, "study", study, "sop", sop)
	} else {
		ch.FilePath = path
	}
	if err := h.store.MarkPACSSent(id); err != nil {
		h.queueLog.Error("failed", err, "id", id)
	}
	if err := h.store.UpdateState(id, ch); err != nil {
		h.queueLog.Error("failed", err, "id", id)
	}
	h.receiveLog.Msg("archive_sent", "id", id, "study", study, "sop", sop)
	return dimse.StatusSuccess
}

// workerSend runs the asynchronous half of parallel mode. The outcome
// lands in ai_status and the log, never in the protocol response.
func (h *Handler) workerSend(id int64, study, sop, sopClassUID string, object []byte) {
	defer h.workerSends.Done()

	ep := h.fwd.NextWorker()
	if err := h.store.MarkWorkerSent(id, ep.Host, ep.AETitle); err != nil {
		h.aiLog.Error("worker_send_failed", err, "id", id, "study", study, "sop", sop)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.Forwarder.Timeout())
	defer cancel()
	if err := h.fwd.SendToWorker(ctx, ep, sopClassUID, object); err != nil {
		if err := h.store.MarkAIStatus(id, queue.AIStatusFailed, err.Error()); err != nil {
			h.aiLog.Error("status update failed", err, "id", id)
		}
		h.aiLog.Error("worker_send_failed", err, "id", id, "study", study,
			"sop", sop, "worker", ep.String())
		return
	}
	h.aiLog.Msg("worker_sent", "id", id, "study", study, "sop", sop, "worker", ep.String())
}
