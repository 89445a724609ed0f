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

package forward

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pacsedge/pacsedge/framework/config"
	"github.com/pacsedge/pacsedge/internal/dimse"
	"github.com/pacsedge/pacsedge/internal/faults"
	"github.com/pacsedge/pacsedge/internal/queue"
	"github.com/pacsedge/pacsedge/internal/testutils"
)

type sendCall struct {
	Endpoint    dimse.Endpoint
	SOPClassUID string
}

// stubSender records sends and fails per the scripted error list; once
// the script is exhausted every send succeeds.
type stubSender struct {
	mu    sync.Mutex
	calls []sendCall
	errs  []error
}

func (s *stubSender) Send(_ context.Context, ep dimse.Endpoint, sopClassUID string, _ []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, sendCall{Endpoint: ep, SOPClassUID: sopClassUID})
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *stubSender) sent() []sendCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]sendCall(nil), s.calls...)
}

type testEnv struct {
	cfg    *config.Config
	store  *queue.Store
	fwd    *Forwarder
	sender *stubSender
	sleeps []time.Duration
}

func newEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	dataRoot := t.TempDir()
	cfg := &config.Config{
		Edge: config.Edge{
			AETitle:  "PACS_EDGE",
			Port:     11112,
			DataRoot: dataRoot,
		},
		Forwarder: config.Forwarder{
			Mode:               config.ModeArchive,
			MaxRetries:         3,
			BackoffBaseSeconds: 0,
			TimeoutSeconds:     10,
			Archive:            config.Endpoint{Host: "archive", Port: 104, AETitle: "ARCHIVE"},
		},
	}
	if mutate != nil {
		mutate(cfg)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}

	store, err := queue.OpenSQLite(context.Background(),
		filepath.Join(t.TempDir(), "queue.db"), testutils.Logger(t, "db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	env := &testEnv{cfg: cfg, store: store, sender: &stubSender{}}
	env.fwd = New(cfg, store, faults.New(cfg.FaultInjection, testutils.Logger(t, "faults")),
		testutils.Logger(t, "forward"))
	env.fwd.Sender = env.sender
	env.fwd.sleep = func(d time.Duration) { env.sleeps = append(env.sleeps, d) }
	return env
}

// ingest stages a blob under incoming/ and enqueues it, the way the
// receive path does.
func (env *testEnv) ingest(t *testing.T, obj testutils.Object) int64 {
	t.Helper()
	if obj.StudyUID == "" {
		obj.StudyUID = "1.2.3"
	}
	if obj.SOPUID == "" {
		obj.SOPUID = "1.2.3.4"
	}

	dest := filepath.Join(env.cfg.Edge.StateDir("incoming"), obj.StudyUID, obj.SOPUID+".dcm")
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(dest, testutils.Blob(t, obj), 0o644); err != nil {
		t.Fatal(err)
	}
	id, err := env.store.Enqueue(obj.StudyUID, obj.SOPUID, dest)
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (env *testEnv) processOne(t *testing.T) {
	t.Helper()
	processed, err := env.fwd.ProcessOne(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !processed {
		t.Fatal("queue unexpectedly empty")
	}
}

// backoffSleeps filters out the fixed pacing pause.
func (env *testEnv) backoffSleeps() []time.Duration {
	var out []time.Duration
	for _, d := range env.sleeps {
		if d != pace {
			out = append(out, d)
		}
	}
	return out
}

func TestArchiveSuccess(t *testing.T) {
	env := newEnv(t, nil)
	id := env.ingest(t, testutils.Object{})

	env.processOne(t)

	item, err := env.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != queue.StateSent {
		t.Errorf("state: got %q", item.State)
	}

	wantPath := filepath.Join(env.cfg.Edge.StateDir("sent"), "1.2.3", "1.2.3.4.dcm")
	if item.FilePath != wantPath {
		t.Errorf("file_path: got %q, want %q", item.FilePath, wantPath)
	}
	if _, err := os.Stat(wantPath); err != nil {
		t.Errorf("artifact not under sent/: %v", err)
	}

	calls := env.sender.sent()
	if len(calls) != 1 {
		t.Fatalf("got %d sends, want 1", len(calls))
	}
	if calls[0].Endpoint.AETitle != "ARCHIVE" {
		t.Errorf("endpoint: %+v", calls[0].Endpoint)
	}
}

func TestDummyModeNoNetwork(t *testing.T) {
	env := newEnv(t, func(cfg *config.Config) {
		cfg.Forwarder.Mode = config.ModeDummy
	})
	id := env.ingest(t, testutils.Object{})

	env.processOne(t)

	item, err := env.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != queue.StateSent {
		t.Errorf("state: got %q", item.State)
	}
	if len(env.sender.sent()) != 0 {
		t.Errorf("dummy mode sent %d objects", len(env.sender.sent()))
	}
}

func TestRetryThenSuccess(t *testing.T) {
	env := newEnv(t, nil)
	env.sender.errs = []error{&dimse.ForwardError{Code: "timeout"}}
	id := env.ingest(t, testutils.Object{})

	env.processOne(t)

	item, err := env.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != queue.StateQueued {
		t.Fatalf("state after first failure: got %q", item.State)
	}
	if item.Retries != 1 {
		t.Errorf("retries: got %d", item.Retries)
	}
	if !item.LastError.Valid || item.LastError.String != "timeout" {
		t.Errorf("last_error: %+v", item.LastError)
	}

	env.processOne(t)

	item, err = env.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != queue.StateSent {
		t.Errorf("state: got %q", item.State)
	}
}

func TestRetryExhaustion(t *testing.T) {
	env := newEnv(t, func(cfg *config.Config) {
		cfg.Forwarder.MaxRetries = 3
	})
	env.sender.errs = []error{
		&dimse.ForwardError{Code: "timeout"},
		&dimse.ForwardError{Code: "timeout"},
		&dimse.ForwardError{Code: "timeout"},
	}
	id := env.ingest(t, testutils.Object{})

	for i := 0; i < 3; i++ {
		env.processOne(t)
	}

	item, err := env.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != queue.StateFailed {
		t.Fatalf("state: got %q", item.State)
	}
	if item.Retries != 3 {
		t.Errorf("retries: got %d, want exactly max_retries", item.Retries)
	}

	wantPath := filepath.Join(env.cfg.Edge.StateDir("failed"), "1.2.3", "1.2.3.4.dcm")
	if item.FilePath != wantPath {
		t.Errorf("file_path: got %q", item.FilePath)
	}
	if _, err := os.Stat(wantPath); err != nil {
		t.Errorf("artifact not under failed/: %v", err)
	}

	// Terminal records are not claimable.
	processed, err := env.fwd.ProcessOne(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if processed {
		t.Error("failed record claimed again")
	}
}

func TestMaxRetriesOneFailsImmediately(t *testing.T) {
	env := newEnv(t, func(cfg *config.Config) {
		cfg.Forwarder.MaxRetries = 1
	})
	env.sender.errs = []error{&dimse.ForwardError{Code: "association_refused"}}
	id := env.ingest(t, testutils.Object{})

	env.processOne(t)

	item, err := env.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != queue.StateFailed {
		t.Errorf("state: got %q", item.State)
	}
	if len(env.backoffSleeps()) != 0 {
		t.Errorf("unexpected backoff sleeps: %v", env.backoffSleeps())
	}
}

func TestBackoffDoubling(t *testing.T) {
	env := newEnv(t, func(cfg *config.Config) {
		cfg.Forwarder.MaxRetries = 4
		cfg.Forwarder.BackoffBaseSeconds = 1
	})
	env.sender.errs = []error{
		&dimse.ForwardError{Code: "timeout"},
		&dimse.ForwardError{Code: "timeout"},
		&dimse.ForwardError{Code: "timeout"},
	}
	env.ingest(t, testutils.Object{})

	for i := 0; i < 4; i++ {
		env.processOne(t)
	}

	want := []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}
	got := env.backoffSleeps()
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("backoff %d: got %v, want %v", i+1, got[i], want[i])
		}
	}
}

func TestWorkersRoundRobin(t *testing.T) {
	env := newEnv(t, func(cfg *config.Config) {
		cfg.Forwarder.Mode = config.ModeWorkers
		cfg.Forwarder.Workers = []config.Endpoint{
			{Host: "w1", Port: 104, AETitle: "W1"},
			{Host: "w2", Port: 104, AETitle: "W2"},
		}
	})

	ids := []int64{
		env.ingest(t, testutils.Object{SOPUID: "1.2.3.1"}),
		env.ingest(t, testutils.Object{SOPUID: "1.2.3.2"}),
		env.ingest(t, testutils.Object{SOPUID: "1.2.3.3"}),
	}
	for range ids {
		env.processOne(t)
	}

	calls := env.sender.sent()
	if len(calls) != 3 {
		t.Fatalf("got %d sends", len(calls))
	}
	for i, wantAE := range []string{"W1", "W2", "W1"} {
		if calls[i].Endpoint.AETitle != wantAE {
			t.Errorf("send %d: got %q, want %q", i, calls[i].Endpoint.AETitle, wantAE)
		}
	}

	// mark_worker_sent happened before each send.
	for i, id := range ids {
		item, err := env.store.Get(id)
		if err != nil {
			t.Fatal(err)
		}
		if !item.WorkerSentAt.Valid || item.AIStatus != queue.AIStatusPending {
			t.Errorf("record %d: worker send not stamped: %+v", i, item)
		}
	}
}

func TestWorkerFailurePrefix(t *testing.T) {
	env := newEnv(t, func(cfg *config.Config) {
		cfg.Forwarder.Mode = config.ModeWorkers
		cfg.Forwarder.Workers = []config.Endpoint{{Host: "w1", Port: 104, AETitle: "W1"}}
	})
	env.sender.errs = []error{&dimse.ForwardError{Code: "timeout"}}
	id := env.ingest(t, testutils.Object{})

	env.processOne(t)

	item, err := env.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if !item.LastError.Valid || item.LastError.String != "worker_timeout" {
		t.Errorf("last_error: %+v", item.LastError)
	}
}

func TestGatewayModeRouting(t *testing.T) {
	env := newEnv(t, func(cfg *config.Config) {
		cfg.Forwarder.Mode = config.ModeGateway
		cfg.Forwarder.Workers = []config.Endpoint{{Host: "w1", Port: 104, AETitle: "W1"}}
	})

	env.ingest(t, testutils.Object{SOPUID: "1.2.3.1"})
	env.ingest(t, testutils.Object{SOPUID: "1.2.3.2", SeriesDesc: "AI_RESULT"})
	env.processOne(t)
	env.processOne(t)

	calls := env.sender.sent()
	if len(calls) != 2 {
		t.Fatalf("got %d sends", len(calls))
	}
	if calls[0].Endpoint.AETitle != "W1" {
		t.Errorf("plain image went to %q, want W1", calls[0].Endpoint.AETitle)
	}
	if calls[1].Endpoint.AETitle != "ARCHIVE" {
		t.Errorf("result object went to %q, want ARCHIVE", calls[1].Endpoint.AETitle)
	}
}

func TestUnknownModeFailsWithDistinctCode(t *testing.T) {
	env := newEnv(t, func(cfg *config.Config) {
		cfg.Forwarder.Mode = "bogus"
	})
	id := env.ingest(t, testutils.Object{})

	env.processOne(t)

	item, err := env.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != queue.StateQueued {
		t.Errorf("state: got %q", item.State)
	}
	if !item.LastError.Valid || item.LastError.String != "unknown_mode:bogus" {
		t.Errorf("last_error: %+v", item.LastError)
	}
	if len(env.sender.sent()) != 0 {
		t.Error("send attempted for unrecognized mode")
	}
}

func TestFaultRejectRetries(t *testing.T) {
	env := newEnv(t, nil)
	env.fwd.faults.Set(config.Faults{RejectAll: true})
	id := env.ingest(t, testutils.Object{})

	env.processOne(t)

	item, err := env.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if item.State != queue.StateQueued {
		t.Errorf("state: got %q", item.State)
	}
	if !item.LastError.Valid || !strings.Contains(item.LastError.String, "reject_all") {
		t.Errorf("last_error: %+v", item.LastError)
	}
	if len(env.sender.sent()) != 0 {
		t.Error("send attempted despite injected fault")
	}
}

func TestFileMovesThroughStateDirs(t *testing.T) {
	env := newEnv(t, nil)
	env.sender.errs = []error{&dimse.ForwardError{Code: "timeout"}}
	id := env.ingest(t, testutils.Object{})

	env.processOne(t)

	// After the first failure the artifact sits under queued/.
	item, err := env.store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	wantQueued := filepath.Join(env.cfg.Edge.StateDir("queued"), "1.2.3", "1.2.3.4.dcm")
	if item.FilePath != wantQueued {
		t.Errorf("file_path: got %q, want %q", item.FilePath, wantQueued)
	}
	if _, err := os.Stat(wantQueued); err != nil {
		t.Errorf("artifact not under queued/: %v", err)
	}
}
