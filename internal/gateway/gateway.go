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

// Package gateway assembles the edge: directories, queue store, fault
// injector, forwarder and the association listener.
package gateway

import (
	"context"
	"errors"
	"net"
	"strconv"

	"github.com/pacsedge/pacsedge/framework/config"
	"github.com/pacsedge/pacsedge/framework/log"
	"github.com/pacsedge/pacsedge/internal/dicom"
	"github.com/pacsedge/pacsedge/internal/dimse"
	"github.com/pacsedge/pacsedge/internal/faults"
	"github.com/pacsedge/pacsedge/internal/forward"
	"github.com/pacsedge/pacsedge/internal/queue"
	"github.com/pacsedge/pacsedge/internal/receive"
)

// AcceptedSOPClasses are the storage classes the listener negotiates.
var AcceptedSOPClasses = []string{
	dicom.CTImageStorage,
	dicom.MRImageStorage,
	dicom.SecondaryCaptureImageStorage,
}

// Gateway is one fully wired edge instance.
type Gateway struct {
	cfg *config.Config
	log log.Logger

	store    *queue.Store
	injector *faults.Injector
	fwd      *forward.Forwarder
	handler  *receive.Handler
	server   *dimse.Server
	listener net.Listener
}

// New builds the gateway: state directories are created, the queue
// store is connected (with bounded retries) and all components are
// wired. The listener is not yet bound; call Run.
func New(ctx context.Context, cfg *config.Config, logger log.Logger) (*Gateway, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	dbLog := logger
	dbLog.Stage = "db"
	store, err := queue.Open(ctx, cfg, dbLog)
	if err != nil {
		return nil, err
	}

	injector := faults.New(cfg.FaultInjection, logger)
	if err := injector.Watch(cfg.Path()); err != nil {
		logger.Error("fault watch unavailable", err, "path", cfg.Path())
	}

	fwdLog := logger
	fwdLog.Stage = "forward"
	fwd := forward.New(cfg, store, injector, fwdLog)

	handler := receive.NewHandler(cfg, store, injector, fwd, logger)

	server := &dimse.Server{
		AETitle:          cfg.Edge.AETitle,
		AbstractSyntaxes: AcceptedSOPClasses,
		Handler:          handler,
		Timeout:          cfg.Forwarder.Timeout(),
		Log:              logger,
	}

	return &Gateway{
		cfg:      cfg,
		log:      logger,
		store:    store,
		injector: injector,
		fwd:      fwd,
		handler:  handler,
		server:   server,
	}, nil
}

// Run binds the listener and serves associations until Close. The
// background forwarder runs alongside except in parallel mode, where
// every forward happens inline on the receive path.
func (g *Gateway) Run() error {
	addr := net.JoinHostPort("", strconv.Itoa(g.cfg.Edge.Port))
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	g.listener = listener

	if g.cfg.Forwarder.Mode != config.ModeParallel {
		g.fwd.Start()
	}

	recLog := g.log
	recLog.Stage = "receive"
	recLog.Msg("listening", "ae_title", g.cfg.Edge.AETitle, "port", g.cfg.Edge.Port,
		"mode", g.cfg.Forwarder.Mode)

	err = g.server.Serve(listener)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close tears the gateway down in dependency order: listener first,
// then the forwarder and pending worker sends, the store last.
func (g *Gateway) Close() error {
	var firstErr error
	record := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	record(g.server.Close())
	if g.cfg.Forwarder.Mode != config.ModeParallel {
		g.fwd.Close()
	}
	g.handler.Close()
	record(g.injector.Close())
	record(g.store.Close())
	return firstErr
}

// Store exposes the queue store for the operator CLI.
func (g *Gateway) Store() *queue.Store {
	return g.store
}
