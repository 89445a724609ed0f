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

// pacsedge-worker is a stand-in compute worker: it accepts image
// objects from a gateway, fabricates an AI_RESULT secondary capture
// for the same study and pushes it back for correlation. Development
// harness, not part of the serving path.
package main

import (
	"context"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pacsedge/pacsedge/framework/log"
	"github.com/pacsedge/pacsedge/internal/dicom"
	"github.com/pacsedge/pacsedge/internal/dimse"
)

type workerConfig struct {
	GatewayHost string
	GatewayPort int
	GatewayAE   string
	AETitle     string
	Port        int
	Delay       time.Duration
}

func configFromEnv() workerConfig {
	str := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}
	num := func(key string, fallback int) int {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return fallback
	}
	return workerConfig{
		GatewayHost: str("GATEWAY_HOST", "edge"),
		GatewayPort: num("GATEWAY_PORT", 11112),
		GatewayAE:   str("GATEWAY_AE_TITLE", "PACS_EDGE"),
		AETitle:     str("WORKER_AE_TITLE", "WORKER"),
		Port:        num("WORKER_PORT", 11112),
		Delay:       time.Duration(num("WORKER_DELAY_SECONDS", 0)) * time.Second,
	}
}

type worker struct {
	cfg workerConfig
	log log.Logger
}

func (w *worker) OnAssociate(dimse.AssocInfo) error {
	return nil
}

func (w *worker) OnEcho(dimse.AssocInfo) dimse.Status {
	return dimse.StatusSuccess
}

// OnStore produces and delivers the result inline: the gateway's
// C-STORE succeeds only once the result round trip is done, mirroring
// a synchronous compute pipeline.
func (w *worker) OnStore(assoc dimse.AssocInfo, _ string, object []byte) dimse.Status {
	if w.cfg.Delay > 0 {
		time.Sleep(w.cfg.Delay)
	}

	in, err := dicom.Decode(object)
	if err != nil {
		w.log.Error("malformed input object", err, "calling_ae", assoc.CallingAE)
		return dimse.StatusOutOfResources
	}

	result, err := buildResult(in)
	if err != nil {
		w.log.Error("result build failed", err)
		return dimse.StatusOutOfResources
	}
	if err := w.sendResult(result); err != nil {
		w.log.Error("result send failed", err)
		return dimse.StatusOutOfResources
	}
	return dimse.StatusSuccess
}

// buildResult fabricates an AI_RESULT secondary capture tied to the
// input's study.
func buildResult(in *dicom.Dataset) ([]byte, error) {
	ds := &dicom.Dataset{}
	ds.SetString(dicom.TagSOPClassUID, "UI", dicom.SecondaryCaptureImageStorage)
	ds.SetString(dicom.TagSOPInstanceUID, "UI", dicom.NewUID())
	ds.SetString(dicom.TagStudyInstanceUID, "UI", in.StringOr(dicom.TagStudyInstanceUID, dicom.NewUID()))
	ds.SetString(dicom.TagSeriesInstanceUID, "UI", dicom.NewUID())
	ds.SetString(dicom.TagPatientName, "PN", in.StringOr(dicom.TagPatientName, "UNKNOWN"))
	ds.SetString(dicom.TagPatientID, "LO", in.StringOr(dicom.TagPatientID, "UNKNOWN"))
	ds.SetString(dicom.TagModality, "CS", "OT")
	ds.SetString(dicom.TagSeriesDescription, "LO", "AI_RESULT")
	ds.SetUint16(dicom.TagRows, 1)
	ds.SetUint16(dicom.TagColumns, 1)
	ds.SetUint16(dicom.TagBitsAllocated, 16)
	ds.SetUint16(dicom.TagBitsStored, 16)
	ds.SetUint16(dicom.TagHighBit, 15)
	ds.SetUint16(dicom.TagPixelRepresentation, 0)
	ds.SetUint16(dicom.TagSamplesPerPixel, 1)
	ds.SetString(dicom.TagPhotometricInterpretation, "CS", "MONOCHROME2")
	ds.Set(dicom.TagPixelData, "OW", []byte{0x00, 0x00})
	return dicom.Encode(ds)
}

func (w *worker) sendResult(blob []byte) error {
	client := &dimse.Client{CallingAE: w.cfg.AETitle, Log: w.log}
	ep := dimse.Endpoint{
		Host:    w.cfg.GatewayHost,
		Port:    w.cfg.GatewayPort,
		AETitle: w.cfg.GatewayAE,
	}
	ctx := context.Background()
	if err := client.Connect(ctx, ep, []string{dicom.SecondaryCaptureImageStorage}); err != nil {
		return err
	}
	defer client.Close()
	return client.Store(ctx, dicom.SecondaryCaptureImageStorage, blob)
}

func main() {
	cfg := configFromEnv()
	logger := log.DefaultLogger
	logger.Stage = "worker"

	w := &worker{cfg: cfg, log: logger}
	server := &dimse.Server{
		AETitle: cfg.AETitle,
		AbstractSyntaxes: []string{
			dicom.CTImageStorage,
			dicom.MRImageStorage,
		},
		Handler: w,
		Log:     logger,
	}

	listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(cfg.Port)))
	if err != nil {
		logger.Error("listen failed", err, "port", cfg.Port)
		os.Exit(1)
	}
	logger.Msg("listening", "ae_title", cfg.AETitle, "port", cfg.Port)
	if err := server.Serve(listener); err != nil {
		logger.Error("serve failed", err)
		os.Exit(1)
	}
}
