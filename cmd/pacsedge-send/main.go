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

// pacsedge-send generates synthetic image objects and pushes them to a
// gateway. Development harness, not part of the serving path.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pacsedge/pacsedge/internal/dicom"
	"github.com/pacsedge/pacsedge/internal/dimse"
)

func main() {
	app := cli.NewApp()
	app.Name = "pacsedge-send"
	app.Usage = "send synthetic image objects to a gateway"
	app.Flags = []cli.Flag{
		&cli.StringFlag{Name: "host", Value: "127.0.0.1"},
		&cli.IntFlag{Name: "port", Value: 11112},
		&cli.StringFlag{Name: "called-ae", Value: "PACS_EDGE"},
		&cli.StringFlag{Name: "calling-ae", Value: "SIMULATOR"},
		&cli.IntFlag{Name: "count", Value: 1, Usage: "number of objects to send"},
		&cli.IntFlag{Name: "delay-ms", Value: 0, Usage: "pause between objects"},
		&cli.StringFlag{Name: "study-uid", Usage: "fixed study UID (default: mint one per object)"},
		&cli.StringFlag{Name: "series-uid", Usage: "fixed series UID"},
		&cli.StringFlag{Name: "sop-uid", Usage: "fixed sop UID (only sensible with --count 1)"},
		&cli.StringFlag{Name: "modality", Value: "CT"},
		&cli.StringFlag{Name: "series-description", Value: ""},
		&cli.StringFlag{Name: "patient-id", Value: "TEST001"},
		&cli.StringFlag{Name: "patient-name", Value: "SYNTHETIC^PATIENT"},
	}
	app.Action = send
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func send(c *cli.Context) error {
	for _, flag := range []string{"study-uid", "series-uid", "sop-uid"} {
		if v := c.String(flag); v != "" && !dicom.ValidUID(v) {
			return fmt.Errorf("invalid UID for %s: %s", flag, v)
		}
	}

	client := &dimse.Client{CallingAE: c.String("calling-ae")}
	ep := dimse.Endpoint{
		Host:    c.String("host"),
		Port:    c.Int("port"),
		AETitle: c.String("called-ae"),
	}
	syntaxes := []string{dicom.CTImageStorage, dicom.MRImageStorage}
	if err := client.Connect(c.Context, ep, syntaxes); err != nil {
		return fmt.Errorf("association failed: %w", err)
	}
	defer client.Close()

	for i := 0; i < c.Int("count"); i++ {
		blob, sopUID, err := buildObject(c)
		if err != nil {
			return err
		}
		if err := client.Store(c.Context, sopClassFor(c.String("modality")), blob); err != nil {
			return fmt.Errorf("object %d (%s): %w", i+1, sopUID, err)
		}
		fmt.Printf("sent %s\n", sopUID)

		if d := c.Int("delay-ms"); d > 0 && i+1 < c.Int("count") {
			time.Sleep(time.Duration(d) * time.Millisecond)
		}
	}
	return nil
}

func sopClassFor(modality string) string {
	if modality == "MR" {
		return dicom.MRImageStorage
	}
	return dicom.CTImageStorage
}

func buildObject(c *cli.Context) ([]byte, string, error) {
	uidOr := func(flag string) string {
		if v := c.String(flag); v != "" {
			return v
		}
		return dicom.NewUID()
	}
	sopUID := uidOr("sop-uid")

	ds := &dicom.Dataset{}
	ds.SetString(dicom.TagSOPClassUID, "UI", sopClassFor(c.String("modality")))
	ds.SetString(dicom.TagSOPInstanceUID, "UI", sopUID)
	ds.SetString(dicom.TagStudyInstanceUID, "UI", uidOr("study-uid"))
	ds.SetString(dicom.TagSeriesInstanceUID, "UI", uidOr("series-uid"))
	ds.SetString(dicom.TagModality, "CS", c.String("modality"))
	ds.SetString(dicom.TagPatientID, "LO", c.String("patient-id"))
	ds.SetString(dicom.TagPatientName, "PN", c.String("patient-name"))
	if desc := c.String("series-description"); desc != "" {
		ds.SetString(dicom.TagSeriesDescription, "LO", desc)
	}
	addPixelModule(ds)

	blob, err := dicom.Encode(ds)
	return blob, sopUID, err
}

// addPixelModule fills the minimal 1x1 monochrome pixel module so the
// object is a well formed image.
func addPixelModule(ds *dicom.Dataset) {
	ds.SetUint16(dicom.TagRows, 1)
	ds.SetUint16(dicom.TagColumns, 1)
	ds.SetUint16(dicom.TagBitsAllocated, 16)
	ds.SetUint16(dicom.TagBitsStored, 16)
	ds.SetUint16(dicom.TagHighBit, 15)
	ds.SetUint16(dicom.TagPixelRepresentation, 0)
	ds.SetUint16(dicom.TagSamplesPerPixel, 1)
	ds.SetString(dicom.TagPhotometricInterpretation, "CS", "MONOCHROME2")
	ds.Set(dicom.TagPixelData, "OW", []byte{0x00, 0x00})
}
