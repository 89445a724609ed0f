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

package testutils

import (
	"testing"

	"github.com/pacsedge/pacsedge/internal/dicom"
)

// Object describes a synthetic test object.
type Object struct {
	SOPClassUID string
	StudyUID    string
	SOPUID      string
	Modality    string
	SeriesDesc  string
}

// Dataset builds a minimal dataset from the description, filling
// defaults for anything left empty.
func Dataset(obj Object) *dicom.Dataset {
	if obj.SOPClassUID == "" {
		obj.SOPClassUID = dicom.CTImageStorage
	}
	if obj.StudyUID == "" {
		obj.StudyUID = "1.2.3"
	}
	if obj.SOPUID == "" {
		obj.SOPUID = "1.2.3.4"
	}
	if obj.Modality == "" {
		obj.Modality = "CT"
	}

	ds := &dicom.Dataset{}
	ds.SetString(dicom.TagSOPClassUID, "UI", obj.SOPClassUID)
	ds.SetString(dicom.TagSOPInstanceUID, "UI", obj.SOPUID)
	ds.SetString(dicom.TagStudyInstanceUID, "UI", obj.StudyUID)
	ds.SetString(dicom.TagModality, "CS", obj.Modality)
	if obj.SeriesDesc != "" {
		ds.SetString(dicom.TagSeriesDescription, "LO", obj.SeriesDesc)
	}
	return ds
}

// Blob encodes the described object as a part-10 byte blob.
func Blob(t *testing.T, obj Object) []byte {
	t.Helper()
	blob, err := dicom.Encode(Dataset(obj))
	if err != nil {
		t.Fatalf("encode test object: %v", err)
	}
	return blob
}
