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

package dicom

import (
	"bytes"
	"errors"
	"testing"
)

func testDataset() *Dataset {
	ds := &Dataset{}
	ds.SetString(TagSOPClassUID, "UI", CTImageStorage)
	ds.SetString(TagSOPInstanceUID, "UI", "1.2.3.4")
	ds.SetString(TagStudyInstanceUID, "UI", "1.2.3")
	ds.SetString(TagSeriesInstanceUID, "UI", "1.2.3.1")
	ds.SetString(TagModality, "CS", "CT")
	ds.SetString(TagPatientName, "PN", "DOE^JOHN")
	ds.SetUint16(TagRows, 1)
	ds.SetUint16(TagColumns, 1)
	ds.Set(TagPixelData, "OW", []byte{0x12, 0x34})
	return ds
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	blob, err := Encode(testDataset())
	if err != nil {
		t.Fatal(err)
	}

	ds, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}

	for _, check := range []struct {
		tag  Tag
		want string
	}{
		{TagSOPClassUID, CTImageStorage},
		{TagSOPInstanceUID, "1.2.3.4"},
		{TagStudyInstanceUID, "1.2.3"},
		{TagModality, "CT"},
		{TagPatientName, "DOE^JOHN"},
	} {
		got, ok := ds.GetString(check.tag)
		if !ok {
			t.Errorf("%v: element missing", check.tag)
			continue
		}
		if got != check.want {
			t.Errorf("%v: got %q, want %q", check.tag, got, check.want)
		}
	}

	if ts, _ := ds.GetString(TagTransferSyntaxUID); ts != ExplicitVRLittleEndian {
		t.Errorf("transfer syntax: got %q", ts)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	first, err := Encode(testDataset())
	if err != nil {
		t.Fatal(err)
	}

	ds, err := Decode(first)
	if err != nil {
		t.Fatal(err)
	}
	second, err := Encode(ds)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(first, second) {
		t.Error("re-encoding a decoded object changed the bytes")
	}
}

func TestEncodeOddLengthPadding(t *testing.T) {
	ds := &Dataset{}
	ds.SetString(TagSOPClassUID, "UI", CTImageStorage)
	ds.SetString(TagSOPInstanceUID, "UI", "1.2.3.4.5") // 9 bytes, needs NUL pad
	ds.SetString(TagPatientName, "PN", "DOE")          // 3 bytes, needs space pad

	blob, err := Encode(ds)
	if err != nil {
		t.Fatal(err)
	}
	out, err := Decode(blob)
	if err != nil {
		t.Fatal(err)
	}

	if got, _ := out.GetString(TagSOPInstanceUID); got != "1.2.3.4.5" {
		t.Errorf("sop uid: got %q", got)
	}
	if got, _ := out.GetString(TagPatientName); got != "DOE" {
		t.Errorf("patient name: got %q", got)
	}
}

func TestDecodeRejectsNonPart10(t *testing.T) {
	for _, blob := range [][]byte{
		nil,
		[]byte("clearly not dicom"),
		bytes.Repeat([]byte{0}, 200),
	} {
		if _, err := Decode(blob); !errors.Is(err, ErrNotPart10) {
			t.Errorf("Decode(%d bytes): got %v, want ErrNotPart10", len(blob), err)
		}
	}
}

func TestDecodeRejectsTruncated(t *testing.T) {
	blob, err := Encode(testDataset())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(blob[:len(blob)-1]); err == nil {
		t.Error("truncated object decoded without error")
	}
}

func TestValidUID(t *testing.T) {
	valid := []string{"1", "1.2.3", "1.2.840.10008.5.1.4.1.1.2", "2.25.123456"}
	for _, uid := range valid {
		if !ValidUID(uid) {
			t.Errorf("ValidUID(%q) = false", uid)
		}
	}

	invalid := []string{"", ".1.2", "1.2.", "1..2", "1.a.2", "1,2",
		"1.2.3.4.5.6.7.8.9.0.1.2.3.4.5.6.7.8.9.0.1.2.3.4.5.6.7.8.9.0.1.2.3"}
	for _, uid := range invalid {
		if ValidUID(uid) {
			t.Errorf("ValidUID(%q) = true", uid)
		}
	}
}

func TestNewUID(t *testing.T) {
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		uid := NewUID()
		if !ValidUID(uid) {
			t.Fatalf("NewUID() = %q, not a valid UID", uid)
		}
		if len(uid) > 64 {
			t.Fatalf("NewUID() = %q, longer than 64 chars", uid)
		}
		if seen[uid] {
			t.Fatalf("NewUID() repeated %q", uid)
		}
		seen[uid] = true
	}
}

func TestDatasetSetReplaces(t *testing.T) {
	ds := &Dataset{}
	ds.SetString(TagModality, "CS", "CT")
	ds.SetString(TagModality, "CS", "MR")

	if got, _ := ds.GetString(TagModality); got != "MR" {
		t.Errorf("got %q, want MR", got)
	}
	if len(ds.Elements()) != 1 {
		t.Errorf("got %d elements, want 1", len(ds.Elements()))
	}
}

func TestStringOr(t *testing.T) {
	ds := &Dataset{}
	if got := ds.StringOr(TagStudyInstanceUID, "unknown"); got != "unknown" {
		t.Errorf("absent: got %q", got)
	}
	ds.SetString(TagStudyInstanceUID, "UI", "")
	if got := ds.StringOr(TagStudyInstanceUID, "unknown"); got != "unknown" {
		t.Errorf("empty: got %q", got)
	}
	ds.SetString(TagStudyInstanceUID, "UI", "1.2.3")
	if got := ds.StringOr(TagStudyInstanceUID, "unknown"); got != "1.2.3" {
		t.Errorf("present: got %q", got)
	}
}
