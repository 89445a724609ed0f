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
	"encoding/binary"
	"errors"
	"fmt"
	"os"
)

// ErrNotPart10 is returned for blobs without the preamble and DICM
// magic.
var ErrNotPart10 = errors.New("dicom: not a part-10 object")

// Decode parses a part-10 object. Group-0002 file meta elements are
// kept in the returned dataset so Encode can reproduce the input.
// Transfer syntaxes other than explicit-VR little-endian are rejected.
func Decode(blob []byte) (*Dataset, error) {
	if len(blob) < 132 || string(blob[128:132]) != "DICM" {
		return nil, ErrNotPart10
	}

	ds := &Dataset{}
	off := 132
	for off < len(blob) {
		el, n, err := readElement(blob[off:])
		if err != nil {
			return nil, fmt.Errorf("dicom: offset %d: %w", off, err)
		}
		ds.Set(el.Tag, el.VR, el.Value)
		off += n
	}

	if ts, ok := ds.GetString(TagTransferSyntaxUID); ok && ts != ExplicitVRLittleEndian {
		return nil, fmt.Errorf("dicom: unsupported transfer syntax %s", ts)
	}
	return ds, nil
}

func readElement(b []byte) (Element, int, error) {
	if len(b) < 8 {
		return Element{}, 0, errors.New("truncated element header")
	}
	el := Element{
		Tag: Tag{
			Group:   binary.LittleEndian.Uint16(b[0:]),
			Element: binary.LittleEndian.Uint16(b[2:]),
		},
		VR: string(b[4:6]),
	}
	if el.VR[0] < 'A' || el.VR[0] > 'Z' {
		return Element{}, 0, fmt.Errorf("element %v: implicit VR not supported", el.Tag)
	}

	var length int
	var hdrLen int
	if longVRs[el.VR] {
		if len(b) < 12 {
			return Element{}, 0, errors.New("truncated element header")
		}
		length32 := binary.LittleEndian.Uint32(b[8:])
		if length32 == 0xFFFFFFFF {
			return Element{}, 0, fmt.Errorf("element %v: undefined length not supported", el.Tag)
		}
		length = int(length32)
		hdrLen = 12
	} else {
		length = int(binary.LittleEndian.Uint16(b[6:]))
		hdrLen = 8
	}

	if len(b) < hdrLen+length {
		return Element{}, 0, fmt.Errorf("element %v: value truncated", el.Tag)
	}
	el.Value = b[hdrLen : hdrLen+length]
	return el, hdrLen + length, nil
}

// ReadFile decodes the part-10 object stored at path.
func ReadFile(path string) (*Dataset, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(blob)
}
