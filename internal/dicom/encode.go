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
	"encoding/binary"
	"fmt"
)

// VRs encoded with a 2-byte reserved field and a 4-byte length.
var longVRs = map[string]bool{
	"OB": true, "OW": true, "OF": true, "SQ": true, "UT": true, "UN": true,
}

// VRs padded with NUL instead of space to an even length.
var nulPaddedVRs = map[string]bool{
	"UI": true, "OB": true, "OW": true, "OF": true, "UN": true,
}

func padValue(vr string, value []byte) []byte {
	if len(value)%2 == 0 {
		return value
	}
	pad := byte(' ')
	if nulPaddedVRs[vr] {
		pad = 0x00
	}
	padded := make([]byte, len(value)+1)
	copy(padded, value)
	padded[len(value)] = pad
	return padded
}

func writeElement(buf *bytes.Buffer, el Element) error {
	if len(el.VR) != 2 {
		return fmt.Errorf("dicom: element %v has malformed VR %q", el.Tag, el.VR)
	}
	value := padValue(el.VR, el.Value)

	var hdr [8]byte
	binary.LittleEndian.PutUint16(hdr[0:], el.Tag.Group)
	binary.LittleEndian.PutUint16(hdr[2:], el.Tag.Element)
	hdr[4] = el.VR[0]
	hdr[5] = el.VR[1]

	if longVRs[el.VR] {
		binary.LittleEndian.PutUint16(hdr[6:], 0)
		buf.Write(hdr[:])
		var length [4]byte
		binary.LittleEndian.PutUint32(length[:], uint32(len(value)))
		buf.Write(length[:])
	} else {
		if len(value) > 0xFFFF {
			return fmt.Errorf("dicom: element %v value too long for VR %s", el.Tag, el.VR)
		}
		binary.LittleEndian.PutUint16(hdr[6:], uint16(len(value)))
		buf.Write(hdr[:])
	}
	buf.Write(value)
	return nil
}

// Encode serializes the dataset as a part-10 object: 128-byte preamble,
// DICM magic, group-0002 file meta and the explicit-VR little-endian
// dataset. Encoding is deterministic: encoding a decoded object
// reproduces it byte for byte.
//
// File meta carried by the dataset is reused (the group length is
// always recomputed); otherwise it is synthesized from SOPClassUID and
// SOPInstanceUID.
func Encode(ds *Dataset) ([]byte, error) {
	meta := fileMeta(ds)

	metaBody := &bytes.Buffer{}
	for _, el := range meta.Elements() {
		if el.Tag == TagFileMetaInformationGroupLength {
			continue
		}
		if err := writeElement(metaBody, el); err != nil {
			return nil, err
		}
	}

	out := &bytes.Buffer{}
	out.Write(make([]byte, 128))
	out.WriteString("DICM")

	groupLen := make([]byte, 4)
	binary.LittleEndian.PutUint32(groupLen, uint32(metaBody.Len()))
	if err := writeElement(out, Element{Tag: TagFileMetaInformationGroupLength, VR: "UL", Value: groupLen}); err != nil {
		return nil, err
	}
	out.Write(metaBody.Bytes())

	for _, el := range ds.Elements() {
		if el.Tag.Group == 0x0002 {
			continue
		}
		if err := writeElement(out, el); err != nil {
			return nil, err
		}
	}
	return out.Bytes(), nil
}

func fileMeta(ds *Dataset) *Dataset {
	meta := &Dataset{}
	hasMeta := false
	for _, el := range ds.Elements() {
		if el.Tag.Group != 0x0002 {
			break
		}
		if el.Tag != TagFileMetaInformationGroupLength {
			hasMeta = true
		}
		meta.Set(el.Tag, el.VR, el.Value)
	}
	if hasMeta {
		return meta
	}

	meta.Set(TagFileMetaInformationVersion, "OB", []byte{0x00, 0x01})
	meta.SetString(TagMediaStorageSOPClassUID, "UI", ds.StringOr(TagSOPClassUID, ""))
	meta.SetString(TagMediaStorageSOPInstanceUID, "UI", ds.StringOr(TagSOPInstanceUID, ""))
	meta.SetString(TagTransferSyntaxUID, "UI", ExplicitVRLittleEndian)
	meta.SetString(TagImplementationClassUID, "UI", ImplementationClassUID)
	return meta
}
