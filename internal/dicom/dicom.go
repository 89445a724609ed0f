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

// Package dicom implements the subset of the DICOM object encoding the
// gateway consumes: part-10 files (preamble, DICM magic, group-0002
// file meta) with an explicit-VR little-endian dataset of simple
// elements. Sequences and other transfer syntaxes are out of scope.
package dicom

import (
	"fmt"
	"regexp"
)

// Well-known UIDs.
const (
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"

	CTImageStorage               = "1.2.840.10008.5.1.4.1.1.2"
	MRImageStorage               = "1.2.840.10008.5.1.4.1.1.4"
	SecondaryCaptureImageStorage = "1.2.840.10008.5.1.4.1.1.7"

	// ImplementationClassUID identifies this codec in file meta.
	ImplementationClassUID = "2.25.83224980593644941351765294544327418713"
)

// Tag addresses a data element.
type Tag struct {
	Group   uint16
	Element uint16
}

func (t Tag) String() string {
	return fmt.Sprintf("(%04X,%04X)", t.Group, t.Element)
}

// Less orders tags the way they appear in an encoded dataset.
func (t Tag) Less(o Tag) bool {
	if t.Group != o.Group {
		return t.Group < o.Group
	}
	return t.Element < o.Element
}

// File meta (group 0002) tags.
var (
	TagFileMetaInformationGroupLength = Tag{0x0002, 0x0000}
	TagFileMetaInformationVersion     = Tag{0x0002, 0x0001}
	TagMediaStorageSOPClassUID        = Tag{0x0002, 0x0002}
	TagMediaStorageSOPInstanceUID     = Tag{0x0002, 0x0003}
	TagTransferSyntaxUID              = Tag{0x0002, 0x0010}
	TagImplementationClassUID         = Tag{0x0002, 0x0012}
)

// Dataset tags the gateway reads or the harnesses write.
var (
	TagSOPClassUID               = Tag{0x0008, 0x0016}
	TagSOPInstanceUID            = Tag{0x0008, 0x0018}
	TagStudyDate                 = Tag{0x0008, 0x0020}
	TagStudyTime                 = Tag{0x0008, 0x0030}
	TagModality                  = Tag{0x0008, 0x0060}
	TagSeriesDescription         = Tag{0x0008, 0x103E}
	TagPatientName               = Tag{0x0010, 0x0010}
	TagPatientID                 = Tag{0x0010, 0x0020}
	TagStudyInstanceUID          = Tag{0x0020, 0x000D}
	TagSeriesInstanceUID         = Tag{0x0020, 0x000E}
	TagSamplesPerPixel           = Tag{0x0028, 0x0002}
	TagPhotometricInterpretation = Tag{0x0028, 0x0004}
	TagRows                      = Tag{0x0028, 0x0010}
	TagColumns                   = Tag{0x0028, 0x0011}
	TagBitsAllocated             = Tag{0x0028, 0x0100}
	TagBitsStored                = Tag{0x0028, 0x0101}
	TagHighBit                   = Tag{0x0028, 0x0102}
	TagPixelRepresentation       = Tag{0x0028, 0x0103}
	TagPixelData                 = Tag{0x7FE0, 0x0010}
)

var uidRegexp = regexp.MustCompile(`^[0-9]+(\.[0-9]+)*$`)

// ValidUID reports whether uid is a well-formed dotted-decimal UID of
// at most 64 characters. The receive path does not reject malformed
// UIDs from the network; the sender harness does.
func ValidUID(uid string) bool {
	if len(uid) == 0 || len(uid) > 64 {
		return false
	}
	return uidRegexp.MatchString(uid)
}
