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
	"sort"
	"strings"
)

// Element is a single data element. Value holds the raw bytes before
// even-length padding; padding is applied during encoding.
type Element struct {
	Tag   Tag
	VR    string
	Value []byte
}

// Dataset is an ordered set of elements. The zero value is usable.
//
// Elements are kept sorted by tag so encoding is deterministic:
// encoding a decoded dataset reproduces the original bytes.
type Dataset struct {
	elems []Element
}

// Elements returns the elements in tag order. The slice is shared with
// the dataset and must not be mutated.
func (ds *Dataset) Elements() []Element {
	return ds.elems
}

func (ds *Dataset) search(tag Tag) int {
	return sort.Search(len(ds.elems), func(i int) bool {
		return !ds.elems[i].Tag.Less(tag)
	})
}

// Set inserts or replaces the element at tag.
func (ds *Dataset) Set(tag Tag, vr string, value []byte) {
	i := ds.search(tag)
	if i < len(ds.elems) && ds.elems[i].Tag == tag {
		ds.elems[i].VR = vr
		ds.elems[i].Value = value
		return
	}
	ds.elems = append(ds.elems, Element{})
	copy(ds.elems[i+1:], ds.elems[i:])
	ds.elems[i] = Element{Tag: tag, VR: vr, Value: value}
}

// SetString stores a textual value.
func (ds *Dataset) SetString(tag Tag, vr, value string) {
	ds.Set(tag, vr, []byte(value))
}

// SetUint16 stores an unsigned short (VR US).
func (ds *Dataset) SetUint16(tag Tag, value uint16) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	ds.Set(tag, "US", buf)
}

// Get returns the element at tag.
func (ds *Dataset) Get(tag Tag) (Element, bool) {
	i := ds.search(tag)
	if i < len(ds.elems) && ds.elems[i].Tag == tag {
		return ds.elems[i], true
	}
	return Element{}, false
}

// GetString returns the textual value at tag with the trailing padding
// stripped.
func (ds *Dataset) GetString(tag Tag) (string, bool) {
	el, ok := ds.Get(tag)
	if !ok {
		return "", false
	}
	return strings.TrimRight(string(el.Value), " \x00"), true
}

// StringOr is GetString with a fallback for absent or empty values.
func (ds *Dataset) StringOr(tag Tag, fallback string) string {
	s, ok := ds.GetString(tag)
	if !ok || s == "" {
		return fallback
	}
	return s
}
