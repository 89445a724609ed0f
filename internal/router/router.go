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

// Package router decides the destination of an object in gateway mode
// based on its header alone.
package router

import (
	"github.com/pacsedge/pacsedge/internal/dicom"
	"github.com/pacsedge/pacsedge/internal/dimse"
)

// Route is a forwarding destination class.
type Route string

const (
	RouteArchive Route = "archive"
	RouteWorker  Route = "worker"
)

// AIResultSeriesDescription marks a worker-produced result object.
const AIResultSeriesDescription = "AI_RESULT"

// Decide routes one object. Result objects, structured reports and
// secondary captures go to the archive; everything that still needs
// compute goes to a worker.
func Decide(ds *dicom.Dataset) (Route, error) {
	if ds.StringOr(dicom.TagSeriesDescription, "") == AIResultSeriesDescription {
		return RouteArchive, nil
	}
	switch ds.StringOr(dicom.TagModality, "") {
	case "SR", "OT":
		return RouteArchive, nil
	}
	if ds.StringOr(dicom.TagSOPClassUID, "") == dicom.SecondaryCaptureImageStorage {
		return RouteArchive, nil
	}
	if _, ok := ds.GetString(dicom.TagSOPClassUID); !ok {
		return "", dimse.Forwardf(nil, "unknown_route:missing sop class")
	}
	return RouteWorker, nil
}

// IsAIResult reports whether the object is a worker result by the
// series-description convention.
func IsAIResult(ds *dicom.Dataset) bool {
	return ds.StringOr(dicom.TagSeriesDescription, "") == AIResultSeriesDescription
}
