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

// Package dimse implements the association transport of the gateway: a
// framed request/response protocol carrying the C-ECHO and C-STORE
// verbs between application entities.
//
// The package provides the initiator (Client) used by the forwarder and
// the acceptor (Server) used by the admission layer. A single Timeout
// value covers connection establishment, association negotiation and
// message exchange on both sides.
package dimse

import (
	"fmt"
	"net"
	"strconv"
)

// Status is the response status word of a DIMSE operation.
type Status uint16

const (
	// StatusSuccess accepts the operation.
	StatusSuccess Status = 0x0000
	// StatusOutOfResources refuses a store: out of resources or any
	// generic receive-side failure.
	StatusOutOfResources Status = 0xA700
)

func (s Status) String() string {
	return fmt.Sprintf("0x%04x", uint16(s))
}

// Endpoint identifies a remote application entity.
type Endpoint struct {
	Host    string
	Port    int
	AETitle string
}

func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	return e.AETitle + "@" + e.Addr()
}

// AssocInfo describes the association a message arrived on.
type AssocInfo struct {
	CallingAE  string
	CalledAE   string
	RemoteAddr string
}

// ForwardError is any outbound-send problem. Code is one of: timeout,
// association_refused, association_error:<msg>, c_store_error:<msg>,
// c_store_no_status, c_store_failure:<code>, unknown_route:<route>;
// the forwarder prepends worker_ when the peer was a worker endpoint.
//
// ForwardError is always temporary: the forwarder retries it until the
// retry budget is exhausted.
type ForwardError struct {
	Code string
	Err  error
}

func (e *ForwardError) Error() string {
	return e.Code
}

func (e *ForwardError) Unwrap() error {
	return e.Err
}

func (e *ForwardError) Temporary() bool {
	return true
}

// Forwardf builds a ForwardError with a formatted code.
func Forwardf(err error, format string, args ...interface{}) *ForwardError {
	return &ForwardError{Code: fmt.Sprintf(format, args...), Err: err}
}

// PrefixCode rewrites the code of a ForwardError, used to mark failures
// against worker endpoints with the worker_ prefix. Other errors pass
// through unchanged.
func PrefixCode(err error, prefix string) error {
	if fe, ok := err.(*ForwardError); ok {
		return &ForwardError{Code: prefix + fe.Code, Err: fe.Err}
	}
	return err
}
