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

package dimse

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
)

// PDU framing: one type byte, one reserved byte, 4-byte big-endian
// payload length, payload.
const (
	pduAssociateRQ = 0x01
	pduAssociateAC = 0x02
	pduAssociateRJ = 0x03
	pduPData       = 0x04
	pduReleaseRQ   = 0x05
	pduReleaseRP   = 0x06
	pduAbort       = 0x07
)

// Association reject reasons.
const (
	rejectUnspecified       = 0x00
	rejectNoAcceptedContext = 0x01
	rejectCalledAEUnknown   = 0x02
)

// Commands carried inside a P-DATA PDU.
const (
	cmdCStoreRQ  = 0x0001
	cmdCStoreRSP = 0x8001
	cmdCEchoRQ   = 0x0030
	cmdCEchoRSP  = 0x8030
)

const maxPDULen = 64 << 20

var errPDUTooLarge = errors.New("dimse: pdu exceeds maximum length")

func writePDU(w io.Writer, typ byte, payload []byte) error {
	if len(payload) > maxPDULen {
		return errPDUTooLarge
	}
	hdr := [6]byte{typ, 0}
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readPDU(r io.Reader) (byte, []byte, error) {
	var hdr [6]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(hdr[2:])
	if length > maxPDULen {
		return 0, nil, errPDUTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return hdr[0], payload, nil
}

// AE titles travel as 16 bytes, space padded, per DIMSE convention.
func aeBytes(ae string) [16]byte {
	var out [16]byte
	copy(out[:], ae)
	for i := len(ae); i < 16; i++ {
		out[i] = ' '
	}
	return out
}

func aeString(b []byte) string {
	return strings.TrimRight(string(b), " \x00")
}

// associatePayload is shared by A-ASSOCIATE-RQ (proposed abstract
// syntaxes) and A-ASSOCIATE-AC (accepted ones).
type associatePayload struct {
	CalledAE  string
	CallingAE string
	Syntaxes  []string
}

func (a associatePayload) encode() []byte {
	size := 16 + 16 + 2
	for _, s := range a.Syntaxes {
		size += 2 + len(s)
	}
	out := make([]byte, 0, size)

	called := aeBytes(a.CalledAE)
	calling := aeBytes(a.CallingAE)
	out = append(out, called[:]...)
	out = append(out, calling[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(a.Syntaxes)))
	for _, s := range a.Syntaxes {
		out = binary.BigEndian.AppendUint16(out, uint16(len(s)))
		out = append(out, s...)
	}
	return out
}

func decodeAssociate(payload []byte) (associatePayload, error) {
	if len(payload) < 34 {
		return associatePayload{}, errors.New("dimse: short associate payload")
	}
	a := associatePayload{
		CalledAE:  aeString(payload[0:16]),
		CallingAE: aeString(payload[16:32]),
	}
	count := int(binary.BigEndian.Uint16(payload[32:34]))
	off := 34
	for i := 0; i < count; i++ {
		if len(payload) < off+2 {
			return associatePayload{}, errors.New("dimse: truncated abstract syntax list")
		}
		n := int(binary.BigEndian.Uint16(payload[off:]))
		off += 2
		if len(payload) < off+n {
			return associatePayload{}, errors.New("dimse: truncated abstract syntax list")
		}
		a.Syntaxes = append(a.Syntaxes, string(payload[off:off+n]))
		off += n
	}
	return a, nil
}

// message is the decoded body of a P-DATA PDU.
type message struct {
	Command uint16

	// C-STORE-RQ only.
	SOPClassUID string
	Object      []byte

	// Responses only. HasStatus is false for a malformed peer that
	// answered without a status word.
	HasStatus bool
	Status    Status
}

func (m message) encode() []byte {
	out := binary.BigEndian.AppendUint16(nil, m.Command)
	switch m.Command {
	case cmdCStoreRQ:
		out = binary.BigEndian.AppendUint16(out, uint16(len(m.SOPClassUID)))
		out = append(out, m.SOPClassUID...)
		out = append(out, m.Object...)
	case cmdCStoreRSP, cmdCEchoRSP:
		if m.HasStatus {
			out = append(out, 0x01)
			out = binary.BigEndian.AppendUint16(out, uint16(m.Status))
		} else {
			out = append(out, 0x00)
		}
	}
	return out
}

func decodeMessage(payload []byte) (message, error) {
	if len(payload) < 2 {
		return message{}, errors.New("dimse: short message")
	}
	m := message{Command: binary.BigEndian.Uint16(payload)}
	body := payload[2:]

	switch m.Command {
	case cmdCEchoRQ:
	case cmdCStoreRQ:
		if len(body) < 2 {
			return message{}, errors.New("dimse: short c-store-rq")
		}
		n := int(binary.BigEndian.Uint16(body))
		if len(body) < 2+n {
			return message{}, errors.New("dimse: truncated sop class uid")
		}
		m.SOPClassUID = string(body[2 : 2+n])
		m.Object = body[2+n:]
	case cmdCStoreRSP, cmdCEchoRSP:
		if len(body) < 1 {
			return message{}, errors.New("dimse: short response")
		}
		if body[0] == 0x01 {
			if len(body) < 3 {
				return message{}, errors.New("dimse: truncated status")
			}
			m.HasStatus = true
			m.Status = Status(binary.BigEndian.Uint16(body[1:]))
		}
	default:
		return message{}, fmt.Errorf("dimse: unknown command 0x%04x", m.Command)
	}
	return m, nil
}
