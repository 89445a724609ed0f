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
	"errors"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/pacsedge/pacsedge/framework/log"
)

// Handler reacts to messages arriving on an accepted association.
//
// OnStore returns the status word sent back in the C-STORE-RSP. OnEcho
// does the same for C-ECHO. Both are called from the per-connection
// goroutine and may block; the association deadline keeps a stuck
// handler from wedging the connection forever.
type Handler interface {
	OnAssociate(assoc AssocInfo) error
	OnEcho(assoc AssocInfo) Status
	OnStore(assoc AssocInfo, sopClassUID string, object []byte) Status
}

// Server is an association acceptor. One goroutine per accepted
// connection, messages on one association are handled sequentially.
type Server struct {
	// AETitle accepted as the called AE. Associations addressed to a
	// different called AE are rejected.
	AETitle string

	// AbstractSyntaxes the server accepts for storage. The accepted
	// set of an association is the intersection with the proposal.
	AbstractSyntaxes []string

	Handler Handler

	// Timeout bounds each PDU read and write. Zero means 10 seconds.
	Timeout time.Duration

	Log log.Logger

	listener   net.Listener
	listenerWG sync.WaitGroup

	mu    sync.Mutex
	conns map[net.Conn]struct{}
	done  bool
}

func (s *Server) timeout() time.Duration {
	if s.Timeout == 0 {
		return 10 * time.Second
	}
	return s.Timeout
}

// Serve accepts associations on l until Close is called. It always
// returns a non-nil error; after Close the error is net.ErrClosed.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return errors.New("dimse: server closed")
	}
	s.listener = l
	if s.conns == nil {
		s.conns = map[net.Conn]struct{}{}
	}
	s.mu.Unlock()

	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}

		s.mu.Lock()
		if s.done {
			s.mu.Unlock()
			conn.Close()
			return net.ErrClosed
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.listenerWG.Add(1)
		go func() {
			defer s.listenerWG.Done()
			s.serveConn(conn)

			s.mu.Lock()
			delete(s.conns, conn)
			s.mu.Unlock()
		}()
	}
}

// Close stops accepting and tears down all live associations. It does
// not wait for release handshakes.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	s.done = true
	listener := s.listener
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	var err error
	if listener != nil {
		err = listener.Close()
	}
	s.listenerWG.Wait()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer conn.Close()

	assoc, ok := s.negotiate(conn)
	if !ok {
		return
	}

	for {
		conn.SetDeadline(time.Now().Add(s.timeout()))
		typ, payload, err := readPDU(conn)
		if err != nil {
			s.Log.Debugf("association with %s dropped: %v", assoc.CallingAE, err)
			return
		}

		switch typ {
		case pduPData:
			rq, err := decodeMessage(payload)
			if err != nil {
				s.Log.Error("malformed message", err, "calling_ae", assoc.CallingAE)
				writePDU(conn, pduAbort, nil)
				return
			}
			if !s.respond(conn, assoc, rq) {
				return
			}
		case pduReleaseRQ:
			writePDU(conn, pduReleaseRP, nil)
			return
		case pduAbort:
			return
		default:
			writePDU(conn, pduAbort, nil)
			return
		}
	}
}

func (s *Server) negotiate(conn net.Conn) (AssocInfo, bool) {
	conn.SetDeadline(time.Now().Add(s.timeout()))
	typ, payload, err := readPDU(conn)
	if err != nil || typ != pduAssociateRQ {
		writePDU(conn, pduAbort, nil)
		return AssocInfo{}, false
	}
	rq, err := decodeAssociate(payload)
	if err != nil {
		writePDU(conn, pduAbort, nil)
		return AssocInfo{}, false
	}

	assoc := AssocInfo{
		CallingAE:  rq.CallingAE,
		CalledAE:   rq.CalledAE,
		RemoteAddr: conn.RemoteAddr().String(),
	}

	if s.AETitle != "" && rq.CalledAE != s.AETitle {
		writePDU(conn, pduAssociateRJ, []byte{rejectCalledAEUnknown})
		return AssocInfo{}, false
	}

	accepted := intersect(rq.Syntaxes, s.AbstractSyntaxes)
	if len(accepted) == 0 {
		writePDU(conn, pduAssociateRJ, []byte{rejectNoAcceptedContext})
		return AssocInfo{}, false
	}

	if s.Handler != nil {
		if err := s.Handler.OnAssociate(assoc); err != nil {
			s.Log.Debugf("association from %s refused: %v", assoc.CallingAE, err)
			writePDU(conn, pduAssociateRJ, []byte{rejectUnspecified})
			return AssocInfo{}, false
		}
	}

	ac := associatePayload{
		CalledAE:  rq.CalledAE,
		CallingAE: rq.CallingAE,
		Syntaxes:  accepted,
	}
	if err := writePDU(conn, pduAssociateAC, ac.encode()); err != nil {
		return AssocInfo{}, false
	}
	return assoc, true
}

func (s *Server) respond(conn net.Conn, assoc AssocInfo, rq message) bool {
	var rsp message
	switch rq.Command {
	case cmdCEchoRQ:
		rsp = message{Command: cmdCEchoRSP, HasStatus: true,
			Status: s.callEcho(assoc)}
	case cmdCStoreRQ:
		rsp = message{Command: cmdCStoreRSP, HasStatus: true,
			Status: s.callStore(assoc, rq.SOPClassUID, rq.Object)}
	default:
		writePDU(conn, pduAbort, nil)
		return false
	}

	conn.SetDeadline(time.Now().Add(s.timeout()))
	if err := writePDU(conn, pduPData, rsp.encode()); err != nil {
		s.Log.Debugf("response to %s failed: %v", assoc.CallingAE, err)
		return false
	}
	return true
}

// callStore shields the connection loop from handler panics: the peer
// gets a failure status instead of a dropped association.
func (s *Server) callStore(assoc AssocInfo, sopClassUID string, object []byte) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			s.Log.Msg("panic in store handler", "value", r, "stack", string(stack))
			status = StatusOutOfResources
		}
	}()
	if s.Handler == nil {
		return StatusOutOfResources
	}
	return s.Handler.OnStore(assoc, sopClassUID, object)
}

func (s *Server) callEcho(assoc AssocInfo) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			s.Log.Msg("panic in echo handler", "value", r, "stack", string(stack))
			status = StatusOutOfResources
		}
	}()
	if s.Handler == nil {
		return StatusSuccess
	}
	return s.Handler.OnEcho(assoc)
}

func intersect(proposed, supported []string) []string {
	have := make(map[string]bool, len(supported))
	for _, s := range supported {
		have[s] = true
	}
	var out []string
	for _, s := range proposed {
		if have[s] {
			out = append(out, s)
		}
	}
	return out
}
