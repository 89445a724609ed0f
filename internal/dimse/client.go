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
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/pacsedge/pacsedge/framework/log"
)

// Client is an association initiator. Fields should be filled in
// before the first call to Connect and are not changed by Client
// afterwards.
type Client struct {
	// CallingAE is the AE title presented to the peer.
	CallingAE string

	// Timeout bounds connection establishment, association
	// negotiation and each message exchange. Zero means 10 seconds.
	Timeout time.Duration

	// Dialer to use to estabilish new network connections. Set to
	// net.Dialer DialContext by Connect, if it is nil.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	Log log.Logger

	conn     net.Conn
	endpoint Endpoint
}

func (c *Client) timeout() time.Duration {
	if c.Timeout == 0 {
		return 10 * time.Second
	}
	return c.Timeout
}

// Connect dials the endpoint and negotiates an association proposing
// the given abstract syntaxes.
//
// Failures are reported as *ForwardError with code timeout,
// association_refused or association_error:<detail>.
func (c *Client) Connect(ctx context.Context, ep Endpoint, syntaxes []string) error {
	dialer := c.Dialer
	if dialer == nil {
		dialer = (&net.Dialer{}).DialContext
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	conn, err := dialer(dialCtx, "tcp", ep.Addr())
	if err != nil {
		return c.classify(err)
	}
	c.conn = conn
	c.endpoint = ep

	rq := associatePayload{
		CalledAE:  ep.AETitle,
		CallingAE: c.CallingAE,
		Syntaxes:  syntaxes,
	}
	typ, payload, err := c.exchange(pduAssociateRQ, rq.encode())
	if err != nil {
		c.abort()
		return c.classify(err)
	}

	switch typ {
	case pduAssociateAC:
		ac, err := decodeAssociate(payload)
		if err != nil {
			c.abort()
			return c.classify(err)
		}
		if len(ac.Syntaxes) == 0 {
			c.abort()
			return &ForwardError{Code: "association_refused",
				Err: errors.New("dimse: no presentation context accepted")}
		}
		c.Log.Debugf("association established with %s", ep.String())
		return nil
	case pduAssociateRJ:
		c.abort()
		return &ForwardError{Code: "association_refused",
			Err: fmt.Errorf("dimse: association rejected by %s", ep.String())}
	default:
		c.abort()
		return Forwardf(nil, "association_error:unexpected pdu 0x%02x", typ)
	}
}

// Echo performs a C-ECHO round trip on the established association.
func (c *Client) Echo(ctx context.Context) error {
	rsp, err := c.command(ctx, message{Command: cmdCEchoRQ}, cmdCEchoRSP)
	if err != nil {
		return err
	}
	if !rsp.HasStatus || rsp.Status != StatusSuccess {
		return Forwardf(nil, "echo_failure:%s", rsp.Status)
	}
	return nil
}

// Store sends one object over the established association and waits
// for the peer's C-STORE-RSP.
//
// Failures are reported as *ForwardError with code timeout,
// c_store_error:<detail>, c_store_no_status or
// c_store_failure:<status>.
func (c *Client) Store(ctx context.Context, sopClassUID string, object []byte) error {
	rq := message{Command: cmdCStoreRQ, SOPClassUID: sopClassUID, Object: object}
	rsp, err := c.command(ctx, rq, cmdCStoreRSP)
	if err != nil {
		return err
	}
	if !rsp.HasStatus {
		return &ForwardError{Code: "c_store_no_status",
			Err: errors.New("dimse: response carries no status")}
	}
	if rsp.Status != StatusSuccess {
		return Forwardf(nil, "c_store_failure:%s", rsp.Status)
	}
	return nil
}

func (c *Client) command(ctx context.Context, rq message, wantRSP uint16) (message, error) {
	if c.conn == nil {
		return message{}, &ForwardError{Code: "c_store_error:not connected",
			Err: errors.New("dimse: no association")}
	}

	done := watchContext(ctx, c.conn)
	defer done()

	typ, payload, err := c.exchange(pduPData, rq.encode())
	if err != nil {
		c.abort()
		return message{}, c.classifyCommand(err)
	}
	if typ != pduPData {
		c.abort()
		return message{}, Forwardf(nil, "c_store_error:unexpected pdu 0x%02x", typ)
	}
	rsp, err := decodeMessage(payload)
	if err != nil {
		c.abort()
		return message{}, c.classifyCommand(err)
	}
	if rsp.Command != wantRSP {
		c.abort()
		return message{}, Forwardf(nil, "c_store_error:unexpected command 0x%04x", rsp.Command)
	}
	return rsp, nil
}

// exchange writes one PDU and reads the peer's reply under the client
// deadline.
func (c *Client) exchange(typ byte, payload []byte) (byte, []byte, error) {
	if err := c.conn.SetDeadline(time.Now().Add(c.timeout())); err != nil {
		return 0, nil, err
	}
	if err := writePDU(c.conn, typ, payload); err != nil {
		return 0, nil, err
	}
	return readPDU(c.conn)
}

// Close releases the association gracefully and closes the underlying
// connection. A failed release is logged and the connection is torn
// down anyway.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	typ, _, err := c.exchange(pduReleaseRQ, nil)
	if err != nil {
		c.Log.Error("release failed", err, "endpoint", c.endpoint.String())
	} else if typ != pduReleaseRP {
		c.Log.Msg("unclean release", "endpoint", c.endpoint.String(), "pdu", typ)
	}
	err = c.conn.Close()
	c.conn = nil
	return err
}

// abort sends A-ABORT and drops the connection without waiting for a
// reply. Used after protocol errors where release makes no sense.
func (c *Client) abort() {
	if c.conn == nil {
		return
	}
	c.conn.SetDeadline(time.Now().Add(time.Second))
	writePDU(c.conn, pduAbort, nil)
	c.conn.Close()
	c.conn = nil
}

func (c *Client) classify(err error) error {
	if fe := (*ForwardError)(nil); errors.As(err, &fe) {
		return fe
	}
	if isTimeout(err) {
		return &ForwardError{Code: "timeout", Err: err}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return &ForwardError{Code: "association_refused", Err: err}
	}
	return Forwardf(err, "association_error:%v", err)
}

func (c *Client) classifyCommand(err error) error {
	if isTimeout(err) {
		return &ForwardError{Code: "timeout", Err: err}
	}
	return Forwardf(err, "c_store_error:%v", err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// watchContext forces pending conn I/O to fail when ctx is canceled.
// The returned function stops the watcher.
func watchContext(ctx context.Context, conn net.Conn) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-stop:
		}
	}()
	return func() { close(stop) }
}
