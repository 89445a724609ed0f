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

package forward

import (
	"context"
	"time"

	"github.com/pacsedge/pacsedge/framework/log"
	"github.com/pacsedge/pacsedge/internal/dimse"
)

// Sender delivers one object to a remote endpoint. Implementations
// must be safe for concurrent use; the parallel receive path calls
// Send from per-object goroutines.
type Sender interface {
	Send(ctx context.Context, ep dimse.Endpoint, sopClassUID string, object []byte) error
}

// DIMSESender sends objects over a fresh association per object.
type DIMSESender struct {
	CallingAE string
	Timeout   time.Duration
	Log       log.Logger
}

func (s *DIMSESender) Send(ctx context.Context, ep dimse.Endpoint, sopClassUID string, object []byte) error {
	client := &dimse.Client{
		CallingAE: s.CallingAE,
		Timeout:   s.Timeout,
		Log:       s.Log,
	}
	if err := client.Connect(ctx, ep, []string{sopClassUID}); err != nil {
		return err
	}
	defer client.Close()
	return client.Store(ctx, sopClassUID, object)
}
