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

package log

import (
	"fmt"
	"io"
	"os"
	"time"
)

type wcOutput struct {
	wc io.WriteCloser
}

func (w wcOutput) Write(_ time.Time, _ bool, msg string) {
	if _, err := io.WriteString(w.wc, msg+"\n"); err != nil {
		fmt.Fprintf(os.Stderr, "!!! Failed to write event to log: %v\n", err)
	}
}

func (w wcOutput) Close() error {
	return w.wc.Close()
}

// WriteCloserOutput returns a log.Output implementation that will write
// event lines to the provided io.WriteCloser, one line per event.
//
// Closing the returned log.Output object will close the underlying
// io.WriteCloser.
//
// The returned log.Output does not provide its own serialization so
// goroutine-safety depends on the io.Writer. Most operating systems
// have atomic implementations for stream I/O, so it should be safe to
// use with os.File.
func WriteCloserOutput(wc io.WriteCloser) Output {
	return wcOutput{wc}
}

type nopCloser struct {
	io.Writer
}

func (nc nopCloser) Close() error {
	return nil
}

// WriterOutput is WriteCloserOutput for sinks that should not be closed
// together with the Output (os.Stderr and friends).
func WriterOutput(w io.Writer) Output {
	return wcOutput{nopCloser{w}}
}
