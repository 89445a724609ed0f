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

// Package log implements the event log of the gateway.
//
// Each event is written as a single UTF-8 JSON line with at least the
// timestamp, level and stage keys. Consumers parse events by key, no
// field order is guaranteed beyond the three leading keys.
package log

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pacsedge/pacsedge/framework/exterrors"
	"go.uber.org/zap"
)

// Level is the event severity put into the "level" key.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Logger writes formatted events to the underlying log.Output object.
//
// Logger is stateless and can be copied freely. However, consider that
// underlying log.Output will not be copied.
//
// Stage names the pipeline stage events originate from (receive, store,
// queue, forward, db, ai_result, ...). Fields are merged into every
// event emitted through this logger.
//
// No serialization is provided by Logger, it is log.Output responsibility
// to ensure goroutine-safety if necessary.
type Logger struct {
	Out   Output
	Stage string
	Debug bool

	// Additional fields merged into every emitted event.
	Fields map[string]interface{}
}

// Zap returns a *zap.Logger that forwards entries to this Logger.
func (l Logger) Zap() *zap.Logger {
	return zap.New(zapCore{L: l})
}

// Msg writes an info-level event.
//
// Key-value pairs are built from the fields slice which should contain
// key strings followed by corresponding values. The outcome argument is
// stored under the "outcome" key.
//
// If a value implements LogFormatter, it is represented by the string
// returned by FormatLog. Same goes for fmt.Stringer and error values.
// time.Time values are written in ISO 8601 format.
func (l Logger) Msg(outcome string, fields ...interface{}) {
	l.log(LevelInfo, false, l.formatEvent(LevelInfo, outcome, fieldsToMap(fields)))
}

// Warning writes a warning-level event, following the Msg conventions.
func (l Logger) Warning(outcome string, fields ...interface{}) {
	l.log(LevelWarning, false, l.formatEvent(LevelWarning, outcome, fieldsToMap(fields)))
}

// Error writes an error-level event describing how err was handled.
//
// If err carries additional context fields (see exterrors.Fields), they
// are merged into the event. The error text itself is stored under the
// "error" key unless the fields already provide one.
func (l Logger) Error(outcome string, err error, fields ...interface{}) {
	if err == nil {
		return
	}

	errFields := exterrors.Fields(err)
	all := make(map[string]interface{}, len(fields)/2+len(errFields)+1)
	for k, v := range errFields {
		all[k] = v
	}
	if all["error"] == nil {
		all["error"] = err.Error()
	}
	for k, v := range fieldsToMap(fields) {
		all[k] = v
	}

	l.log(LevelError, false, l.formatEvent(LevelError, outcome, all))
}

// Debugf writes an info-level event with the formatted text under the
// "msg" key. It is a no-op unless the Debug flag is set.
func (l Logger) Debugf(format string, val ...interface{}) {
	if !l.Debug {
		return
	}
	l.log(LevelInfo, true, l.formatEvent(LevelInfo, "", map[string]interface{}{
		"msg": fmt.Sprintf(format, val...),
	}))
}

func fieldsToMap(fields []interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)/2)
	var lastKey string
	for i, val := range fields {
		if i%2 == 0 {
			key, ok := val.(string)
			if !ok {
				// Misformatted arguments, attempt to provide a useful
				// event anyway.
				out[fmt.Sprint("field", i)] = val
				continue
			}
			lastKey = key
		} else {
			out[lastKey] = val
		}
	}
	return out
}

func (l Logger) formatEvent(level Level, outcome string, fields map[string]interface{}) string {
	formatted := strings.Builder{}

	formatted.WriteString(`{"timestamp":"`)
	formatted.WriteString(time.Now().UTC().Format("2006-01-02T15:04:05Z"))
	formatted.WriteString(`","level":"`)
	formatted.WriteString(string(level))
	formatted.WriteString(`","stage":`)
	stage, err := json.Marshal(l.Stage)
	if err != nil {
		stage = []byte(`"?"`)
	}
	formatted.Write(stage)

	if len(l.Fields)+len(fields) != 0 || outcome != "" {
		if fields == nil {
			fields = make(map[string]interface{})
		}
		for k, v := range l.Fields {
			if fields[k] == nil {
				fields[k] = v
			}
		}
		if outcome != "" {
			fields["outcome"] = outcome
		}
		formatted.WriteRune(',')
		if err := marshalOrderedJSON(&formatted, fields); err != nil {
			// Fallback to printing the event with minimal processing.
			return fmt.Sprintf(`{"level":"error","stage":"log","error":"broken formatting: %v","event":%q}`, err, fmt.Sprint(fields))
		}
	}
	formatted.WriteRune('}')

	return formatted.String()
}

// LogFormatter is implemented by values that want to control their
// textual representation in events.
type LogFormatter interface {
	FormatLog() string
}

func (l Logger) log(_ Level, debug bool, s string) {
	if l.Out != nil {
		l.Out.Write(time.Now(), debug, s)
		return
	}
	if DefaultLogger.Out != nil {
		DefaultLogger.Out.Write(time.Now(), debug, s)
		return
	}

	// Logging is disabled - do nothing.
}

// DefaultLogger is the global Logger object that is used by
// package-level logging functions and as the fallback output for
// loggers with no Out set.
//
// As with all other Loggers, it is not goroutine-safe on its own,
// however the underlying log.Output may provide necessary serialization.
var DefaultLogger = Logger{Out: WriterOutput(os.Stderr), Stage: "edge"}

func Msg(outcome string, fields ...interface{})         { DefaultLogger.Msg(outcome, fields...) }
func Error(outcome string, err error, f ...interface{}) { DefaultLogger.Error(outcome, err, f...) }
func Warning(outcome string, fields ...interface{})     { DefaultLogger.Warning(outcome, fields...) }
