// Package filelogger writes go-kit logs to a rotated JSON file.
package filelogger

import (
	"fmt"
	"io"

	"github.com/go-kit/kit/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	truncatedFormatString = "%s[TRUNCATED]"
	maxValueLen           = 100
)

// noisyKeys hold values that may be whole desktop files or icon dumps.
var noisyKeys = map[string]bool{
	"desktop_entry": true,
	"icon":          true,
}

// Logger is a go-kit logger that must be closed to release the file.
type Logger interface {
	log.Logger
	io.Closer
}

type fileLogger struct {
	logger log.Logger
	lj     *lumberjack.Logger
}

// New returns a logger writing JSON lines to path, rotated at 10 MB.
func New(path string) Logger {
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}

	return &fileLogger{
		// no caller here, its depth depends on what wraps this logger
		logger: log.With(
			log.NewJSONLogger(log.NewSyncWriter(lj)),
			"ts", log.DefaultTimestampUTC,
		),
		lj: lj,
	}
}

func (fl *fileLogger) Log(keyvals ...interface{}) error {
	return fl.logger.Log(truncateNoisy(keyvals)...)
}

func (fl *fileLogger) Close() error {
	return fl.lj.Close()
}

// truncateNoisy shortens long values of noisyKeys. keyvals is copied
// before anything is replaced, since callers may reuse it.
func truncateNoisy(keyvals []interface{}) []interface{} {
	var out []interface{}
	for i := 0; i+1 < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok || !noisyKeys[k] {
			continue
		}
		str, ok := keyvals[i+1].(string)
		if !ok || len(str) <= maxValueLen {
			continue
		}
		if out == nil {
			out = append([]interface{}(nil), keyvals...)
		}
		out[i+1] = fmt.Sprintf(truncatedFormatString, str[:maxValueLen-1])
	}

	if out == nil {
		return keyvals
	}
	return out
}
