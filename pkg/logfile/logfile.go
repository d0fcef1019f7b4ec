// Package logfile tees the daemon's log output into a file under the
// data directory so issues can be diagnosed after the fact.
package logfile

import (
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// maxSize is the size at which the log file is truncated on startup
// rather than appended to. Crude, but the daemon is long-running and a
// single generation of history is enough.
const maxSize = 10 << 20

var fs = afero.NewOsFs()

// fileFormatter renders entries for the on-disk log. Timestamps are
// kept (the console output relies on the journal for those).
var fileFormatter = &logrus.TextFormatter{
	FullTimestamp:    true,
	DisableColors:    true,
	TimestampFormat:  "2006-01-02 15:04:05",
	QuoteEmptyFields: true,
}

// NewHook opens (or truncates) the log file at path and returns a hook
// that forwards every entry to it.
func NewHook(path string) (logrus.Hook, error) {
	if err := fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}

	flags := os.O_APPEND | os.O_CREATE | os.O_WRONLY
	if info, err := fs.Stat(path); err == nil && info.Size() > maxSize {
		flags = os.O_TRUNC | os.O_CREATE | os.O_WRONLY
	}
	file, err := fs.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	return &hook{file}, nil
}

type hook struct {
	file afero.File
}

func (h *hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *hook) Fire(entry *logrus.Entry) error {
	line, err := fileFormatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(line)
	return err
}
