// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.


// Package logging sets up the application logger. Writes to the console, and optionally to a file.
package logging

import (
	"io"
	"os"
	"strings"
	"time"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// A structured logger, which also serves as the plain io.Writer for engine log lines.
// Each write becomes one log event
type Logger struct {
	zerolog.Logger
	file *os.File
}

// Creates a logger writing console format to out at the given level, and additionally 
// to the given file without colors if fileName is not empty. The file is truncated
func New(out io.Writer, level, fileName string) (*Logger, error) {
	lvl, err:=zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err!=nil { return nil, errors.Wrapf(err, "invalid log level %q", level) }
	if lvl==zerolog.NoLevel { lvl=zerolog.InfoLevel }

	var w io.Writer=zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	var file *os.File
	if fileName!="" {
		file, err=os.OpenFile(fileName, os.O_CREATE | os.O_TRUNC | os.O_WRONLY, 0666)
		if err!=nil { return nil, errors.Wrapf(err, "cannot open log file %s", fileName) }
		w=zerolog.MultiLevelWriter(w, zerolog.ConsoleWriter{Out: file, TimeFormat: time.RFC3339, NoColor: true})
	}
	return &Logger{Logger: zerolog.New(w).Level(lvl).With().Timestamp().Logger(), file: file}, nil
}

// A logger which discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// Logs the given line at info level, or at warn level if it starts with "Warning". Trailing newlines 
// are removed, and progress output with carriage returns is reduced to its last state
func (l *Logger) Write(p []byte) (int, error) {
	msg:=strings.TrimRight(string(p), "\r\n")
	if i:=strings.LastIndexByte(msg, '\r'); i>=0 { msg=msg[i+1:] }
	if msg=="" { return len(p), nil }
	if strings.HasPrefix(msg, "Warning") {
		l.Warn().Msg(msg)
	} else {
		l.Info().Msg(msg)
	}
	return len(p), nil
}

// Closes the log file, if any
func (l *Logger) Close() error {
	if l.file==nil { return nil }
	err:=l.file.Close()
	l.file=nil
	return err
}
