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


package logging

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWriteLines(t *testing.T) {
	var out bytes.Buffer
	l, err:=New(&out, "info", "")
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	fmt.Fprintf(l, "%d: Added %s pixel member %s\n", 3, "64x64", "a.fits")
	fmt.Fprintf(l, "Warning: frames exceed memory\n")
	fmt.Fprintf(l, "\n")
	l.Debug().Msg("hidden")

	s:=out.String()
	if strings.Count(s, "\n")!=2 { t.Errorf("expected two lines, got:\n%s", s) }
	if !strings.Contains(s, "3: Added 64x64 pixel member a.fits") { t.Errorf("missing message in:\n%s", s) }
	if !strings.Contains(s, "WRN") || !strings.Contains(s, "INF") { t.Errorf("missing levels in:\n%s", s) }
	if strings.Contains(s, "hidden") { t.Errorf("debug message logged at info level") }
}

func TestLogFile(t *testing.T) {
	fileName:=filepath.Join(t.TempDir(), "run.log")
	var out bytes.Buffer
	l, err:=New(&out, "debug", fileName)
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	l.Debug().Int("members", 3).Msg("stacking")
	if err:=l.Close(); err!=nil { t.Fatalf("unexpected error %s", err) }

	data, err:=os.ReadFile(fileName)
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	if !strings.Contains(string(data), "stacking") || !strings.Contains(string(data), "members=3") { t.Errorf("log file:\n%s", data) }
	if strings.Contains(string(data), "\x1b[") { t.Errorf("colors in log file") }
}

func TestInvalidLevel(t *testing.T) {
	if _, err:=New(&bytes.Buffer{}, "verbose", ""); err==nil { t.Errorf("invalid level accepted") }
	fmt.Fprintln(Nop(), "discarded")
}
