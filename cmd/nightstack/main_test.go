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


package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/config"
	"github.com/mlnoga/nightstack/internal/fits"
	"github.com/mlnoga/nightstack/internal/ops"
	"github.com/mlnoga/nightstack/internal/ops/stack"
	"github.com/mlnoga/nightstack/internal/rest"
)

func TestConfigureLoadsCalibration(t *testing.T) {
	dir:=t.TempDir()
	dark:=fits.NewImageFromNaxisn([]int32{4, 4}, nil)
	for i:=range dark.Data { dark.Data[i]=7 }
	if err:=dark.WriteFITSToFile(filepath.Join(dir, "dark.fits")); err!=nil { t.Fatalf("write: %s", err) }

	cfg:=config.Default()
	cfg.Set("calib.dark", "dark.fits")
	cfg.Set("stack.rule", "median")
	c:=ops.NewContext(&bytes.Buffer{}, 1)
	src:=fits.NewFileSource(dir, nil)

	// the server session gets the same settings as a command line run
	server:=rest.NewServer(src, dir, c, nil, nil)
	s:=server.Session()
	if err:=configure(context.Background(), cfg, s, c, src); err!=nil { t.Fatalf("unexpected error %s", err) }
	set:=s.Calibration()
	if set==nil || set.Dark==nil || set.Dark.Data[0]!=7 { t.Fatalf("calibration set %+v; want dark loaded", set) }
	if s.Config().Rule!=stack.RuleMedian { t.Errorf("rule=%s; want median", s.Config().Rule) }
}

func TestConfigureMissingCalibration(t *testing.T) {
	cfg:=config.Default()
	cfg.Set("calib.flat", "missing.fits")
	c:=ops.NewContext(&bytes.Buffer{}, 1)
	src:=fits.NewFileSource(t.TempDir(), nil)
	s:=rest.NewServer(src, "", c, nil, nil).Session()
	err:=configure(context.Background(), cfg, s, c, src)
	if !errors.Is(err, fits.ErrSourceUnavailable) { t.Errorf("err=%v; want %v", err, fits.ErrSourceUnavailable) }
	if s.Calibration()!=nil { t.Errorf("calibration set despite error") }
}
