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


package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/fits"
	"github.com/mlnoga/nightstack/internal/ops/stack"
	"github.com/mlnoga/nightstack/internal/session"
)

func openTemp(t *testing.T) *Catalog {
	t.Helper()
	c, err:=Open("sqlite", filepath.Join(t.TempDir(), "catalog.db"))
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	t.Cleanup(func() { c.Close() })
	return c
}

func result(handles ...string) *session.Result {
	img:=fits.NewImageFromNaxisn([]int32{40, 30}, nil)
	img.Exposure=120
	r:=&session.Result{Image: img, Config: stack.DefaultConfig(), ClippedHigh: 7, Outputs: []string{"out.fits", "cov.jpg"}}
	for i, h:=range handles { r.Provenance=append(r.Provenance, session.Provenance{ID: i, Handle: h}) }
	return r
}

func TestSaveAndList(t *testing.T) {
	c:=openTemp(t)
	ctx:=context.Background()
	r:=result("a.fits", "b.fits")
	r.Dropped=[]session.Drop{{ID: 2, Handle: "c.fits", Err: fits.ErrSourceUnavailable, Reason: "source unavailable"}}
	if err:=c.Save(ctx, r); err!=nil { t.Fatalf("unexpected error %s", err) }
	if err:=session.SaveAll(ctx, result("b.fits"), c); err!=nil { t.Fatalf("unexpected error %s", err) }

	runs, err:=c.Runs(ctx, 10)
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	if len(runs)!=2 { t.Fatalf("runs %+v", runs) }
	first:=runs[1]
	if first.Rule!="sigma" || first.Width!=40 || first.Height!=30 || first.Exposure!=120 || first.ClippedHigh!=7 || first.Outputs!="out.fits,cov.jpg" {
		t.Errorf("run %+v", first)
	}
	if len(first.Members)!=3 || !first.Members[2].Dropped || first.Members[2].Handle!="c.fits" { t.Errorf("members %+v", first.Members) }

	latest, err:=c.Runs(ctx, 1)
	if err!=nil || len(latest)!=1 || latest[0].ID!=runs[0].ID { t.Errorf("latest %+v, %v", latest, err) }

	withB, err:=c.RunsWithHandle(ctx, "b.fits")
	if err!=nil || len(withB)!=2 { t.Errorf("runs with b.fits %+v, %v", withB, err) }
	withC, err:=c.RunsWithHandle(ctx, "c.fits")
	if err!=nil || len(withC)!=0 { t.Errorf("runs with dropped c.fits %+v, %v", withC, err) }
}

func TestSaveRejectsEmpty(t *testing.T) {
	c:=openTemp(t)
	if err:=c.Save(context.Background(), &session.Result{}); err==nil { t.Errorf("empty result recorded") }
	ctx, cancel:=context.WithCancel(context.Background())
	cancel()
	if err:=c.Save(ctx, result("a")); !errors.Is(err, context.Canceled) { t.Errorf("err=%v; want %v", err, context.Canceled) }
}

func TestUnknownDriver(t *testing.T) {
	if _, err:=Open("oracle", "x"); err==nil { t.Errorf("unknown driver accepted") }
}
