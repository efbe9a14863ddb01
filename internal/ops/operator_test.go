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


package ops

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/fits"
)

func promiseOf(id int, err error) Promise {
	return func() (*fits.Image, error) {
		if err!=nil { return nil, err }
		img:=fits.NewImageFromNaxisn([]int32{2, 2}, nil)
		img.ID=id
		return img, nil
	}
}

func TestMaterializeAllKeepsOrder(t *testing.T) {
	boom:=errors.New("boom")
	ins:=[]Promise{promiseOf(0, nil), promiseOf(1, boom), promiseOf(2, nil), promiseOf(3, nil)}
	outs, errs:=MaterializeAll(context.Background(), ins, 2)
	if len(outs)!=4 || len(errs)!=4 { t.Fatalf("lengths %d %d; want 4 4", len(outs), len(errs)) }
	for i:=range ins {
		if i==1 {
			if outs[i]!=nil || !errors.Is(errs[i], boom) { t.Errorf("%d: out %v err %v; want nil boom", i, outs[i], errs[i]) }
			continue
		}
		if errs[i]!=nil || outs[i]==nil || outs[i].ID!=i { t.Errorf("%d: out %v err %v", i, outs[i], errs[i]) }
	}
	if err:=JoinErrors(errs); !errors.Is(err, boom) { t.Errorf("joined=%v; want boom", err) }
}

func TestMaterializeAllLimitsConcurrency(t *testing.T) {
	var running, peak int32
	ins:=make([]Promise, 20)
	for i:=range ins {
		ins[i]=func() (*fits.Image, error) {
			n:=atomic.AddInt32(&running, 1)
			for {
				p:=atomic.LoadInt32(&peak)
				if n<=p || atomic.CompareAndSwapInt32(&peak, p, n) { break }
			}
			atomic.AddInt32(&running, -1)
			return fits.NewImageFromNaxisn([]int32{1, 1}, nil), nil
		}
	}
	MaterializeAll(context.Background(), ins, 3)
	if peak>3 { t.Errorf("peak concurrency %d; want <=3", peak) }
}

func TestMaterializeAllCancelled(t *testing.T) {
	ctx, cancel:=context.WithCancel(context.Background())
	cancel()
	outs, errs:=MaterializeAll(ctx, []Promise{promiseOf(0, nil), promiseOf(1, nil)}, 4)
	for i:=range errs {
		if !errors.Is(errs[i], context.Canceled) || outs[i]!=nil { t.Errorf("%d: out %v err %v; want cancelled", i, outs[i], errs[i]) }
	}
}

func TestIsPathAllowed(t *testing.T) {
	tests:=[]struct{
		path string
		want bool
	}{
		{"lights/l001.fits", true},
		{"/etc/passwd", false},
		{"../secret.fits", false},
		{"a/../../b.fits", false},
	}
	for _,tt:=range tests {
		if got:=IsPathAllowed(tt.path); got!=tt.want { t.Errorf("IsPathAllowed(%q)=%v; want %v", tt.path, got, tt.want) }
	}
}

func TestOpSave(t *testing.T) {
	dir:=t.TempDir()
	img:=fits.NewImageFromNaxisn([]int32{8, 8}, nil)
	for i:=range img.Data { img.Data[i]=float32(i) }
	img.ID=7
	c:=NewContext(&bytes.Buffer{}, 1)

	for _,name:=range []string{"out%d.fits", "out%d.jpg", "out%d.tiff"} {
		op:=NewOpSave(filepath.Join(dir, name))
		if err:=op.Apply(img, c); err!=nil { t.Fatalf("%s: unexpected error %s", name, err) }
	}
	for _,name:=range []string{"out7.fits", "out7.jpg", "out7.tiff"} {
		if fi, err:=os.Stat(filepath.Join(dir, name)); err!=nil || fi.Size()==0 { t.Errorf("%s missing or empty", name) }
	}
	if err:=NewOpSave(filepath.Join(dir, "out.xyz")).Apply(img, c); err==nil { t.Errorf("unknown suffix accepted") }
	if err:=NewOpSave("").Apply(img, c); err!=nil { t.Errorf("empty pattern: %s", err) }
}
