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


package fits

import (
	"bytes"
	"encoding/binary"
	"image/jpeg"
	"math"
	"os"
	"path/filepath"
	"testing"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/star"
	"github.com/mlnoga/nightstack/internal/wcs"
)

func ramp(width, height int32) *Image {
	img:=NewImageFromNaxisn([]int32{width, height}, nil)
	for i:=range img.Data { img.Data[i]=float32(i) }
	return img
}

func TestValidate(t *testing.T) {
	if err:=ramp(4, 3).Validate(); err!=nil { t.Errorf("unexpected error %s", err) }
	bad:=ramp(4, 3)
	bad.Data=bad.Data[:5]
	if err:=bad.Validate(); err==nil { t.Errorf("truncated data accepted") }
	if err:=NewImageFromNaxisn([]int32{4}, nil).Validate(); err==nil { t.Errorf("1D image accepted") }
	var nilImg *Image
	if err:=nilImg.Validate(); err==nil { t.Errorf("nil image accepted") }
}

func TestCloneIsDeep(t *testing.T) {
	img:=ramp(3, 2)
	img.Header.Set("OBJECT", "M42")
	c:=img.Clone()
	c.Data[0]=42
	c.Header.Set("OBJECT", "M31")
	if img.Data[0]!=0 { t.Errorf("clone shares data") }
	if v, _:=img.Header.String("OBJECT"); v!="M42" { t.Errorf("clone shares header: %s", v) }
}

func TestDecodeRawInt16WithBzero(t *testing.T) {
	raw:=make([]byte, 6)
	for i, v:=range []int16{-32768, 0, 32767} {
		binary.BigEndian.PutUint16(raw[i*2:], uint16(v))
	}
	data:=make([]float32, 3)
	if err:=decodeRaw(data, raw, 16, 32768, 1); err!=nil { t.Fatalf("unexpected error %s", err) }
	want:=[]float32{0, 32768, 65535}
	for i:=range want {
		if data[i]!=want[i] { t.Errorf("data[%d]=%f; want %f", i, data[i], want[i]) }
	}
}

func TestDecodeRawErrors(t *testing.T) {
	data:=make([]float32, 4)
	if err:=decodeRaw(data, make([]byte, 7), -32, 0, 1); err==nil { t.Errorf("truncated data accepted") }
	if err:=decodeRaw(data, make([]byte, 64), 12, 0, 1); err==nil { t.Errorf("invalid BITPIX accepted") }
}

func TestWriteReadFITS(t *testing.T) {
	img:=ramp(16, 8)
	img.Data[5]=float32(math.NaN())
	img.Exposure, img.Temperature=120, -10
	img.Header.Set("OBJECT", "M42")
	img.Header.Set("GAIN", 139)
	tan:=wcs.NewTAN(7.5, 3.5, wcs.Sky{RA: 83.82, Dec: -5.39}, 1.2/3600, 15)
	img.Mapping=tan

	buf:=bytes.Buffer{}
	if err:=img.WriteFITS(&buf); err!=nil { t.Fatalf("write: %s", err) }
	got, err:=Read(&buf, &bytes.Buffer{})
	if err!=nil { t.Fatalf("read: %s", err) }

	if !EqualInt32Slice(got.Naxisn, img.Naxisn) { t.Fatalf("naxisn=%v; want %v", got.Naxisn, img.Naxisn) }
	for i:=range img.Data {
		if i==5 {
			if !math.IsNaN(float64(got.Data[i])) { t.Errorf("data[5]=%f; want NaN", got.Data[i]) }
		} else if got.Data[i]!=img.Data[i] {
			t.Errorf("data[%d]=%f; want %f", i, got.Data[i], img.Data[i])
		}
	}
	if got.Exposure!=120 { t.Errorf("exposure=%f; want 120", got.Exposure) }
	if got.Temperature!=-10 { t.Errorf("temperature=%f; want -10", got.Temperature) }
	if v, _:=got.Header.String("OBJECT"); v!="M42" { t.Errorf("object=%q; want M42", v) }
	if v, _:=got.Header.Float("GAIN"); v!=139 { t.Errorf("gain=%f; want 139", v) }

	if got.Mapping==nil { t.Fatalf("mapping lost") }
	want, _:=tan.PixelToSky(12, 6)
	s, ok:=got.Mapping.PixelToSky(12, 6)
	if !ok || math.Abs(s.RA-want.RA)>1e-7 || math.Abs(s.Dec-want.Dec)>1e-7 {
		t.Errorf("sky=%v; want %v", s, want)
	}
}

func TestReadUnknownMetadata(t *testing.T) {
	img:=ramp(4, 4)
	buf:=bytes.Buffer{}
	if err:=img.WriteFITS(&buf); err!=nil { t.Fatalf("write: %s", err) }
	got, err:=Read(&buf, &bytes.Buffer{})
	if err!=nil { t.Fatalf("read: %s", err) }
	if !math.IsNaN(float64(got.Exposure)) || !math.IsNaN(float64(got.Temperature)) {
		t.Errorf("exposure %f temperature %f; want NaN NaN", got.Exposure, got.Temperature)
	}
	if got.Mapping!=nil { t.Errorf("unexpected mapping %v", got.Mapping) }
}

func TestFileSource(t *testing.T) {
	dir:=t.TempDir()
	img:=ramp(8, 8)
	if err:=img.WriteFITSToFile(filepath.Join(dir, "light.fits")); err!=nil { t.Fatalf("write: %s", err) }

	src:=NewFileSource(dir, &bytes.Buffer{})
	got, err:=src.Open("light.fits")
	if err!=nil { t.Fatalf("open: %s", err) }
	if got.Data[63]!=63 { t.Errorf("data[63]=%f; want 63", got.Data[63]) }

	if _, err:=src.Open("missing.fits"); !errors.Is(err, ErrSourceUnavailable) {
		t.Errorf("err=%v; want %v", err, ErrSourceUnavailable)
	}
}

func TestFileSourcePaths(t *testing.T) {
	dir:=t.TempDir()
	if err:=os.MkdirAll(filepath.Join(dir, "night1"), 0755); err!=nil { t.Fatal(err) }
	name:=filepath.Join(dir, "night1", "light.fits")
	if err:=ramp(4, 4).WriteFITSToFile(name); err!=nil { t.Fatalf("write: %s", err) }

	src:=NewFileSource(dir, nil)
	if _, err:=src.Open(filepath.Join("night1", "light.fits")); err!=nil { t.Errorf("relative handle: %s", err) }
	if _, err:=src.Open(name); err!=nil { t.Errorf("absolute handle: %s", err) }
}

func TestTIFFRoundTrip(t *testing.T) {
	img:=ramp(10, 5)
	buf:=bytes.Buffer{}
	if err:=img.WriteMonoTIFF16(&buf, 0, 49, 1); err!=nil { t.Fatalf("write: %s", err) }
	got, err:=ReadMonoTIFF(&buf)
	if err!=nil { t.Fatalf("read: %s", err) }
	if !EqualInt32Slice(got.Naxisn, img.Naxisn) { t.Fatalf("naxisn=%v; want %v", got.Naxisn, img.Naxisn) }
	if got.Data[0]!=0 || got.Data[49]!=65535 { t.Errorf("first %f last %f; want 0 65535", got.Data[0], got.Data[49]) }
}

func TestCoverageJPG(t *testing.T) {
	coverage:=[]uint16{0, 1, 2, 3, 3, 3}
	buf:=bytes.Buffer{}
	if err:=WriteCoverageJPG(&buf, coverage, 3, 2, 3, 90); err!=nil { t.Fatalf("write: %s", err) }
	decoded, err:=jpeg.Decode(&buf)
	if err!=nil { t.Fatalf("decode: %s", err) }
	if b:=decoded.Bounds(); b.Dx()!=3 || b.Dy()!=2 { t.Errorf("bounds %v; want 3x2", b) }
}

func TestProjectIdentityCopies(t *testing.T) {
	img:=ramp(5, 4)
	res, err:=img.Project(img.Naxisn, star.IdentityTransform2D())
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	for i:=range img.Data {
		if res.Data[i]!=img.Data[i] { t.Errorf("data[%d]=%f; want %f", i, res.Data[i], img.Data[i]) }
	}
	res.Data[0]=-1
	if img.Data[0]!=0 { t.Errorf("source modified") }
}

func TestProjectShift(t *testing.T) {
	img:=ramp(6, 6)
	trans:=star.Transform2D{A:1, E:1, C:2, F:1} // source (x,y) lands at (x+2,y+1)
	res, err:=img.Project(img.Naxisn, trans)
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	for row:=int32(0); row<6; row++ {
		for col:=int32(0); col<6; col++ {
			v:=res.Data[row*6+col]
			if col<2 || row<1 {
				if !math.IsNaN(float64(v)) { t.Errorf("(%d,%d)=%f; want NaN", col, row, v) }
				continue
			}
			want:=img.Data[(row-1)*6+col-2]
			if math.Abs(float64(v-want))>1e-3 { t.Errorf("(%d,%d)=%f; want %f", col, row, v, want) }
		}
	}
}

func TestProjectPreservesFlux(t *testing.T) {
	img:=NewImageFromNaxisn([]int32{20, 20}, nil)
	for i:=range img.Data { img.Data[i]=4 }
	trans:=star.Transform2D{A:2, E:2} // source pixels cover four destination pixels
	res, err:=img.Project([]int32{40, 40}, trans)
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	if v:=res.Data[10*40+10]; math.Abs(float64(v-1))>1e-5 { t.Errorf("value=%f; want 1", v) }
	if v:=res.Data[39*40+39]; !math.IsNaN(float64(v)) { t.Errorf("value=%f; want NaN outside source", v) }
}
