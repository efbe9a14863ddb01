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


package wcs

import (
	"math"
	"testing"
	"github.com/pkg/errors"
)

type mapHeader map[string]interface{}

func (h mapHeader) Float(key string) (float64, bool) {
	v, ok:=h[key].(float64)
	return v, ok
}

func (h mapHeader) String(key string) (string, bool) {
	v, ok:=h[key].(string)
	return v, ok
}

func TestTANReferencePixel(t *testing.T) {
	tan:=NewTAN(499.5, 499.5, Sky{RA: 83.82, Dec: -5.39}, 1.0/3600, 0)
	s, ok:=tan.PixelToSky(499.5, 499.5)
	if !ok { t.Fatalf("reference pixel rejected") }
	if math.Abs(s.RA-83.82)>1e-9 || math.Abs(s.Dec+5.39)>1e-9 {
		t.Errorf("sky=%v; want (83.82,-5.39)", s)
	}
}

func TestTANRoundTrip(t *testing.T) {
	for _,rot:=range []float64{0, 17, -90, 135} {
		tan:=NewTAN(511.5, 383.5, Sky{RA: 359.9, Dec: 62}, 2.0/3600, rot)
		for _,p:=range [][2]float64{{0, 0}, {1023, 767}, {100.25, 700.75}, {511.5, 383.5}} {
			s, ok:=tan.PixelToSky(p[0], p[1])
			if !ok { t.Fatalf("pixel %v rejected", p) }
			if s.RA<0 || s.RA>=360 { t.Errorf("ra=%f not normalized", s.RA) }
			x, y, ok:=tan.SkyToPixel(s)
			if !ok { t.Fatalf("sky %v rejected", s) }
			if math.Abs(x-p[0])>1e-6 || math.Abs(y-p[1])>1e-6 {
				t.Errorf("rot %g: pixel %v -> %v -> (%f,%f)", rot, p, s, x, y)
			}
		}
	}
}

func TestTANRejectsFarHemisphere(t *testing.T) {
	tan:=NewTAN(0, 0, Sky{RA: 10, Dec: 20}, 1.0/3600, 0)
	if _, _, ok:=tan.SkyToPixel(Sky{RA: 190, Dec: -20}); ok {
		t.Errorf("antipode accepted")
	}
	if _, ok:=tan.PixelToSky(math.NaN(), 0); ok {
		t.Errorf("NaN pixel accepted")
	}
}

func TestTANScale(t *testing.T) {
	tan:=NewTAN(50, 50, Sky{RA: 180, Dec: 0}, 1.0/3600, 0)
	a, _:=tan.PixelToSky(50, 50)
	b, _:=tan.PixelToSky(50, 150)
	if d:=math.Abs(b.Dec-a.Dec)*3600; math.Abs(d-100)>1e-3 {
		t.Errorf("100 pixels span %f arcsec; want 100", d)
	}
}

func TestFromHeaderCD(t *testing.T) {
	want:=NewTAN(99, 49, Sky{RA: 10.5, Dec: 41.2}, 1.5/3600, 30)
	h:=mapHeader(want.Keywords())
	got, err:=FromHeader(h)
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	if *got!=*want { t.Errorf("got %v; want %v", got, want) }
}

func TestFromHeaderCDELT(t *testing.T) {
	h:=mapHeader{
		"CTYPE1": "RA---TAN", "CTYPE2": "DEC--TAN",
		"CRPIX1": 100.0, "CRPIX2": 50.0, "CRVAL1": 10.0, "CRVAL2": 20.0,
		"CDELT1": -0.001, "CDELT2": 0.001, "CROTA2": 0.0,
	}
	got, err:=FromHeader(h)
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	if got.CD[0][0]!=-0.001 || got.CD[1][1]!=0.001 || got.CD[0][1]!=0 {
		t.Errorf("cd=%v", got.CD)
	}
	s, _:=got.PixelToSky(99, 49)
	if math.Abs(s.RA-10)>1e-9 || math.Abs(s.Dec-20)>1e-9 { t.Errorf("reference sky=%v; want (10,20)", s) }
}

func TestFromHeaderMissing(t *testing.T) {
	tests:=[]mapHeader{
		{},
		{"CTYPE1": "RA---SIN", "CTYPE2": "DEC--SIN"},
		{"CTYPE1": "RA---TAN", "CTYPE2": "DEC--TAN", "CRPIX1": 1.0},
		{"CTYPE1": "RA---TAN", "CTYPE2": "DEC--TAN", "CRPIX1": 1.0, "CRPIX2": 1.0, "CRVAL1": 1.0, "CRVAL2": 1.0},
	}
	for i,h:=range tests {
		if _, err:=FromHeader(h); !errors.Is(err, ErrNoMapping) {
			t.Errorf("case %d: err=%v; want %v", i, err, ErrNoMapping)
		}
	}
}
