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


// Package wcs maps between pixel and sky coordinates of an image.
package wcs

import (
	"fmt"
	"math"
	"strings"
	"github.com/pkg/errors"
)

var ErrNoMapping = errors.New("no usable world coordinate system")

// A position on the celestial sphere, in degrees
type Sky struct {
	RA  float64 `json:"ra"`
	Dec float64 `json:"dec"`
}

func (s Sky) String() string {
	return fmt.Sprintf("(%.6f,%+.6f)", s.RA, s.Dec)
}

// A mapping between zero-based pixel coordinates and sky coordinates. 
// Either direction may reject a position by returning ok=false
type Mapping interface {
	PixelToSky(x, y float64) (s Sky, ok bool)
	SkyToPixel(s Sky) (x, y float64, ok bool)
}

// Read access to the header keywords a mapping is built from
type Header interface {
	Float(key string) (v float64, ok bool)
	String(key string) (v string, ok bool)
}

const deg2rad=math.Pi/180
const rad2deg=180/math.Pi

// Gnomonic (tangent plane) projection, as described by FITS WCS paper II
type TAN struct {
	CRPix1, CRPix2 float64       `json:"crpix"` // reference pixel, one-based as in the header
	CRVal1, CRVal2 float64       `json:"crval"` // sky coordinates of the reference pixel in degrees
	CD             [2][2]float64 `json:"cd"`    // linear transformation from pixel offsets to intermediate world coordinates in degrees
}

// Creates a TAN projection with the reference pixel at zero-based (x,y) mapping to s, with
// the given pixel scale in degrees and rotation angle in degrees. RA increases to the left, as on the sky
func NewTAN(x, y float64, s Sky, scale, rotation float64) *TAN {
	c, sn:=math.Cos(rotation*deg2rad), math.Sin(rotation*deg2rad)
	return &TAN{
		CRPix1: x+1, CRPix2: y+1,
		CRVal1: s.RA, CRVal2: s.Dec,
		CD: [2][2]float64{{-scale*c, scale*sn}, {scale*sn, scale*c}},
	}
}

func (t *TAN) PixelToSky(x, y float64) (Sky, bool) {
	if math.IsNaN(x) || math.IsNaN(y) { return Sky{}, false }
	u, v:=x+1-t.CRPix1, y+1-t.CRPix2
	xi :=(t.CD[0][0]*u + t.CD[0][1]*v)*deg2rad
	eta:=(t.CD[1][0]*u + t.CD[1][1]*v)*deg2rad

	a0, d0:=t.CRVal1*deg2rad, t.CRVal2*deg2rad
	den:=math.Cos(d0) - eta*math.Sin(d0)
	ra :=a0 + math.Atan2(xi, den)
	dec:=math.Atan2(math.Sin(d0) + eta*math.Cos(d0), math.Hypot(xi, den))
	return Sky{RA: normalizeRA(ra*rad2deg), Dec: dec*rad2deg}, true
}

func (t *TAN) SkyToPixel(s Sky) (float64, float64, bool) {
	if math.IsNaN(s.RA) || math.IsNaN(s.Dec) { return 0, 0, false }
	a, d  :=s.RA*deg2rad, s.Dec*deg2rad
	a0, d0:=t.CRVal1*deg2rad, t.CRVal2*deg2rad
	cosC:=math.Sin(d)*math.Sin(d0) + math.Cos(d)*math.Cos(d0)*math.Cos(a-a0)
	if cosC<=0 { return 0, 0, false } // far hemisphere
	xi :=math.Cos(d)*math.Sin(a-a0)/cosC*rad2deg
	eta:=(math.Cos(d0)*math.Sin(d) - math.Sin(d0)*math.Cos(d)*math.Cos(a-a0))/cosC*rad2deg

	det:=t.CD[0][0]*t.CD[1][1] - t.CD[0][1]*t.CD[1][0]
	if det==0 { return 0, 0, false }
	u:=( t.CD[1][1]*xi - t.CD[0][1]*eta)/det
	v:=(-t.CD[1][0]*xi + t.CD[0][0]*eta)/det
	return u+t.CRPix1-1, v+t.CRPix2-1, true
}

// Header keywords describing this projection
func (t *TAN) Keywords() map[string]interface{} {
	return map[string]interface{}{
		"CTYPE1": "RA---TAN", "CTYPE2": "DEC--TAN",
		"CRPIX1": t.CRPix1, "CRPIX2": t.CRPix2,
		"CRVAL1": t.CRVal1, "CRVAL2": t.CRVal2,
		"CD1_1":  t.CD[0][0], "CD1_2": t.CD[0][1],
		"CD2_1":  t.CD[1][0], "CD2_2": t.CD[1][1],
	}
}

// Build a TAN projection from FITS header keywords. Supports the CD matrix, 
// the PC matrix with CDELT, and the older CDELT with CROTA2 conventions
func FromHeader(h Header) (*TAN, error) {
	ctype1, ok1:=h.String("CTYPE1")
	ctype2, ok2:=h.String("CTYPE2")
	if !ok1 || !ok2 { return nil, ErrNoMapping }
	if !strings.HasSuffix(strings.TrimSpace(ctype1), "-TAN") || !strings.HasSuffix(strings.TrimSpace(ctype2), "-TAN") {
		return nil, errors.Wrapf(ErrNoMapping, "unsupported projection %s/%s", ctype1, ctype2)
	}

	t:=&TAN{}
	var ok [4]bool
	t.CRPix1, ok[0]=h.Float("CRPIX1")
	t.CRPix2, ok[1]=h.Float("CRPIX2")
	t.CRVal1, ok[2]=h.Float("CRVAL1")
	t.CRVal2, ok[3]=h.Float("CRVAL2")
	for _,o:=range ok {
		if !o { return nil, errors.Wrap(ErrNoMapping, "missing reference keywords") }
	}

	if cd11, ok:=h.Float("CD1_1"); ok {
		cd12, _:=h.Float("CD1_2")
		cd21, _:=h.Float("CD2_1")
		cd22, _:=h.Float("CD2_2")
		t.CD=[2][2]float64{{cd11, cd12}, {cd21, cd22}}
	} else {
		cdelt1, ok1:=h.Float("CDELT1")
		cdelt2, ok2:=h.Float("CDELT2")
		if !ok1 || !ok2 { return nil, errors.Wrap(ErrNoMapping, "missing scale keywords") }
		if pc11, ok:=h.Float("PC1_1"); ok {
			pc12, _:=h.Float("PC1_2")
			pc21, _:=h.Float("PC2_1")
			pc22, ok:=h.Float("PC2_2")
			if !ok { pc22=1 }
			t.CD=[2][2]float64{{cdelt1*pc11, cdelt1*pc12}, {cdelt2*pc21, cdelt2*pc22}}
		} else {
			crota, _:=h.Float("CROTA2")
			c, s:=math.Cos(crota*deg2rad), math.Sin(crota*deg2rad)
			t.CD=[2][2]float64{{cdelt1*c, -cdelt2*s}, {cdelt1*s, cdelt2*c}}
		}
	}
	if t.CD[0][0]*t.CD[1][1]-t.CD[0][1]*t.CD[1][0]==0 {
		return nil, errors.Wrap(ErrNoMapping, "singular CD matrix")
	}
	return t, nil
}

func normalizeRA(ra float64) float64 {
	ra=math.Mod(ra, 360)
	if ra<0 { ra+=360 }
	return ra
}
