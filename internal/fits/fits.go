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
	"fmt"
	"math"
	"strings"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/wcs"
)

// A single-channel image with float32 samples. NaN marks missing samples.
// Spec here:   https://fits.gsfc.nasa.gov/standard40/fits_standard40aa-le.pdf
// Primer here: https://fits.gsfc.nasa.gov/fits_primer.html
type Image struct {
	ID       int         // Sequential ID number, for log output. Counted upwards from 0 for light frames. By convention, bias is -1, dark is -2 and flat is -3
	FileName string      // Original file name, if any, for log output

	Header Header        // Header keywords not consumed into the fields below
	Naxisn []int32       // Axis dimensions. Most quickly varying dimension first (i.e. X,Y)
	Pixels int32         // Number of pixels in the image. Product of Naxisn[]

	Data   []float32     // The image data, row-major

	Exposure    float32     // Exposure in seconds, NaN if unknown
	Temperature float32     // Sensor temperature in degrees Celsius, NaN if unknown
	Mapping     wcs.Mapping // Pixel to sky mapping, nil if unknown
}

// Creates an image with the given dimensions. Data is not copied, allocated if nil. naxisn is deep copied
func NewImageFromNaxisn(naxisn []int32, data []float32) *Image {
	numPixels:=int32(1)
	for _,naxis:=range(naxisn) {
		numPixels*=naxis
	}
	if data==nil {
		data=make([]float32, numPixels)
	}
	return &Image{
		Header:      NewHeader(),
		Naxisn:      append([]int32(nil), naxisn...), // clone slice
		Pixels:      numPixels,
		Data:        data,
		Exposure:    float32(math.NaN()),
		Temperature: float32(math.NaN()),
	}
}

// Creates an image with metadata from the given image. New data array will be allocated
func NewImageFromImage(img *Image) *Image {
	return &Image{
		ID:          img.ID,
		FileName:    img.FileName,
		Header:      img.Header.Clone(),
		Naxisn:      append([]int32(nil), img.Naxisn...), // clone slice
		Pixels:      img.Pixels,
		Data:        make([]float32, img.Pixels),
		Exposure:    img.Exposure,
		Temperature: img.Temperature,
		Mapping:     img.Mapping,
	}
}

// Deep copy of the image, including its data
func (f *Image) Clone() *Image {
	c:=NewImageFromImage(f)
	copy(c.Data, f.Data)
	return c
}

func (f *Image) Width() int32 { 
	if len(f.Naxisn)<1 { return 0 }
	return f.Naxisn[0] 
}

func (f *Image) Height() int32 { 
	if len(f.Naxisn)<2 { return 0 }
	return f.Naxisn[1] 
}

// Checks that the image is a two-dimensional buffer with data matching its dimensions
func (f *Image) Validate() error {
	if f==nil { return errors.New("nil image") }
	if len(f.Naxisn)!=2 { return errors.Errorf("%d: expected 2 axes, got %d", f.ID, len(f.Naxisn)) }
	if f.Naxisn[0]<=0 || f.Naxisn[1]<=0 { return errors.Errorf("%d: invalid dimensions %s", f.ID, f.DimensionsToString()) }
	if f.Pixels!=f.Naxisn[0]*f.Naxisn[1] || len(f.Data)!=int(f.Pixels) { 
		return errors.Errorf("%d: data length %d does not match dimensions %s", f.ID, len(f.Data), f.DimensionsToString())
	}
	return nil
}

func (f *Image) DimensionsToString() string {
	b:=strings.Builder{}
	for i,naxis:=range(f.Naxisn) {
		if i>0 { 
			fmt.Fprintf(&b, "x%d", naxis)
		} else {
			fmt.Fprintf(&b, "%d", naxis)
		}
	} 
	return b.String()
}

func EqualInt32Slice(a, b []int32) bool {
	if len(a) != len(b) {
		return false
	}
	for i, v := range a {
		if v != b[i] {
			return false
		}
	}
	return true
}


// FITS header keywords, sorted by value type
type Header struct {
	Bools    map[string]bool
	Ints     map[string]int64
	Floats   map[string]float64
	Strings  map[string]string
	Comments []string
	History  []string
}

// Creates a FITS header initialized with empty maps and arrays
func NewHeader() Header {
	return Header{
		Bools:   make(map[string]bool), 
		Ints:    make(map[string]int64),
		Floats:  make(map[string]float64),
		Strings: make(map[string]string),
		Comments:make([]string,0),
		History: make([]string,0),
	}
}

func (h Header) Clone() Header {
	c:=NewHeader()
	for k,v:=range h.Bools   { c.Bools[k]=v }
	for k,v:=range h.Ints    { c.Ints[k]=v }
	for k,v:=range h.Floats  { c.Floats[k]=v }
	for k,v:=range h.Strings { c.Strings[k]=v }
	c.Comments=append(c.Comments, h.Comments...)
	c.History =append(c.History,  h.History...)
	return c
}

// Sets a keyword, filing the value by its type. Unsupported types are stored as strings
func (h Header) Set(key string, value interface{}) {
	switch v:=value.(type) {
	case bool:    h.Bools[key]=v
	case int:     h.Ints[key]=int64(v)
	case int32:   h.Ints[key]=int64(v)
	case int64:   h.Ints[key]=v
	case float32: h.Floats[key]=float64(v)
	case float64: h.Floats[key]=v
	case string:  h.Strings[key]=strings.TrimSpace(v)
	default:      h.Strings[key]=fmt.Sprint(v)
	}
}

// Numeric value of a keyword, integer or float
func (h Header) Float(key string) (float64, bool) {
	if v, ok:=h.Floats[key]; ok { return v, true }
	if v, ok:=h.Ints[key]; ok { return float64(v), true }
	return 0, false
}

func (h Header) String(key string) (string, bool) {
	v, ok:=h.Strings[key]
	return v, ok
}
