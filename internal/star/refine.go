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


package star

import (
	"github.com/pkg/errors"
	"math"
	"github.com/mlnoga/nightstack/internal/stats"
)

var ErrNoSourceFound = errors.New("no source found")

// Refines approximate source locations to sub-pixel accuracy
type Refiner struct {
	SearchRadius int32   `json:"searchRadius"` // half width of the square search window in pixels
	Sensitivity  float32 `json:"sensitivity"`  // detection threshold in multiples of the background scale
	FitGaussian  bool    `json:"fitGaussian"`  // polish the centroid with a 2D Gaussian fit
}

func NewRefinerDefault() *Refiner {
	return &Refiner{SearchRadius: 8, Sensitivity: 5, FitGaussian: false}
}

// Refine the given approximate location to the centroid of the brightest source in a square window
// of side 2*SearchRadius+1 around it. The window is clipped to the image. The source must exceed
// the robust window background by Sensitivity times the background scale. Does not modify data
func (r *Refiner) Refine(data []float32, width int32, approx Point2D) (Point2D, error) {
	if width<=0 || len(data)==0 { return Point2D{}, ErrNoSourceFound }
	height:=int32(len(data))/width
	radius:=r.SearchRadius
	if radius<1 { radius=1 }
	if math.IsNaN(float64(approx.X)) || math.IsNaN(float64(approx.Y)) { return Point2D{}, ErrNoSourceFound }
	cx, cy:=int32(math.Round(float64(approx.X))), int32(math.Round(float64(approx.Y)))
	if cx<0 || cx>=width || cy<0 || cy>=height { return Point2D{}, ErrNoSourceFound }

	// clip window to the image
	x0, x1:=cx-radius, cx+radius
	y0, y1:=cy-radius, cy+radius
	if x0<0 { x0=0 }
	if y0<0 { y0=0 }
	if x1>=width  { x1=width-1 }
	if y1>=height { y1=height-1 }

	// gather window, find peak
	window:=make([]float32, 0, (x1-x0+1)*(y1-y0+1))
	peak, peakX, peakY:=float32(math.Inf(-1)), int32(-1), int32(-1)
	for y:=y0; y<=y1; y++ {
		for x:=x0; x<=x1; x++ {
			v:=data[y*width+x]
			if math.IsNaN(float64(v)) { continue }
			window=append(window, v)
			if v>peak { peak, peakX, peakY=v, x, y }
		}
	}
	if len(window)<3 { return Point2D{}, ErrNoSourceFound }

	// robust background location and scale
	location, mad, _:=stats.MedianMAD(window, nil)
	scale:=mad*stats.MADToSigma
	if !(peak>location) || peak<=location+r.Sensitivity*scale { return Point2D{}, ErrNoSourceFound }

	threshold:=location+0.5*r.Sensitivity*scale
	p, ok:=centerOfMass(data, width, height, Point2D{float32(peakX), float32(peakY)}, threshold, radius)
	if !ok { return Point2D{}, ErrNoSourceFound }

	if r.FitGaussian {
		if g, err:=fitGaussian(data, width, height, p, location, peak-location, radius); err==nil {
			if g.X>=float32(x0) && g.X<=float32(x1) && g.Y>=float32(y0) && g.Y<=float32(y1) {
				p=g
			}
		}
	}
	return p, nil
}

// Iteratively shift the given point to the intensity-weighted center of mass of pixels above threshold 
// in a box of the given radius, until the shifts are below 0.01 pixel or max rounds reached
func centerOfMass(data []float32, width, height int32, p Point2D, threshold float32, radius int32) (Point2D, bool) {
	shiftSquared:=float32(math.MaxFloat32)
	for round:=int32(0); shiftSquared>0.0001 && round<10; round++ {
		px, py:=int32(math.Round(float64(p.X))), int32(math.Round(float64(p.Y)))
		xMoment, yMoment, mass:=float64(0), float64(0), float64(0)
		for y:=py-radius; y<=py+radius; y++ {
			if y<0 || y>=height { continue }
			for x:=px-radius; x<=px+radius; x++ {
				if x<0 || x>=width { continue }
				value:=data[y*width+x]-threshold
				if math.IsNaN(float64(value)) || value<=0 { continue }
				xMoment+=float64(x)*float64(value)
				yMoment+=float64(y)*float64(value)
				mass   +=float64(value)
			}
		}
		if mass<=0 { return p, false }
		next:=Point2D{float32(xMoment/mass), float32(yMoment/mass)}
		dx, dy:=next.X-p.X, next.Y-p.Y
		shiftSquared=dx*dx+dy*dy
		p=next
	}
	return p, true
}
