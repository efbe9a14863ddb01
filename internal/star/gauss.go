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
	"gonum.org/v1/gonum/optimize"
)

// Fit a circular 2D Gaussian plus constant background to the box of given radius around the start point.
// Returns the fitted center
func fitGaussian(data []float32, width, height int32, start Point2D, background, amplitude float32, radius int32) (Point2D, error) {
	px, py:=int32(math.Round(float64(start.X))), int32(math.Round(float64(start.Y)))
	xs, ys, vs:=[]float64{}, []float64{}, []float64{}
	for y:=py-radius; y<=py+radius; y++ {
		if y<0 || y>=height { continue }
		for x:=px-radius; x<=px+radius; x++ {
			if x<0 || x>=width { continue }
			v:=data[y*width+x]
			if math.IsNaN(float64(v)) { continue }
			xs, ys, vs=append(xs, float64(x)), append(ys, float64(y)), append(vs, float64(v))
		}
	}
	if len(vs)<6 { return start, errors.New("too few samples for Gaussian fit") }

	// parameters: amplitude, x0, y0, sigma, background
	x0:=[]float64{float64(amplitude), float64(start.X), float64(start.Y), 1.5, float64(background)}
	problem:=optimize.Problem{
		Func: func(x []float64) float64 {
			amp, mx, my, sigma, bg:=x[0], x[1], x[2], x[3], x[4]
			if sigma<=0.1 { return math.MaxFloat64 }
			inv2s2:=1/(2*sigma*sigma)
			sumSqDiff:=float64(0)
			for i, v:=range vs {
				dx, dy:=xs[i]-mx, ys[i]-my
				diff:=v - (bg + amp*math.Exp(-(dx*dx+dy*dy)*inv2s2))
				sumSqDiff+=diff*diff
			}
			return sumSqDiff
		},
	}
	result, err:=optimize.Minimize(problem, x0, nil, &optimize.NelderMead{})
	if err!=nil { return start, err }
	if result.X[0]<=0 || result.X[3]<=0 { return start, errors.New("implausible Gaussian fit") }
	return Point2D{float32(result.X[1]), float32(result.X[2])}, nil
}
