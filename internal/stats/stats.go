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


package stats

import (
	"fmt"
	"math"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
	"github.com/mlnoga/nightstack/internal/qsort"
)

// Conversion factor from median absolute deviation to standard deviation for normal distributions
const MADToSigma = 1.4826

// Basic statistics of an image, NaN samples excluded
type Basic struct {
	Min     float32 `json:"min"`
	Max     float32 `json:"max"`
	Mean    float32 `json:"mean"`
	StdDev  float32 `json:"stdDev"`
	Valid   int     `json:"valid"`  // number of non-NaN samples
	Invalid int     `json:"invalid"` // number of NaN samples
}

func (s *Basic) String() string {
	return fmt.Sprintf("Min %.4g Max %.4g Mean %.4g StdDev %.4g Valid %d Invalid %d",
		s.Min, s.Max, s.Mean, s.StdDev, s.Valid, s.Invalid)
}

// Summarize the given data. NaNs are counted, but excluded from the statistics
func Summarize(data []float32) (s *Basic) {
	xs:=make([]float64, 0, len(data))
	for _,v:=range data {
		if !math.IsNaN(float64(v)) { xs=append(xs, float64(v)) }
	}
	s=&Basic{Valid:len(xs), Invalid:len(data)-len(xs)}
	if len(xs)==0 { return s }
	s.Min, s.Max=float32(floats.Min(xs)), float32(floats.Max(xs))
	s.Mean=float32(stat.Mean(xs, nil))
	if len(xs)>1 { s.StdDev=float32(stat.StdDev(xs, nil)) }
	return s
}

// Population mean and standard deviation of the given samples. Samples must not contain NaNs
func MeanStdDev(xs []float32) (mean, stdDev float32) {
	if len(xs)==0 { return 0, 0 }
	xmean:=float32(0)
	for _,x:=range(xs) { xmean+=x }
	xmean/=float32(len(xs))
	xvar:=float32(0)
	for _,x:=range(xs) { diff:=x-xmean; xvar+=diff*diff }
	xvar/=float32(len(xs))
	return xmean, float32(math.Sqrt(float64(xvar)))
}

// Median and median absolute deviation from the median of the non-NaN values in xs. 
// Uses tmp as scratch space if large enough. Does not modify xs. Returns n=0 if no valid values
func MedianMAD(xs []float32, tmp []float32) (median, mad float32, n int) {
	if cap(tmp)<len(xs) { tmp=make([]float32, len(xs)) }
	tmp=tmp[:0]
	for _,x:=range xs {
		if !math.IsNaN(float64(x)) { tmp=append(tmp, x) }
	}
	n=len(tmp)
	if n==0 { return 0, 0, 0 }
	median=qsort.QSelectMedianFloat32(tmp)
	for i,x:=range tmp {
		tmp[i]=float32(math.Abs(float64(x-median)))
	}
	mad=qsort.QSelectMedianFloat32(tmp)
	return median, mad, n
}
