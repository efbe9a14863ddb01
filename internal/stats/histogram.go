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
	"math"
)

// Calculate histogram of data between min and max into given bins. Skips NaNs, clamps outliers into the edge bins
func Histogram(data []float32, min, max float32, bins []int32) {
	for i := range bins {
		bins[i] = 0
	}
	if max<=min { 
		for _, d := range data { if !math.IsNaN(float64(d)) { bins[0]++ } }
		return 
	}
	scale := float32(len(bins)-1) / (max - min)
	for _, d := range data {
		if math.IsNaN(float64(d)) { continue }
		index := int((d - min) * scale)
		if index<0 { index=0 } else if index>=len(bins) { index=len(bins)-1 }
		bins[index]++
	}
}

// Returns the value below which the given fraction p of the histogram mass lies
func Percentile(bins []int32, min, max float32, p float32) float32 {
	total:=int64(0)
	for _,b:=range bins { total+=int64(b) }
	if total==0 { return min }
	target:=int64(math.Ceil(float64(p)*float64(total)))
	sum:=int64(0)
	for i,b:=range bins {
		sum+=int64(b)
		if sum>=target {
			return min + float32(i)*(max-min)/float32(len(bins)-1)
		}
	}
	return max
}

// Black and white points for previews: the low and high percentiles of the data, 
// ignoring NaNs. Falls back to the full data range if the percentiles collapse
func DisplayRange(data []float32, low, high float32) (black, white float32) {
	s:=Summarize(data)
	if s.Valid==0 { return 0, 1 }
	if s.Max<=s.Min { return s.Min, s.Min+1 }
	bins:=make([]int32, 4096)
	Histogram(data, s.Min, s.Max, bins)
	black, white=Percentile(bins, s.Min, s.Max, low), Percentile(bins, s.Min, s.Max, high)
	if white<=black { return s.Min, s.Max }
	return black, white
}
