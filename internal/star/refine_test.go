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
	"testing"
	"github.com/valyala/fastrand"
)

// Render a circular Gaussian star onto a flat background, with optional uniform noise of the given amplitude
func syntheticStar(width, height int32, center Point2D, sigma, amplitude, background, noise float32) []float32 {
	rng:=fastrand.RNG{}
	data:=make([]float32, width*height)
	for y:=int32(0); y<height; y++ {
		for x:=int32(0); x<width; x++ {
			dx, dy:=float64(float32(x)-center.X), float64(float32(y)-center.Y)
			v:=background + amplitude*float32(math.Exp(-(dx*dx+dy*dy)/(2*float64(sigma)*float64(sigma))))
			if noise>0 { v+=noise*float32(rng.Uint32n(1000))/1000 }
			data[y*width+x]=v
		}
	}
	return data
}

func TestRefineCentroid(t *testing.T) {
	want:=Point2D{20.3, 15.7}
	data:=syntheticStar(40, 32, want, 1.5, 1000, 100, 0)
	orig:=append([]float32(nil), data...)

	r:=&Refiner{SearchRadius: 6, Sensitivity: 5}
	got, err:=r.Refine(data, 40, Point2D{22, 14})
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	if d:=Dist2D(got, want); d>0.05 {
		t.Errorf("refined=%v; want %v (distance %f)", got, want, d)
	}
	for i:=range data {
		if data[i]!=orig[i] { t.Fatalf("input modified at %d", i) }
	}
}

func TestRefineFromOffsetClick(t *testing.T) {
	want:=Point2D{50.3, 60.7}
	data:=syntheticStar(100, 100, want, 2, 800, 50, 0)
	got, err:=NewRefinerDefault().Refine(data, 100, Point2D{48, 58})
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	if d:=Dist2D(got, want); d>0.5 { t.Errorf("refined=%v; want %v (distance %f)", got, want, d) }
}

func TestRefineNoisyWithGaussianFit(t *testing.T) {
	want:=Point2D{30.6, 12.2}
	data:=syntheticStar(64, 48, want, 2, 500, 200, 10)

	r:=&Refiner{SearchRadius: 8, Sensitivity: 5, FitGaussian: true}
	got, err:=r.Refine(data, 64, Point2D{28, 14})
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	if d:=Dist2D(got, want); d>0.2 {
		t.Errorf("refined=%v; want %v (distance %f)", got, want, d)
	}
}

func TestRefineNoSource(t *testing.T) {
	data:=syntheticStar(32, 32, Point2D{16, 16}, 1.5, 0, 100, 1)
	r:=NewRefinerDefault()
	if _, err:=r.Refine(data, 32, Point2D{16, 16}); !errors.Is(err, ErrNoSourceFound) {
		t.Errorf("err=%v; want %v", err, ErrNoSourceFound)
	}
}

func TestRefineOutsideImage(t *testing.T) {
	data:=syntheticStar(16, 16, Point2D{8, 8}, 1.5, 1000, 100, 0)
	r:=NewRefinerDefault()
	for _,p:=range []Point2D{{-5, 8}, {8, 40}, {float32(math.NaN()), 3}} {
		if _, err:=r.Refine(data, 16, p); !errors.Is(err, ErrNoSourceFound) {
			t.Errorf("approx %v: err=%v; want %v", p, err, ErrNoSourceFound)
		}
	}
}

func TestRefineAllNaN(t *testing.T) {
	data:=make([]float32, 100)
	for i:=range data { data[i]=float32(math.NaN()) }
	r:=NewRefinerDefault()
	if _, err:=r.Refine(data, 10, Point2D{5, 5}); !errors.Is(err, ErrNoSourceFound) {
		t.Errorf("err=%v; want %v", err, ErrNoSourceFound)
	}
}

func TestRefineClippedWindow(t *testing.T) {
	want:=Point2D{2.2, 2.9}
	data:=syntheticStar(24, 24, want, 1.2, 800, 50, 0)
	r:=&Refiner{SearchRadius: 5, Sensitivity: 3}
	got, err:=r.Refine(data, 24, Point2D{0, 0})
	if err!=nil { t.Fatalf("unexpected error %s", err) }
	if d:=Dist2D(got, want); d>0.1 {
		t.Errorf("refined=%v; want %v (distance %f)", got, want, d)
	}
}
