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
	"fmt"
	"math"
)

var ErrDegenerateTransform = errors.New("degenerate transformation")

// A point in two-dimensional pixel space. Pixel centers are at integer coordinates
type Point2D struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

func (p Point2D) String() string {
	return fmt.Sprintf("(%.3f,%.3f)", p.X, p.Y)
}

// Euclidean distance of two points
func Dist2D(a, b Point2D) float32 {
	dx, dy:=float64(a.X-b.X), float64(a.Y-b.Y)
	return float32(math.Sqrt(dx*dx+dy*dy))
}

// An affine transformation in two dimensions: x'=A*x+B*y+C, y'=D*x+E*y+F
type Transform2D struct {
	A, B, C float32
	D, E, F float32
}

func IdentityTransform2D() Transform2D {
	return Transform2D{1, 0, 0, 0, 1, 0}
}

func (t Transform2D) IsIdentity() bool {
	return t==IdentityTransform2D()
}

func (t Transform2D) String() string {
	return fmt.Sprintf("x'=%.6gx%+.6gy%+.6g y'=%.6gx%+.6gy%+.6g", t.A, t.B, t.C, t.D, t.E, t.F)
}

// Apply the transformation to a point
func (t Transform2D) Apply(p Point2D) Point2D {
	x, y:=float64(p.X), float64(p.Y)
	return Point2D{
		X: float32(float64(t.A)*x + float64(t.B)*y + float64(t.C)),
		Y: float32(float64(t.D)*x + float64(t.E)*y + float64(t.F)),
	}
}

// Determinant of the linear part, i.e. the factor by which the transformation scales areas
func (t Transform2D) Det() float64 {
	return float64(t.A)*float64(t.E) - float64(t.B)*float64(t.D)
}

// Invert the transformation. Fails if the transformation is singular
func (t Transform2D) Invert() (Transform2D, error) {
	det:=t.Det()
	if det==0 || math.IsNaN(det) || math.IsInf(det, 0) { return Transform2D{}, ErrDegenerateTransform }
	a, b, c:=float64(t.A), float64(t.B), float64(t.C)
	d, e, f:=float64(t.D), float64(t.E), float64(t.F)
	return Transform2D{
		A: float32( e/det), B: float32(-b/det), C: float32((b*f-e*c)/det),
		D: float32(-d/det), E: float32( a/det), F: float32((d*c-a*f)/det),
	}, nil
}

// Creates the similarity transformation (translation, rotation and uniform scale) 
// which maps p1 onto q1 and p2 onto q2. Fails if either pair of points coincides
func NewSimilarity(p1, p2, q1, q2 Point2D) (Transform2D, error) {
	dx, dy:=float64(p2.X)-float64(p1.X), float64(p2.Y)-float64(p1.Y)
	qx, qy:=float64(q2.X)-float64(q1.X), float64(q2.Y)-float64(q1.Y)
	denom:=dx*dx+dy*dy
	if denom==0 || qx*qx+qy*qy==0 { 
		return Transform2D{}, ErrDegenerateTransform 
	}

	// rotation and scale as a complex multiplier, translation as complex offset
	ar:=(qx*dx+qy*dy)/denom
	ai:=(qy*dx-qx*dy)/denom
	bx:=float64(q1.X) - (ar*float64(p1.X) - ai*float64(p1.Y))
	by:=float64(q1.Y) - (ai*float64(p1.X) + ar*float64(p1.Y))

	return Transform2D{
		A: float32(ar), B: float32(-ai), C: float32(bx),
		D: float32(ai), E: float32( ar), F: float32(by),
	}, nil
}
