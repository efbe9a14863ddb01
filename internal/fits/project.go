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
	"math"
	"github.com/mlnoga/nightstack/internal/star"
)

// Projects an image into a new coordinate system with the given transformation, which maps
// source pixel coordinates to destination pixel coordinates. Uses bilinear interpolation, and 
// scales values by the inverse area change of the transformation so that total flux is preserved.
// Destination pixels which map outside of the source image, or onto missing samples, become NaN.
// Does not modify the source image
func (img *Image) Project(destNaxisn []int32, trans star.Transform2D) (res *Image, err error) {
	res=NewImageFromNaxisn(destNaxisn, nil)
	res.ID, res.FileName = img.ID, img.FileName
	res.Exposure, res.Temperature = img.Exposure, img.Temperature
	res.Header = img.Header.Clone()

	if trans.IsIdentity() && EqualInt32Slice(destNaxisn, img.Naxisn) {
		copy(res.Data, img.Data)
		return res, nil
	}

	// Invert transformation so we can sample from the target coordinate system PoV
	invTrans,err:=trans.Invert()
	if err!=nil { return nil, err }
	fluxScale:=float32(1/math.Abs(trans.Det()))

	destWidth:=destNaxisn[0]
	d:=img.Data
	origWidth, origHeight:=img.Naxisn[0], img.Naxisn[1]
	maxX, maxY:=float32(origWidth-1), float32(origHeight-1)
	const eps=1e-3 // tolerance for rounding at the image borders

	for row:=int32(0); row<destNaxisn[1]; row++ {
		for col:=int32(0); col<destWidth; col++ {
			proj:=invTrans.Apply(star.Point2D{X:float32(col), Y:float32(row)})

			if !(proj.X>=-eps && proj.X<=maxX+eps && proj.Y>=-eps && proj.Y<=maxY+eps) {
				res.Data[col + row*destWidth]=float32(math.NaN())
				continue
			}
			px, py:=clamp(proj.X, 0, maxX), clamp(proj.Y, 0, maxY)

			// perform bilinear interpolation, skipping neighbors with zero weight
			xl, yl:=int32(px), int32(py)
			if xl>=origWidth-1  { xl=origWidth-1  }
			if yl>=origHeight-1 { yl=origHeight-1 }
			xr, yr:=px-float32(xl), py-float32(yl)

			xlyl:=xl+yl*origWidth
			vyl:=d[xlyl]
			if xr>0 { vyl=vyl*(1-xr) + d[xlyl+1]*xr }
			v:=vyl
			if yr>0 {
				xlyh:=xlyl+origWidth
				vyh:=d[xlyh]
				if xr>0 { vyh=vyh*(1-xr) + d[xlyh+1]*xr }
				v=vyl*(1-yr) + vyh*yr
			}

			res.Data[col + row*destWidth]=v*fluxScale
		}
	}
	return res, nil
}

func clamp(v, min, max float32) float32 {
	if v<min { return min }
	if v>max { return max }
	return v
}
