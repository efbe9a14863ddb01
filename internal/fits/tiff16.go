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
	"bufio"
	"image"
	"image/color"
	"io"
	"math"
	"os"

	"golang.org/x/image/tiff"
)

// Write an image to 16-bit grayscale TIFF, using the given min, max and gamma.
func (f *Image) WriteMonoTIFF16ToFile(fileName string, min, max, gamma float32) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err:=f.WriteMonoTIFF16(writer, min, max, gamma); err!=nil { return err }
	return writer.Flush()
}

// Write an image to 16-bit grayscale TIFF, using the given min, max and gamma.
func (f *Image) WriteMonoTIFF16(writer io.Writer, min, max, gamma float32) error {
	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewGray16(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := 1 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			gray := (f.Data[yoffset+x] - min) * scale
			// missing samples render black
			if math.IsNaN(float64(gray)) || gray < 0 {
				gray = 0
			}
			if gray > 1 {
				gray = 1
			}
			if gammaInv != 1.0 {
				gray = float32(math.Pow(float64(gray), gammaInv))
			}
			img.SetGray16(x, y, color.Gray16{uint16(gray * 65535)})
		}
	}

	return tiff.Encode(writer, img, &tiff.Options{Compression: tiff.Uncompressed, Predictor: false})
}

// Read a grayscale or color TIFF image. Color images are converted to luminance
func ReadMonoTIFF(r io.Reader) (*Image, error) {
	t, err := tiff.Decode(r)
	if err != nil {
		return nil, err
	}

	b := t.Bounds()
	width, height := b.Dx(), b.Dy()
	f := NewImageFromNaxisn([]int32{int32(width), int32(height)}, nil)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			var gray float32
			switch c := t.At(b.Min.X+x, b.Min.Y+y).(type) {
			case color.Gray16:
				gray = float32(c.Y)
			case color.Gray:
				gray = float32(c.Y)
			default:
				r, g, bl, _ := c.RGBA()
				gray = 0.2126*float32(r) + 0.7152*float32(g) + 0.0722*float32(bl)
			}
			f.Data[y*width+x] = gray
		}
	}
	return f, nil
}
