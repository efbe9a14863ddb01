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
	"image/jpeg"
	"io"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
)

// Write a grayscale image to JPG, using the given min, max and gamma.
func (f *Image) WriteMonoJPGToFile(fileName string, min, max, gamma float32, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err:=f.WriteMonoJPG(writer, min, max, gamma, quality); err!=nil { return err }
	return writer.Flush()
}

// Write a grayscale image to JPG, using the given min, max and gamma.
func (f *Image) WriteMonoJPG(writer io.Writer, min, max, gamma float32, quality int) error {
	width, height := int(f.Naxisn[0]), int(f.Naxisn[1])
	img := image.NewGray(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	scale := 1.0 / (max - min)
	gammaInv := float64(1.0 / gamma)
	for y := 0; y < height; y++ {
		yoffset := y * width
		for x := 0; x < width; x++ {
			gray := (f.Data[yoffset+x] - min) * scale
			// replace NaNs with zeros for export, else JPG output breaks
			if math.IsNaN(float64(gray)) || gray < 0 {
				gray = 0
			}
			if gray > 1 {
				gray = 1
			}
			if gammaInv != 1.0 {
				gray = float32(math.Pow(float64(gray), gammaInv))
			}
			img.SetGray(x, y, color.Gray{uint8(gray * 255)})
		}
	}

	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

// Write a false color map of per-pixel sample counts to JPG. Zero coverage is black, 
// partial coverage blends from red to green in HCL space, full coverage of max samples is green
func WriteCoverageJPG(writer io.Writer, coverage []uint16, width, height int, max uint16, quality int) error {
	img := image.NewRGBA(image.Rectangle{image.Point{0, 0}, image.Point{width, height}})
	low, high := colorful.Hcl(10, 0.9, 0.5), colorful.Hcl(130, 0.9, 0.75)

	// precompute palette, one entry per possible count
	palette := make([]color.RGBA, int(max)+1)
	palette[0] = color.RGBA{0, 0, 0, 255}
	for i := 1; i <= int(max); i++ {
		t := 1.0
		if max > 1 {
			t = float64(i-1) / float64(max-1)
		}
		r, g, b := low.BlendHcl(high, t).Clamped().RGB255()
		palette[i] = color.RGBA{r, g, b, 255}
	}

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			c := coverage[y*width+x]
			if c > max {
				c = max
			}
			img.SetRGBA(x, y, palette[c])
		}
	}
	return jpeg.Encode(writer, img, &jpeg.Options{Quality: quality})
}

func WriteCoverageJPGToFile(fileName string, coverage []uint16, width, height int, max uint16, quality int) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err:=WriteCoverageJPG(writer, coverage, width, height, max, quality); err!=nil { return err }
	return writer.Flush()
}
