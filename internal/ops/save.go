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


package ops

import (
	"fmt"
	"strings"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/fits"
	"github.com/mlnoga/nightstack/internal/stats"
)

// Saves an image under a given filename, with pattern expansion for %d based on the image id.
// The format is chosen by suffix: FITS, 8-bit JPEG or 16-bit TIFF. Previews are stretched
// linearly between the given low and high percentiles of the data
type OpSave struct {
	FilePattern string  `json:"filePattern"`
	Low         float32 `json:"low"`
	High        float32 `json:"high"`
	Gamma       float32 `json:"gamma"`
}

func NewOpSave(filenamePattern string) *OpSave {
	return &OpSave{FilePattern: filenamePattern, Low: 0.001, High: 0.999, Gamma: 2.2}
}

// File name for the given image, with %d expanded to the image ID
func (op *OpSave) FileName(f *fits.Image) string {
	if strings.Contains(op.FilePattern, "%d") { return fmt.Sprintf(op.FilePattern, f.ID) }
	return op.FilePattern
}

func (op *OpSave) Apply(f *fits.Image, c *Context) (err error) {
	if op.FilePattern=="" { return nil }
	fileName:=op.FileName(f)
	fnLower:=strings.ToLower(fileName)

	if strings.HasSuffix(fnLower,".fits") || strings.HasSuffix(fnLower,".fit") || strings.HasSuffix(fnLower,".fts") {
		fmt.Fprintf(c.Log,"%d: Writing %s pixel FITS to %s\n", f.ID, f.DimensionsToString(), fileName)
		err=f.WriteFITSToFile(fileName)
	} else if strings.HasSuffix(fnLower,".jpeg") || strings.HasSuffix(fnLower,".jpg") {
		black, white:=stats.DisplayRange(f.Data, op.Low, op.High)
		fmt.Fprintf(c.Log, "%d: Writing %s pixel mono JPEG to %s with black %.4g white %.4g\n", f.ID, f.DimensionsToString(), fileName, black, white)
		err=f.WriteMonoJPGToFile(fileName, black, white, op.Gamma, 95)
	} else if strings.HasSuffix(fnLower,".tiff") || strings.HasSuffix(fnLower,".tif") {
		black, white:=stats.DisplayRange(f.Data, op.Low, op.High)
		fmt.Fprintf(c.Log, "%d: Writing %s pixel mono TIFF to %s with black %.4g white %.4g\n", f.ID, f.DimensionsToString(), fileName, black, white)
		err=f.WriteMonoTIFF16ToFile(fileName, black, white, op.Gamma)
	} else {
		err=errors.New("unknown suffix")
	}
	if err!=nil { return errors.Wrapf(err, "%d: error writing to file %s", f.ID, fileName) }
	return nil
}
