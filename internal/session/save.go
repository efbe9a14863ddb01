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


package session

import (
	"context"
	"fmt"
	"github.com/mlnoga/nightstack/internal/fits"
	"github.com/mlnoga/nightstack/internal/ops"
)

// Saves results to files. The image goes to Image, with the format chosen by suffix, 
// and an optional false-colour coverage map to Coverage as JPEG
type FileSaver struct {
	Image    *ops.OpSave
	Coverage string
	c        *ops.Context
}

func NewFileSaver(imagePattern, coverageFile string, c *ops.Context) *FileSaver {
	return &FileSaver{Image: ops.NewOpSave(imagePattern), Coverage: coverageFile, c: c}
}

func (fs *FileSaver) Save(ctx context.Context, r *Result) error {
	if err:=ctx.Err(); err!=nil { return err }
	if fs.Image!=nil && fs.Image.FilePattern!="" {
		if err:=fs.Image.Apply(r.Image, fs.c); err!=nil { return err }
		r.Outputs=append(r.Outputs, fs.Image.FileName(r.Image))
	}
	if fs.Coverage!="" && len(r.Coverage)>0 {
		max:=uint16(len(r.Provenance))
		fmt.Fprintf(fs.c.Log, "%d: Writing coverage map of %d members to %s\n", r.Image.ID, max, fs.Coverage)
		err:=fits.WriteCoverageJPGToFile(fs.Coverage, r.Coverage, int(r.Image.Width()), int(r.Image.Height()), max, 95)
		if err!=nil { return err }
		r.Outputs=append(r.Outputs, fs.Coverage)
	}
	return nil
}
