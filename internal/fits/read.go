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
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"github.com/astrogo/fitsio"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/wcs"
)

var _ wcs.Header = Header{} // Compile time assertion: type implements the interface

var ErrSourceUnavailable = errors.New("source unavailable")

// A source of pixel buffers, addressed by opaque handles
type Source interface {
	Open(handle string) (*Image, error)
}

// Opens images from FITS files (optionally gzipped) or TIFF files on the local file system. 
// Handles are file names, relative to Dir if set
type FileSource struct {
	Dir string
	Log io.Writer
}

func NewFileSource(dir string, logWriter io.Writer) *FileSource {
	return &FileSource{Dir: dir, Log: logWriter}
}

func (s *FileSource) Open(handle string) (*Image, error) {
	fileName:=handle
	if s.Dir!="" && !filepath.IsAbs(handle) { fileName=filepath.Join(s.Dir, handle) }
	logWriter:=s.Log
	if logWriter==nil { logWriter=io.Discard }
	img, err:=ReadFile(fileName, logWriter)
	if err!=nil { return nil, errors.Wrapf(ErrSourceUnavailable, "%s: %s", handle, err.Error()) }
	return img, nil
}


// Read an image from the file with the given name. Decompresses gzip if .gz or gzip suffix is present.
// Reads TIFF if .tif or .tiff suffix is present
func ReadFile(fileName string, logWriter io.Writer) (*Image, error) {
	f, err := os.Open(fileName)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = bufio.NewReader(f)

	lExt := strings.ToLower(filepath.Ext(fileName))
	if lExt == ".tif" || lExt == ".tiff" {
		img, err:=ReadMonoTIFF(r)
		if err!=nil { return nil, err }
		img.FileName=fileName
		return img, nil
	} else if lExt == ".gz" || lExt == ".gzip" {
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, err
		}
		defer gz.Close()
		r = gz
	}

	img, err:=Read(r, logWriter)
	if err!=nil { return nil, err }
	img.FileName=fileName
	return img, nil
}

// Read the first two-dimensional image HDU from the given FITS stream
func Read(r io.Reader, logWriter io.Writer) (*Image, error) {
	f, err:=fitsio.Open(r)
	if err!=nil { return nil, err }
	defer f.Close()

	for _, hdu:=range f.HDUs() {
		imgHDU, ok:=hdu.(fitsio.Image)
		if !ok { continue }
		axes:=imgHDU.Header().Axes()
		if len(axes)!=2 || axes[0]==0 || axes[1]==0 { continue }
		return fromHDU(imgHDU, logWriter)
	}
	return nil, errors.New("no two-dimensional image HDU found")
}

// Convert a FITS image HDU into an image, consuming the structural and metadata keywords
func fromHDU(hdu fitsio.Image, logWriter io.Writer) (*Image, error) {
	hdr:=hdu.Header()
	axes:=hdr.Axes()
	img:=NewImageFromNaxisn([]int32{int32(axes[0]), int32(axes[1])}, nil)

	for _, key:=range hdr.Keys() {
		card:=hdr.Get(key)
		if card==nil { continue }
		switch key {
		case "SIMPLE", "XTENSION", "BITPIX", "NAXIS", "NAXIS1", "NAXIS2", "EXTEND", "PCOUNT", "GCOUNT", "END":
			continue
		case "COMMENT":
			img.Header.Comments=append(img.Header.Comments, card.Comment)
			continue
		case "HISTORY":
			img.Header.History=append(img.Header.History, card.Comment)
			continue
		}
		if card.Value!=nil { img.Header.Set(key, card.Value) }
	}

	bzero, bscale:=float32(0), float32(1)
	if v, ok:=popFloat(&img.Header, "BZERO");  ok { bzero =float32(v) }
	if v, ok:=popFloat(&img.Header, "BSCALE"); ok { bscale=float32(v) }
	if v, ok:=popFloat(&img.Header, "EXPOSURE"); ok { 
		img.Exposure=float32(v) 
	} else if v, ok:=popFloat(&img.Header, "EXPTIME"); ok { 
		img.Exposure=float32(v) 
	}
	if v, ok:=popFloat(&img.Header, "CCD-TEMP"); ok { 
		img.Temperature=float32(v) 
	} else if v, ok:=img.Header.Float("SET-TEMP"); ok { 
		img.Temperature=float32(v) 
	}

	bitpix:=hdr.Bitpix()
	if bitpix==32 || bitpix==64 || bitpix==-64 {
		fmt.Fprintf(logWriter, "%d: Warning: loss of precision converting BITPIX %d to float32 values\n", img.ID, bitpix)
	}
	if err:=decodeRaw(img.Data, hdu.Raw(), bitpix, bzero, bscale); err!=nil { return nil, err }

	if m, err:=wcs.FromHeader(img.Header); err==nil {
		img.Mapping=m
	} else if _, ok:=img.Header.String("CTYPE1"); ok {
		fmt.Fprintf(logWriter, "%d: Ignoring coordinate system: %s\n", img.ID, err.Error())
	}
	return img, nil
}

// Removes a numeric keyword from the header and returns its value
func popFloat(h *Header, key string) (float64, bool) {
	v, ok:=h.Float(key)
	if ok {
		delete(h.Floats, key)
		delete(h.Ints, key)
	}
	return v, ok
}

// Decode raw big-endian FITS data of the given BITPIX into float32 values, applying BZERO and BSCALE
func decodeRaw(data []float32, raw []byte, bitpix int, bzero, bscale float32) error {
	bytesPerValue:=bitpix/8
	if bytesPerValue<0 { bytesPerValue=-bytesPerValue }
	if bytesPerValue==0 { return errors.Errorf("unknown BITPIX value %d", bitpix) }
	if len(raw)<len(data)*bytesPerValue {
		return errors.Errorf("truncated image data: %d bytes for %d pixels of BITPIX %d", len(raw), len(data), bitpix)
	}

	be:=binary.BigEndian
	for i:=range data {
		b:=raw[i*bytesPerValue:]
		var v float32
		switch bitpix {
		case 8:
			v=float32(b[0])
		case 16:
			v=float32(int16(be.Uint16(b)))
		case 32:
			v=float32(int32(be.Uint32(b)))
		case 64:
			v=float32(int64(be.Uint64(b)))
		case -32:
			v=math.Float32frombits(be.Uint32(b))
		case -64:
			v=float32(math.Float64frombits(be.Uint64(b)))
		default:
			return errors.Errorf("unknown BITPIX value %d", bitpix)
		}
		data[i]=v*bscale + bzero
	}
	return nil
}
