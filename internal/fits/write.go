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
	"io"
	"math"
	"os"
	"sort"
	"github.com/astrogo/fitsio"
)

// Mappings which can describe themselves as FITS header keywords
type keyworder interface {
	Keywords() map[string]interface{}
}

// Write the image as a single-HDU FITS file with 32-bit float samples to the given file
func (f *Image) WriteFITSToFile(fileName string) error {
	file, err := os.Create(fileName)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	if err:=f.WriteFITS(writer); err!=nil { return err }
	return writer.Flush()
}

// Write the image as a single-HDU FITS stream with 32-bit float samples
func (f *Image) WriteFITS(w io.Writer) error {
	if err:=f.Validate(); err!=nil { return err }
	out, err:=fitsio.Create(w)
	if err!=nil { return err }
	defer out.Close()

	hdu:=fitsio.NewImage(-32, []int{int(f.Naxisn[0]), int(f.Naxisn[1])})
	defer hdu.Close()

	if err:=hdu.Header().Append(f.cards()...); err!=nil { return err }
	if err:=hdu.Write(f.Data); err!=nil { return err }
	return out.Write(hdu)
}

// Header cards for the image metadata and the remaining header keywords, in stable order
func (f *Image) cards() []fitsio.Card {
	h:=f.Header.Clone()
	if !math.IsNaN(float64(f.Exposure)) { h.Set("EXPTIME", float64(f.Exposure)) }
	if !math.IsNaN(float64(f.Temperature)) { h.Set("CCD-TEMP", float64(f.Temperature)) }
	if k, ok:=f.Mapping.(keyworder); ok {
		for key, v:=range k.Keywords() { h.Set(key, v) }
	}

	cards:=[]fitsio.Card{}
	add:=func(key string, v interface{}) {
		if len(key)>8 { return }
		cards=append(cards, fitsio.Card{Name: key, Value: v})
	}
	for _,key:=range sortedKeys(h.Bools)   { add(key, h.Bools[key]) }
	for _,key:=range sortedKeys(h.Ints)    { add(key, int(h.Ints[key])) }
	for _,key:=range sortedKeys(h.Floats)  { add(key, h.Floats[key]) }
	for _,key:=range sortedKeys(h.Strings) { add(key, h.Strings[key]) }
	for _,c:=range h.Comments { cards=append(cards, fitsio.Card{Name: "COMMENT", Comment: c}) }
	for _,c:=range h.History  { cards=append(cards, fitsio.Card{Name: "HISTORY", Comment: c}) }
	return cards
}

func sortedKeys[V any](m map[string]V) []string {
	keys:=make([]string, 0, len(m))
	for k:=range m { keys=append(keys, k) }
	sort.Strings(keys)
	return keys
}
