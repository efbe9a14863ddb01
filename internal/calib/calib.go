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


// Package calib removes sensor signatures from raw light frames using bias, dark and flat frames.
package calib

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/fits"
	"github.com/mlnoga/nightstack/internal/ops"
)

var ErrCalibrationMismatch = errors.New("calibration mismatch")

// IDs of calibration frames, for log output
const (
	BiasID = -1
	DarkID = -2
	FlatID = -3
)

// Calibration policy, and names of the calibration frames to load
type Options struct {
	BiasFile  string `json:"bias"`
	DarkFile  string `json:"dark"`
	FlatFile  string `json:"flat"`

	ApplyBias bool   `json:"applyBias"`
	ApplyFlat bool   `json:"applyFlat"`
	IgnoreExposureMismatch    bool `json:"ignoreExposureMismatch"`
	IgnoreTemperatureMismatch bool `json:"ignoreTemperatureMismatch"`

	ExposureTolerance    float32 `json:"exposureTolerance"`    // seconds
	TemperatureTolerance float32 `json:"temperatureTolerance"` // degrees Celsius
	MinFlat              float32 `json:"minFlat"`              // lower clamp for normalized flat values
}

func DefaultOptions() Options {
	return Options{ApplyBias: true, ApplyFlat: true, ExposureTolerance: 0.5, TemperatureTolerance: 2, MinFlat: 0.01}
}

// Unmarshal the type from JSON with default values for missing entries
func (o *Options) UnmarshalJSON(data []byte) error {
	type defaults Options
	def:=defaults(DefaultOptions())
	err:=json.Unmarshal(data, &def)
	if err!=nil { return err }
	*o=Options(def)
	return nil
}

// A set of calibration frames and the policy for applying them. Read-only while calibrating
type Set struct {
	Options

	Bias *fits.Image `json:"-"`
	Dark *fits.Image `json:"-"`
	Flat *fits.Image `json:"-"`

	mutex    sync.Mutex
	prepared bool
	dark     []float32 // dark with bias removed if applicable
	flat     []float32 // flat with bias removed if applicable, normalized to mean 1 and clamped
}

func NewSet(o Options) *Set {
	return &Set{Options: o}
}

// Loads the calibration frames named in the set from the given source, in parallel
func (s *Set) Load(ctx context.Context, src fits.Source, c *ops.Context) error {
	names:=[]string{s.BiasFile, s.DarkFile, s.FlatFile}
	ids  :=[]int{BiasID, DarkID, FlatID}
	var promises []ops.Promise
	var slots []**fits.Image
	targets:=[]**fits.Image{&s.Bias, &s.Dark, &s.Flat}
	for i, name:=range names {
		if name=="" { continue }
		name, id:=name, ids[i]
		promises=append(promises, func() (*fits.Image, error) {
			f, err:=src.Open(name)
			if err!=nil { return nil, err }
			f.ID=id
			fmt.Fprintf(c.Log, "%d: Loaded %s calibration frame from %s\n", f.ID, f.DimensionsToString(), name)
			return f, nil
		})
		slots=append(slots, targets[i])
	}
	images, errs:=ops.MaterializeAll(ctx, promises, c.MaxThreads)
	if err:=ops.JoinErrors(errs); err!=nil { return err }

	s.mutex.Lock()
	defer s.mutex.Unlock()
	for i, img:=range images { *slots[i]=img }
	s.prepared=false
	return nil
}

// Sets the calibration frames directly
func (s *Set) SetFrames(bias, dark, flat *fits.Image) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.Bias, s.Dark, s.Flat = bias, dark, flat
	s.prepared=false
}

func (s *Set) useBias() bool { return s.ApplyBias && s.Bias!=nil }
func (s *Set) useFlat() bool { return s.ApplyFlat && s.Flat!=nil }

// True if calibrating with this set changes any pixel
func (s *Set) IsActive() bool {
	return s!=nil && (s.useBias() || s.Dark!=nil || s.useFlat())
}

// Derive bias-corrected dark and normalized flat. Safe for concurrent use
func (s *Set) Prepare() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.prepared { return nil }

	// calibration frames must be congruent to each other
	var frames []*fits.Image
	if s.useBias()  { frames=append(frames, s.Bias) }
	if s.Dark!=nil  { frames=append(frames, s.Dark) }
	if s.useFlat()  { frames=append(frames, s.Flat) }
	for _,f:=range frames {
		if err:=f.Validate(); err!=nil { return errors.Wrap(ErrCalibrationMismatch, err.Error()) }
		if !fits.EqualInt32Slice(f.Naxisn, frames[0].Naxisn) {
			return errors.Wrapf(ErrCalibrationMismatch, "calibration frame %d dimensions %s differ from %d dimensions %s",
				f.ID, f.DimensionsToString(), frames[0].ID, frames[0].DimensionsToString())
		}
	}

	s.dark, s.flat=nil, nil
	if s.Dark!=nil {
		s.dark=append([]float32(nil), s.Dark.Data...)
		if s.useBias() { subtract(s.dark, s.dark, s.Bias.Data) }
	}
	if s.useFlat() {
		s.flat=append([]float32(nil), s.Flat.Data...)
		if s.useBias() { subtract(s.flat, s.flat, s.Bias.Data) }
		mean:=nanMean(s.flat)
		if !(mean>0) { 
			s.flat=nil
			return errors.Wrapf(ErrCalibrationMismatch, "flat has non-positive mean %g", mean) 
		}
		minFlat:=s.MinFlat
		if !(minFlat>0) { minFlat=1e-6 }
		for i,v:=range s.flat {
			v/=mean
			if v<minFlat { v=minFlat }  // NaN stays NaN
			s.flat[i]=v
		}
	}
	s.prepared=true
	return nil
}

// Calibrate a raw frame: subtract bias if enabled, subtract dark, divide by normalized flat if enabled.
// Returns a new image and never modifies the raw frame. Fails with ErrCalibrationMismatch if the
// dimensions differ, or the dark's exposure or temperature differ beyond tolerance without override
func Calibrate(raw *fits.Image, s *Set) (*fits.Image, error) {
	if err:=raw.Validate(); err!=nil { return nil, err }
	if !s.IsActive() { return raw.Clone(), nil }
	if err:=s.Prepare(); err!=nil { return nil, err }

	for _,f:=range []*fits.Image{s.Bias, s.Dark, s.Flat} {
		if f==nil || (f==s.Bias && !s.useBias()) || (f==s.Flat && !s.useFlat()) { continue }
		if !fits.EqualInt32Slice(raw.Naxisn, f.Naxisn) {
			return nil, errors.Wrapf(ErrCalibrationMismatch, "%d: light dimensions %s differ from calibration frame %d dimensions %s",
				raw.ID, raw.DimensionsToString(), f.ID, f.DimensionsToString())
		}
	}
	if s.Dark!=nil {
		if !s.IgnoreExposureMismatch && !metadataMatches(raw.Exposure, s.Dark.Exposure, s.ExposureTolerance) {
			return nil, errors.Wrapf(ErrCalibrationMismatch, "%d: light exposure %gs differs from dark exposure %gs", 
				raw.ID, raw.Exposure, s.Dark.Exposure)
		}
		if !s.IgnoreTemperatureMismatch && !metadataMatches(raw.Temperature, s.Dark.Temperature, s.TemperatureTolerance) {
			return nil, errors.Wrapf(ErrCalibrationMismatch, "%d: light temperature %gC differs from dark temperature %gC", 
				raw.ID, raw.Temperature, s.Dark.Temperature)
		}
	}

	res:=raw.Clone()
	if s.useBias() { subtract(res.Data, res.Data, s.Bias.Data) }
	if s.dark!=nil { subtract(res.Data, res.Data, s.dark) }
	if s.flat!=nil { divide(res.Data, res.Data, s.flat) }
	return res, nil
}

// Two metadata values match if both are unknown, or both are known and within tolerance
func metadataMatches(a, b, tolerance float32) bool {
	aNaN, bNaN:=math.IsNaN(float64(a)), math.IsNaN(float64(b))
	if aNaN || bNaN { return aNaN && bNaN }
	return float32(math.Abs(float64(a-b)))<=tolerance
}

// Subtract elementwise: res=a-b
func subtract(res, a, b []float32) {
	for i:=range res { res[i]=a[i]-b[i] }
}

// Divide elementwise: res=a/b
func divide(res, a, b []float32) {
	for i:=range res { res[i]=a[i]/b[i] }
}

func nanMean(data []float32) float32 {
	sum, n:=float64(0), 0
	for _,v:=range data {
		if math.IsNaN(float64(v)) { continue }
		sum+=float64(v)
		n++
	}
	if n==0 { return float32(math.NaN()) }
	return float32(sum/float64(n))
}
