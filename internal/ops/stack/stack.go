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


// Package stack combines a set of congruent, aligned frames into a single image.
package stack

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/fits"
	"github.com/mlnoga/nightstack/internal/ops"
	"github.com/mlnoga/nightstack/internal/qsort"
	"github.com/mlnoga/nightstack/internal/stats"
)

var ErrNoFrames    = errors.New("no frames to stack")
var ErrNotCongruent= errors.New("frames not congruent")

// The rule to combine samples of one output pixel with
type Rule int
const (
	RuleSum Rule = iota
	RuleMean
	RuleMedian
	RuleSigma
)

var ruleNames=[]string{"sum", "mean", "median", "sigma"}

func (r Rule) String() string {
	if r<RuleSum || r>RuleSigma { return fmt.Sprintf("Rule(%d)", int(r)) }
	return ruleNames[r]
}

// Parses a rule name, case insensitive. Accepts "sigma-clip" and "sigma_clip" as synonyms for "sigma"
func ParseRule(s string) (Rule, error) {
	s=strings.ToLower(strings.TrimSpace(s))
	if s=="sigma-clip" || s=="sigma_clip" || s=="sigmaclip" { s="sigma" }
	for i, n:=range ruleNames {
		if n==s { return Rule(i), nil }
	}
	return RuleSum, errors.Errorf("invalid combination rule %q", s)
}

func (r Rule) MarshalText() ([]byte, error) { 
	if r<RuleSum || r>RuleSigma { return nil, errors.Errorf("invalid combination rule %d", int(r)) }
	return []byte(r.String()), nil 
}

func (r *Rule) UnmarshalText(text []byte) (err error) {
	*r, err=ParseRule(string(text))
	return err
}

// Combination rule and its parameters. Immutable for the duration of a run
type Config struct {
	Rule          Rule     `json:"rule"`
	SigmaLow      float32  `json:"sigmaLow"`
	SigmaHigh     float32  `json:"sigmaHigh"`
	MaxIterations int      `json:"maxIterations"`
}

func DefaultConfig() Config {
	return Config{Rule: RuleSigma, SigmaLow: 3, SigmaHigh: 3, MaxIterations: 10}
}

// Unmarshal the type from JSON with default values for missing entries
func (cfg *Config) UnmarshalJSON(data []byte) error {
	type defaults Config
	def:=defaults(DefaultConfig())
	err:=json.Unmarshal(data, &def)
	if err!=nil { return err }
	*cfg=Config(def)
	return nil
}

func (cfg Config) String() string {
	if cfg.Rule==RuleSigma {
		return fmt.Sprintf("%s low %g high %g max %d iterations", cfg.Rule, cfg.SigmaLow, cfg.SigmaHigh, cfg.MaxIterations)
	}
	return cfg.Rule.String()
}

// The output of a combination
type Result struct {
	Image        *fits.Image   // Combined image, with the geometry of the first frame
	Coverage     []uint16      // Number of valid samples per output pixel
	ClippedLow   int64         // Samples clipped below the lower bound, sigma rule only
	ClippedHigh  int64         // Samples clipped above the upper bound, sigma rule only
}

// Combines frames with a given configuration
type Combiner struct {
	Config
}

func NewCombiner(cfg Config) *Combiner {
	return &Combiner{Config: cfg}
}

// Combine a set of congruent frames pixel by pixel. Frames must already be calibrated and
// resampled into a common grid, with NaN for missing samples. Limits parallelism to the
// number of threads in the context, and stops between batches if ctx is cancelled
func (cb *Combiner) Combine(ctx context.Context, f []*fits.Image, c *ops.Context) (res *Result, err error) {
	if len(f)==0 { return nil, ErrNoFrames }
	if cb.Rule<RuleSum || cb.Rule>RuleSigma { return nil, errors.Errorf("invalid combination rule %d", int(cb.Rule)) }
	for _,l:=range f {
		if err:=l.Validate(); err!=nil { return nil, err }
		if !fits.EqualInt32Slice(l.Naxisn, f[0].Naxisn) {
			return nil, errors.Wrapf(ErrNotCongruent, "%d: dimensions %s differ from %d: %s", 
				l.ID, l.DimensionsToString(), f[0].ID, f[0].DimensionsToString())
		}
	}
	maxIterations:=cb.MaxIterations
	if maxIterations<1 { maxIterations=1 }
	maxThreads:=c.MaxThreads
	if maxThreads<1 { maxThreads=1 }

	pixels:=len(f[0].Data)
	mib:=int64(len(f))*int64(pixels)*4/1024/1024
	fmt.Fprintf(c.Log, "Stacking %d frames of %s pixels with rule %s:\n", len(f), f[0].DimensionsToString(), cb.Config)
	if c.StackMemoryMB>0 && mib>int64(c.StackMemoryMB) {
		fmt.Fprintf(c.Log, "Warning: frames take %d MiB in memory, exceeding the stacking budget of %d MiB\n", mib, c.StackMemoryMB)
	}

	// create return value arrays
	data    :=make([]float32, pixels)
	coverage:=make([]uint16, pixels)

	// split into 8 MB work packages, no fewer than 8 per thread
	numBatches:=4*len(f)*pixels/(8192*1024)
	if numBatches < 8*maxThreads { numBatches=8*maxThreads }
	batchSize:=(pixels+numBatches-1)/numBatches
	if batchSize<1 { batchSize=1 }
	sem:=make(chan bool, maxThreads) // limit parallelism

	numClippedLock, numClippedLow, numClippedHigh:=sync.Mutex{}, int64(0), int64(0)
	for lower:=0; lower<pixels; lower+=batchSize {
		if ctx.Err()!=nil { break }
		upper:=lower+batchSize
		if upper>pixels { upper=pixels }

		sem <- true 
		go func(lower, upper int) {
			defer func() { <-sem }()

			// subslice frame data elements for given batch
			ldBatch:=make([][]float32, len(f))
			for i, l:=range f { ldBatch[i]=l.Data[lower:upper] }

			var clipLow, clipHigh int32
			switch cb.Rule {
			case RuleSum:
				StackSum(ldBatch, data[lower:upper], coverage[lower:upper])
			case RuleMean:
				StackMean(ldBatch, data[lower:upper], coverage[lower:upper])
			case RuleMedian:
				StackMedian(ldBatch, data[lower:upper], coverage[lower:upper])
			case RuleSigma:
				clipLow, clipHigh=StackSigma(ldBatch, cb.SigmaLow, cb.SigmaHigh, maxIterations, data[lower:upper], coverage[lower:upper])
			}

			// update clipping totals
			if clipLow>0 || clipHigh>0 {
				numClippedLock.Lock()
				numClippedLow +=int64(clipLow)
				numClippedHigh+=int64(clipHigh)
				numClippedLock.Unlock()
			}
		}(lower, upper)
	}
	for i:=0; i<cap(sem); i++ {  // wait for goroutines to finish
		sem <- true
	}
	if err:=ctx.Err(); err!=nil { return nil, err }

	// report back on clipping for rules that apply clipping
	if cb.Rule==RuleSigma {
		fmt.Fprintf(c.Log, "Clipped low %d (%.2f%%) high %d (%.2f%%)\n", 
			numClippedLow,  float32(numClippedLow )*100.0/(float32(pixels*len(f))),
			numClippedHigh, float32(numClippedHigh)*100.0/(float32(pixels*len(f))) )
	}

	// exposure is the sum of the known exposures
	exposureSum, exposureKnown:=float32(0), false
	for _,l :=range f { 
		if !math.IsNaN(float64(l.Exposure)) { exposureSum+=l.Exposure; exposureKnown=true }
	}

	stack:=fits.NewImageFromNaxisn(f[0].Naxisn, data)
	stack.ID, stack.Mapping = f[0].ID, f[0].Mapping
	if exposureKnown { stack.Exposure=exposureSum }
	stack.Header.Set("NSTACK", int64(len(f)))
	stack.Header.Set("STKRULE", cb.Rule.String())
	fmt.Fprintf(c.Log, "Stack %s\n", stats.Summarize(data))

	return &Result{Image: stack, Coverage: coverage, ClippedLow: numClippedLow, ClippedHigh: numClippedHigh}, nil
}


// Stacking with sum function. Pixels without valid samples are zero
func StackSum(lightsData [][]float32, res []float32, coverage []uint16) {
	for i:=range res {
		numGathered:=0
		sum:=float32(0)
		for li:=range lightsData {
			value:=lightsData[li][i]
			if !math.IsNaN(float64(value)) {
				sum+=value
				numGathered++
			}
		}
		res[i], coverage[i]=sum, uint16(numGathered)
	}
}


// Stacking with mean function. Pixels without valid samples are zero
func StackMean(lightsData [][]float32, res []float32, coverage []uint16) {
	for i:=range res {
		// gather data for this pixel across all lights, skipping NaNs
		numGathered:=0
		sum:=float32(0)
		for li:=range lightsData {
			value:=lightsData[li][i]
			if !math.IsNaN(float64(value)) {
				sum+=value
				numGathered++
			}
		}
		coverage[i]=uint16(numGathered)
		if numGathered==0 { res[i]=0; continue }
		res[i]=sum/float32(numGathered)
	}
}


// Stacking with median function. Even counts average the two middle values. Pixels without valid samples are NaN
func StackMedian(lightsData [][]float32, res []float32, coverage []uint16) {
	gatheredFull:=make([]float32,len(lightsData))

	for i:=range res {
		numGathered:=0
		for li:=range lightsData {
			value:=lightsData[li][i]
			if !math.IsNaN(float64(value)) {
				gatheredFull[numGathered]=value
				numGathered++
			}
		}
		coverage[i]=uint16(numGathered)
		if numGathered==0 { res[i]=float32(math.NaN()); continue }
		res[i]=qsort.QSelectMedianFloat32(gatheredFull[:numGathered])
	}
}


// Mean stacking with sigma clipping. Values which are more than sigmaLow/sigmaHigh
// standard deviations away from the median are excluded, and the remaining values
// re-evaluated until stable, at most one value remains, or maxIterations have passed. 
// Pixels without valid samples are NaN
func StackSigma(lightsData [][]float32, sigmaLow, sigmaHigh float32, maxIterations int, res []float32, coverage []uint16) (clipLow, clipHigh int32) {
	gatheredFull:=make([]float32,len(lightsData))
	numClippedLow, numClippedHigh:=int32(0), int32(0)

	for i:=range res {
		numGathered:=0
		for li:=range lightsData {
			value:=lightsData[li][i]
			if !math.IsNaN(float64(value)) {
				gatheredFull[numGathered]=value
				numGathered++
			}
		}
		coverage[i]=uint16(numGathered)
		if numGathered==0 { res[i]=float32(math.NaN()); continue }
		gatheredCur:=gatheredFull[:numGathered]

		for iter:=0; iter<maxIterations && len(gatheredCur)>1; iter++ {
			// median and standard deviation across gathered data. The median
			// selection reorders the values, which is fine for clipping
			median:=qsort.QSelectMedianFloat32(gatheredCur)
			_, stdDev:=stats.MeanStdDev(gatheredCur)

			// remove out-of-bounds values
			lowBound :=median - sigmaLow *stdDev
			highBound:=median + sigmaHigh*stdDev
			prevClipped:=numClippedLow+numClippedHigh
			for j:=0; j<len(gatheredCur); j++ {
				g:=gatheredCur[j]
				if g<lowBound {
					gatheredCur[j]=gatheredCur[len(gatheredCur)-1]
					gatheredCur=gatheredCur[:len(gatheredCur)-1]
					numClippedLow++
					j--
				} else if g>highBound {
					gatheredCur[j]=gatheredCur[len(gatheredCur)-1]
					gatheredCur=gatheredCur[:len(gatheredCur)-1]
					numClippedHigh++
					j--
				}
			}
			if numClippedLow+numClippedHigh==prevClipped { break } // stable
		}

		if len(gatheredCur)==0 { res[i]=float32(math.NaN()); continue }
		mean, _:=stats.MeanStdDev(gatheredCur)
		res[i]=mean
	}
	return numClippedLow, numClippedHigh
}
