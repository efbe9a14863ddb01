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


package align

import (
	"fmt"
	"io"
	"math"
	"strings"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/star"
	"github.com/mlnoga/nightstack/internal/wcs"
)

// What to do with members lacking a coordinate mapping during automatic alignment
type Policy int
const (
	PolicyIgnore     Policy = iota // skip the member, it stays unaligned
	PolicyAsk                      // ask the Decider once per member
	PolicyAbortAll                 // fail the whole selection
	PolicyDropMember               // remove the member from the session
)

var policyNames=[]string{"ignore", "ask", "abort", "drop"}

func (p Policy) String() string {
	if p<PolicyIgnore || p>PolicyDropMember { return fmt.Sprintf("Policy(%d)", int(p)) }
	return policyNames[p]
}

func ParsePolicy(s string) (Policy, error) {
	s=strings.ToLower(strings.TrimSpace(s))
	for i, n:=range policyNames {
		if n==s { return Policy(i), nil }
	}
	return PolicyIgnore, errors.Errorf("invalid missing mapping policy %q", s)
}

func (p Policy) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Policy) UnmarshalText(text []byte) (err error) {
	*p, err=ParsePolicy(string(text))
	return err
}

// A caller decision for one member without coordinate mapping
type Decision int
const (
	DecisionSkip Decision = iota
	DecisionAbort
	DecisionDrop
)

// Asks the caller what to do with a member lacking a coordinate mapping
type Decider func(f Frame) Decision

// The geometry of one member, as seen by the selector
type Frame struct {
	ID      int
	Width   int32
	Height  int32
	Mapping wcs.Mapping // nil if unknown
}

// The outcome of an automatic selection. Nothing is applied to any member until the caller does so
type Plan struct {
	AnchorID int              `json:"anchorID"`
	Fraction float32          `json:"fraction"` // separation fraction which succeeded
	Points   map[int][2]Point `json:"points"`   // new point pairs by member ID, including the anchor
	Skipped  []int            `json:"skipped"`  // members left unaligned
	Dropped  []int            `json:"dropped"`  // members to remove from the session
}

// Selects alignment points for all members by re-projecting two sky positions from an anchor frame
type Selector struct {
	Policy   Policy    `json:"missingMapping"`
	Decider  Decider   `json:"-"`
	Step     float32   `json:"step"`  // reduction of the separation fraction per attempt
	Floor    float32   `json:"floor"` // smallest separation fraction to attempt
	Log      io.Writer `json:"-"`
}

func NewSelector(policy Policy, decider Decider, logWriter io.Writer) *Selector {
	if logWriter==nil { logWriter=io.Discard }
	return &Selector{Policy: policy, Decider: decider, Step: 0.05, Floor: 0.25, Log: logWriter}
}

// Selects alignment points for the given frames, starting with the given separation fraction 
// of the anchor image size between the two points, and shrinking it by Step down to Floor until
// both points re-project into every mapped frame. The anchor is the first frame with a mapping
func (s *Selector) Select(frames []Frame, fraction float32) (*Plan, error) {
	if !(fraction>0 && fraction<=1) { return nil, errors.Errorf("separation fraction %g outside (0,1]", fraction) }
	if !(s.Step>0) { return nil, errors.Errorf("separation step %g must be positive", s.Step) }

	// pick anchor
	anchor:=-1
	for i, f:=range frames {
		if f.Mapping!=nil { anchor=i; break }
	}
	if anchor<0 { return nil, ErrNoReferenceMapping }
	a:=frames[anchor]
	plan:=&Plan{AnchorID: a.ID, Points: map[int][2]Point{}}

	// resolve members without mapping up front
	var mapped []Frame
	for _, f:=range frames {
		if f.Mapping!=nil { mapped=append(mapped, f); continue }
		decision, err:=s.decide(f)
		if err!=nil { return nil, err }
		switch decision {
		case DecisionSkip:
			fmt.Fprintf(s.Log, "%d: No coordinate mapping, skipping\n", f.ID)
			plan.Skipped=append(plan.Skipped, f.ID)
		case DecisionDrop:
			fmt.Fprintf(s.Log, "%d: No coordinate mapping, dropping\n", f.ID)
			plan.Dropped=append(plan.Dropped, f.ID)
		default:
			return nil, errors.Wrapf(ErrAbortAll, "%d: no coordinate mapping", f.ID)
		}
	}

	// bounded search over shrinking separation fractions
	for k:=0; ; k++ {
		fk:=fraction - float32(k)*s.Step
		if fk < s.Floor-1e-6 { break }
		points, failedID, ok:=s.attempt(a, mapped, fk)
		if ok {
			plan.Fraction, plan.Points = fk, points
			fmt.Fprintf(s.Log, "%d: Aligned %d members at separation %.2f\n", a.ID, len(points), fk)
			return plan, nil
		}
		fmt.Fprintf(s.Log, "%d: Separation %.2f does not fit member %d, shrinking\n", a.ID, fk, failedID)
	}
	return nil, errors.Wrapf(ErrImagesNotCongruent, "no separation between %.2f and %.2f fits all members", fraction, s.Floor)
}

func (s *Selector) decide(f Frame) (Decision, error) {
	switch s.Policy {
	case PolicyIgnore:     return DecisionSkip, nil
	case PolicyAbortAll:   return DecisionAbort, nil
	case PolicyDropMember: return DecisionDrop, nil
	case PolicyAsk:
		if s.Decider==nil { return DecisionAbort, errors.New("ask policy without a decider") }
		return s.Decider(f), nil
	}
	return DecisionAbort, errors.Errorf("invalid missing mapping policy %d", int(s.Policy))
}

// Tries one separation fraction. Returns the point pairs for all mapped frames, or the ID 
// of the first frame the points do not fit into
func (s *Selector) attempt(a Frame, mapped []Frame, f float32) (points map[int][2]Point, failedID int, ok bool) {
	// anchor positions symmetric around the center, f times the image size apart
	w, h:=float64(a.Width-1), float64(a.Height-1)
	lo, hi:=(1-float64(f))/2, (1+float64(f))/2
	pix:=[2][2]float64{{w*lo, h*lo}, {w*hi, h*hi}}
	var sky [2]wcs.Sky
	for i, p:=range pix {
		var ok bool
		if sky[i], ok=a.Mapping.PixelToSky(p[0], p[1]); !ok { return nil, a.ID, false }
	}

	points=make(map[int][2]Point, len(mapped))
	for _, m:=range mapped {
		var pair [2]Point
		for i:=range sky {
			x, y, ok:=m.Mapping.SkyToPixel(sky[i])
			if !ok || !inside(x, y, m.Width, m.Height) { return nil, m.ID, false }
			pair[i]=NewPoint(star.Point2D{X: float32(x), Y: float32(y)}, &sky[i])
		}
		if star.Dist2D(pair[0].Pixel(), pair[1].Pixel())<MinPointDistance { return nil, m.ID, false }
		points[m.ID]=pair
	}
	return points, 0, true
}

func inside(x, y float64, width, height int32) bool {
	if math.IsNaN(x) || math.IsNaN(y) { return false }
	return x>=0 && x<=float64(width-1) && y>=0 && y<=float64(height-1)
}
