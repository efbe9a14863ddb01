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


// Package session orchestrates a stacking run: it owns the members, their alignment, 
// the calibration set and the combination rule, and produces the stacked result.
package session

import (
	"context"
	"fmt"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/align"
	"github.com/mlnoga/nightstack/internal/calib"
	"github.com/mlnoga/nightstack/internal/fits"
	"github.com/mlnoga/nightstack/internal/ops"
	"github.com/mlnoga/nightstack/internal/ops/stack"
	"github.com/mlnoga/nightstack/internal/star"
	"github.com/mlnoga/nightstack/internal/wcs"
)

var ErrNotReady      = errors.New("member not ready")
var ErrNoMembers     = errors.New("no members")
var ErrUnknownMember = errors.New("unknown member")

// One source image participating in the stack
type Member struct {
	ID     int         `json:"id"`
	Handle string      `json:"handle"`
	Image  *fits.Image `json:"-"`
}

// Summary of a member with its alignment, for callers
type MemberInfo struct {
	ID         int           `json:"id"`
	Handle     string        `json:"handle"`
	Dimensions string        `json:"dimensions"`
	HasMapping bool          `json:"hasMapping"`
	Alignment  align.Record  `json:"alignment"`
}

// A member which did not take part in an operation, and why
type Drop struct {
	ID     int    `json:"id"`
	Handle string `json:"handle"`
	Err    error  `json:"-"`
	Reason string `json:"reason"`
}

func newDrop(id int, handle string, err error) Drop {
	return Drop{ID: id, Handle: handle, Err: err, Reason: err.Error()}
}

// A member which contributed to a result
type Provenance struct {
	ID     int    `json:"id"`
	Handle string `json:"handle"`
}

// The outcome of a stacking run
type Result struct {
	Image       *fits.Image  `json:"-"`
	Mapping     wcs.Mapping  `json:"-"`          // from the reference member, nil if unknown
	Coverage    []uint16     `json:"-"`          // number of valid samples per pixel
	Config      stack.Config `json:"config"`
	Provenance  []Provenance `json:"provenance"` // contributing members, reference first
	Dropped     []Drop       `json:"dropped"`    // members excluded because their pixel data was unavailable
	ClippedLow  int64        `json:"clippedLow"`
	ClippedHigh int64        `json:"clippedHigh"`
	Outputs     []string     `json:"outputs"`    // where savers put the result
}

// Persists a result outside of the engine
type Saver interface {
	Save(ctx context.Context, r *Result) error
}

// Hands the result to all savers in order, stopping at the first error
func SaveAll(ctx context.Context, r *Result, savers ...Saver) error {
	for _, s:=range savers {
		if s==nil { continue }
		if err:=s.Save(ctx, r); err!=nil { return err }
	}
	return nil
}

// A stacking session. Not safe for concurrent use
type Session struct {
	c        *ops.Context
	source   fits.Source
	members  []*Member
	nextID   int
	store    *align.Store
	workflow *align.Workflow
	selector *align.Selector
	calib    *calib.Set
	config   stack.Config
}

// Creates a session reading member images from the given source
func New(c *ops.Context, source fits.Source) *Session {
	store:=align.NewStore()
	return &Session{
		c        : c,
		source   : source,
		store    : store,
		workflow : align.NewWorkflow(store, star.NewRefinerDefault(), c.Log),
		selector : align.NewSelector(align.PolicyIgnore, nil, c.Log),
		config   : stack.DefaultConfig(),
	}
}

// Opens the image for the handle and adds it as a new member. Fails with fits.ErrSourceUnavailable
// if the image cannot be read, in which case no member is added
func (s *Session) AddMember(handle string) (*Member, error) {
	if s.source==nil { return nil, errors.Wrapf(fits.ErrSourceUnavailable, "%s: no source", handle) }
	img, err:=s.source.Open(handle)
	if err!=nil { return nil, err }
	return s.AddImage(handle, img)
}

// Adds an image already in memory as a new member
func (s *Session) AddImage(handle string, img *fits.Image) (*Member, error) {
	if err:=img.Validate(); err!=nil { return nil, errors.Wrapf(fits.ErrSourceUnavailable, "%s: %s", handle, err.Error()) }
	m:=&Member{ID: s.nextID, Handle: handle, Image: img}
	img.ID=m.ID
	s.nextID++
	s.members=append(s.members, m)
	fmt.Fprintf(s.c.Log, "%d: Added %s pixel member %s\n", m.ID, img.DimensionsToString(), handle)
	return m, nil
}

// Opens the images for the handles in parallel and adds them as members in the given order.
// Handles which cannot be opened are reported as drops
func (s *Session) AddMembers(ctx context.Context, handles []string) (added []*Member, dropped []Drop) {
	promises:=make([]ops.Promise, len(handles))
	for i, h:=range handles {
		h:=h
		promises[i]=func() (*fits.Image, error) {
			if s.source==nil { return nil, errors.Wrapf(fits.ErrSourceUnavailable, "%s: no source", h) }
			return s.source.Open(h)
		}
	}
	imgs, errs:=ops.MaterializeAll(ctx, promises, s.c.MaxThreads)
	for i, h:=range handles {
		if errs[i]==nil {
			m, err:=s.AddImage(h, imgs[i])
			if err==nil { added=append(added, m); continue }
			errs[i]=err
		}
		fmt.Fprintf(s.c.Log, "Dropping %s: %s\n", h, errs[i])
		dropped=append(dropped, newDrop(-1, h, errs[i]))
	}
	return added, dropped
}

// Removes a member and releases its buffer and alignment
func (s *Session) RemoveMember(id int) error {
	for i, m:=range s.members {
		if m.ID!=id { continue }
		s.members=append(s.members[:i], s.members[i+1:]...)
		s.store.Remove(id)
		m.Image=nil
		fmt.Fprintf(s.c.Log, "%d: Removed member %s\n", id, m.Handle)
		return nil
	}
	return errors.Wrapf(ErrUnknownMember, "%d", id)
}

// Removes all members, releasing their buffers
func (s *Session) ClearMembers() {
	for _, m:=range s.members { m.Image=nil }
	s.members=nil
	s.store.Clear()
}

// Summaries of all members in session order
func (s *Session) Members() []MemberInfo {
	infos:=make([]MemberInfo, len(s.members))
	for i, m:=range s.members { infos[i]=s.info(m) }
	return infos
}

func (s *Session) info(m *Member) MemberInfo {
	info:=MemberInfo{ID: m.ID, Handle: m.Handle, Alignment: s.store.Get(m.ID)}
	if m.Image!=nil { info.Dimensions, info.HasMapping = m.Image.DimensionsToString(), m.Image.Mapping!=nil }
	return info
}

// The member with the given ID
func (s *Session) Member(id int) (*Member, error) {
	for _, m:=range s.members {
		if m.ID==id { return m, nil }
	}
	return nil, errors.Wrapf(ErrUnknownMember, "%d", id)
}

// Summary of the member with the given ID
func (s *Session) MemberInfo(id int) (MemberInfo, error) {
	m, err:=s.Member(id)
	if err!=nil { return MemberInfo{}, err }
	return s.info(m), nil
}

// Starts manual alignment of a member
func (s *Session) BeginManual(id int) error {
	if _, err:=s.Member(id); err!=nil { return err }
	return s.workflow.Begin(id)
}

// Picks an alignment point for a member near the given pixel location
func (s *Session) Pick(id int, x, y float32, slot align.Slot) (align.Point, error) {
	m, err:=s.Member(id)
	if err!=nil { return align.Point{}, err }
	return s.workflow.Pick(id, m.Image, star.Point2D{X: x, Y: y}, slot)
}

// Discards the alignment of a member
func (s *Session) ResetAlignment(id int) error {
	if _, err:=s.Member(id); err!=nil { return err }
	s.workflow.Reset(id)
	return nil
}

// Aligns all members automatically from their coordinate mappings. The plan is applied 
// as a whole: members get their points, skipped members are reset to idle and dropped 
// members are removed. On error, nothing changes
func (s *Session) RunAutoAlignment(fraction float32) (*align.Plan, error) {
	if len(s.members)==0 { return nil, ErrNoMembers }
	frames:=make([]align.Frame, len(s.members))
	for i, m:=range s.members {
		frames[i]=align.Frame{ID: m.ID}
		if m.Image!=nil { frames[i].Width, frames[i].Height, frames[i].Mapping = m.Image.Width(), m.Image.Height(), m.Image.Mapping }
	}
	plan, err:=s.selector.Select(frames, fraction)
	if err!=nil { return nil, err }

	// members outside the plan lose their points, which would otherwise pair with the new reference points
	for _, m:=range s.members {
		if _, ok:=plan.Points[m.ID]; ok { continue }
		if s.store.Get(m.ID).State!=align.Idle { fmt.Fprintf(s.c.Log, "%d: Discarding alignment points, member not aligned automatically\n", m.ID) }
		s.workflow.Reset(m.ID)
	}
	for id, pair:=range plan.Points { s.store.Set(id, pair[0], pair[1]) }
	for _, id:=range plan.Dropped {
		if err:=s.RemoveMember(id); err!=nil { return nil, err }
	}
	return plan, nil
}

// Sets the policy for members without coordinate mapping during automatic alignment. 
// The decider is consulted for PolicyAsk only
func (s *Session) SetPolicy(policy align.Policy, decider align.Decider) {
	s.selector.Policy, s.selector.Decider = policy, decider
}

// Sets the search window size and step of automatic alignment
func (s *Session) SetSearch(step, floor float32) {
	s.selector.Step, s.selector.Floor = step, floor
}

func (s *Session) SetRefiner(r *star.Refiner) { s.workflow.Refiner=r }

func (s *Session) SetCalibration(set *calib.Set) { s.calib=set }

// The active calibration set, nil if none
func (s *Session) Calibration() *calib.Set { return s.calib }

func (s *Session) SetConfig(cfg stack.Config) { s.config=cfg }

func (s *Session) Config() stack.Config { return s.config }

// Stacks all members. Members whose pixel data is unavailable are excluded and reported in the result.
// All other members must be ready. Each member is calibrated, then resampled into the grid of the 
// reference member, which is the first member. Calibration and resampling run in parallel, checking
// for cancellation between members. Does not modify the session, so repeated runs give the same output
func (s *Session) Execute(ctx context.Context) (*Result, error) {
	res:=&Result{Config: s.config}

	// exclude members without usable pixel data
	var members []*Member
	for _, m:=range s.members {
		if err:=m.Image.Validate(); err!=nil {
			drop:=newDrop(m.ID, m.Handle, errors.Wrapf(fits.ErrSourceUnavailable, "%s: %s", m.Handle, err.Error()))
			fmt.Fprintf(s.c.Log, "%d: Dropping from run: %s\n", m.ID, drop.Reason)
			res.Dropped=append(res.Dropped, drop)
			continue
		}
		members=append(members, m)
	}
	if len(members)==0 { return nil, ErrNoMembers }

	// all remaining members must be ready
	var notReady []int
	for _, m:=range members {
		if !s.store.Get(m.ID).IsReady() { notReady=append(notReady, m.ID) }
	}
	if len(notReady)>0 { return nil, errors.Wrapf(ErrNotReady, "members %v", notReady) }

	// solve transforms onto the reference
	ref:=members[0]
	refRecord:=s.store.Get(ref.ID)
	transforms:=make([]star.Transform2D, len(members))
	for i, m:=range members {
		if i==0 { transforms[i]=star.IdentityTransform2D(); continue }
		t, err:=s.store.Get(m.ID).TransformTo(refRecord)
		if err!=nil { return nil, errors.Wrapf(err, "%d: cannot align to reference %d", m.ID, ref.ID) }
		transforms[i]=t
	}
	if s.calib.IsActive() {
		if err:=s.calib.Prepare(); err!=nil { return nil, err }
	}

	// calibrate and resample members in parallel
	promises:=make([]ops.Promise, len(members))
	for i, m:=range members {
		m, t:=m, transforms[i]
		promises[i]=func() (*fits.Image, error) {
			cal, err:=calib.Calibrate(m.Image, s.calib)
			if err!=nil { return nil, err }
			if t.IsIdentity() && fits.EqualInt32Slice(cal.Naxisn, ref.Image.Naxisn) { return cal, nil }
			fmt.Fprintf(s.c.Log, "%d: Aligning with %s\n", m.ID, t)
			return cal.Project(ref.Image.Naxisn, t)
		}
	}
	aligned, errs:=ops.MaterializeAll(ctx, promises, s.c.MaxThreads)
	if err:=ctx.Err(); err!=nil { return nil, err }
	if err:=ops.JoinErrors(errs); err!=nil { return nil, err }

	sr, err:=stack.NewCombiner(s.config).Combine(ctx, aligned, s.c)
	if err!=nil { return nil, err }

	res.Image, res.Coverage = sr.Image, sr.Coverage
	res.ClippedLow, res.ClippedHigh = sr.ClippedLow, sr.ClippedHigh
	res.Mapping=ref.Image.Mapping
	res.Image.Mapping=res.Mapping
	res.Image.FileName=ref.Handle
	for _, m:=range members {
		res.Provenance=append(res.Provenance, Provenance{ID: m.ID, Handle: m.Handle})
		res.Image.Header.History=append(res.Image.Header.History, fmt.Sprintf("NSTACK member %d %s", m.ID, m.Handle))
	}
	return res, nil
}

