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
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/fits"
	"github.com/mlnoga/nightstack/internal/star"
)

// Which point a pick replaces
type Slot int
const (
	SlotNext   Slot = iota // the next missing point. Invalid once the member is ready
	SlotPoint1
	SlotPoint2
)

// Minimum distance between the two points of a member, in pixels
const MinPointDistance = 1

// Turns point picks on member images into alignment records. Each member's
// state machine is independent: Idle -> AwaitingPoint1 -> AwaitingPoint2 -> Ready
type Workflow struct {
	Store   *Store
	Refiner *star.Refiner
	Log     io.Writer
}

func NewWorkflow(store *Store, refiner *star.Refiner, logWriter io.Writer) *Workflow {
	if refiner==nil { refiner=star.NewRefinerDefault() }
	if logWriter==nil { logWriter=io.Discard }
	return &Workflow{Store: store, Refiner: refiner, Log: logWriter}
}

// Starts manual alignment of an idle member. A no-op for members already awaiting points
func (w *Workflow) Begin(id int) error {
	r:=w.Store.Get(id)
	switch r.State {
	case Idle:
		w.Store.put(id, Record{State: AwaitingPoint1})
		return nil
	case AwaitingPoint1, AwaitingPoint2:
		return nil
	}
	return errors.Wrapf(ErrInvalidState, "%d: cannot begin alignment in state %s", id, r.State)
}

// Returns a member to the idle state, discarding its points
func (w *Workflow) Reset(id int) {
	w.Store.Remove(id)
}

// Picks a point near the given pixel location of the member's image. The location is refined 
// to the centroid of the nearby source and stored into the given slot. Fails with ErrNoSourceFound 
// if there is no qualifying source, leaving the state unchanged so the caller may retry
func (w *Workflow) Pick(id int, img *fits.Image, loc star.Point2D, slot Slot) (Point, error) {
	if err:=img.Validate(); err!=nil { return Point{}, err }
	r:=w.Store.Get(id)
	if r.State==Idle { r.State=AwaitingPoint1 }

	// resolve target slot
	target:=slot
	switch r.State {
	case AwaitingPoint1:
		if slot==SlotPoint2 { return Point{}, errors.Wrapf(ErrInvalidState, "%d: point 1 must be picked first", id) }
		target=SlotPoint1
	case AwaitingPoint2:
		if slot==SlotNext { target=SlotPoint2 }
	case Ready:
		if slot==SlotNext { return Point{}, errors.Wrapf(ErrInvalidState, "%d: member is ready, pick must name the point to replace", id) }
	}
	if target!=SlotPoint1 && target!=SlotPoint2 { return Point{}, errors.Wrapf(ErrInvalidState, "%d: invalid slot %d", id, slot) }

	refined, err:=w.Refiner.Refine(img.Data, img.Width(), loc)
	if err!=nil { return Point{}, errors.Wrapf(err, "%d: pick at %s", id, loc) }

	// the other point of the pair must be sufficiently far away
	other:=r.Point2
	if target==SlotPoint2 { other=r.Point1 }
	if other!=nil && star.Dist2D(other.Pixel(), refined)<MinPointDistance {
		return Point{}, errors.Wrapf(star.ErrDegenerateTransform, "%d: refined point %s coincides with the other alignment point %s", id, refined, other)
	}

	p:=NewPoint(refined, nil)
	if img.Mapping!=nil {
		if sky, ok:=img.Mapping.PixelToSky(float64(refined.X), float64(refined.Y)); ok { p.Sky=&sky }
	}

	if target==SlotPoint1 { 
		r.Point1=&p 
		if r.State==AwaitingPoint1 { r.State=AwaitingPoint2 }
	} else {
		r.Point2=&p
		r.State=Ready
	}
	w.Store.put(id, r)
	fmt.Fprintf(w.Log, "%d: Picked %s near %s, %s\n", id, p, loc, r.State)
	return p, nil
}
