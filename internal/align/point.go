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


// Package align derives and holds the alignment point pairs which register stack members
// onto the reference frame, either from manual picks or from the members' sky coordinates.
package align

import (
	"fmt"
	"sort"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/star"
	"github.com/mlnoga/nightstack/internal/wcs"
)

var ErrNoSourceFound      = star.ErrNoSourceFound
var ErrNoReferenceMapping = errors.New("no member with a coordinate mapping")
var ErrImagesNotCongruent = errors.New("images not congruent")
var ErrAbortAll           = errors.New("aborted by operator")
var ErrInvalidState       = errors.New("invalid alignment state")

// An alignment point in zero-based pixel coordinates, with the sky position it was derived from, if known.
// Points are values and get replaced as a whole
type Point struct {
	X   float32  `json:"x"`
	Y   float32  `json:"y"`
	Sky *wcs.Sky `json:"sky,omitempty"`
}

func NewPoint(p star.Point2D, sky *wcs.Sky) Point {
	if sky!=nil { s:=*sky; sky=&s }
	return Point{X: p.X, Y: p.Y, Sky: sky}
}

func (p Point) Pixel() star.Point2D { return star.Point2D{X: p.X, Y: p.Y} }

func (p Point) String() string {
	if p.Sky==nil { return p.Pixel().String() }
	return fmt.Sprintf("%s@%s", p.Pixel(), p.Sky)
}

// Alignment state of a member
type State int
const (
	Idle State = iota
	AwaitingPoint1
	AwaitingPoint2
	Ready
)

func (s State) String() string {
	switch s {
	case Idle:           return "idle"
	case AwaitingPoint1: return "awaiting point 1"
	case AwaitingPoint2: return "awaiting point 2"
	case Ready:          return "ready"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Alignment state and points of one member. Point2 is only set in state Ready, 
// point1 in states AwaitingPoint2 and Ready
type Record struct {
	State  State  `json:"state"`
	Point1 *Point `json:"point1,omitempty"`
	Point2 *Point `json:"point2,omitempty"`
}

func (r Record) IsReady() bool { return r.State==Ready && r.Point1!=nil && r.Point2!=nil }

// Similarity transform mapping this record's points onto the reference record's points
func (r Record) TransformTo(ref Record) (star.Transform2D, error) {
	if !r.IsReady() || !ref.IsReady() { return star.Transform2D{}, errors.Wrap(ErrInvalidState, "both records must be ready") }
	return star.NewSimilarity(r.Point1.Pixel(), r.Point2.Pixel(), ref.Point1.Pixel(), ref.Point2.Pixel())
}

// Alignment records of all members, by member ID. Members without a record are idle
type Store struct {
	records map[int]Record
}

func NewStore() *Store {
	return &Store{records: make(map[int]Record)}
}

// Returns a copy of the record for the given member
func (s *Store) Get(id int) Record {
	r:=s.records[id]
	return Record{State: r.State, Point1: clonePoint(r.Point1), Point2: clonePoint(r.Point2)}
}

// Replaces both points of a member, which becomes ready
func (s *Store) Set(id int, p1, p2 Point) {
	s.records[id]=Record{State: Ready, Point1: clonePoint(&p1), Point2: clonePoint(&p2)}
}

func (s *Store) put(id int, r Record) {
	if r.State==Idle { delete(s.records, id); return }
	s.records[id]=r
}

// Forgets the alignment of a member
func (s *Store) Remove(id int) { delete(s.records, id) }

// Forgets all alignments
func (s *Store) Clear() { s.records=make(map[int]Record) }

// IDs of all ready members, in ascending order
func (s *Store) ReadyIDs() []int {
	ids:=[]int{}
	for id, r:=range s.records {
		if r.IsReady() { ids=append(ids, id) }
	}
	sort.Ints(ids)
	return ids
}

func clonePoint(p *Point) *Point {
	if p==nil { return nil }
	c:=NewPoint(p.Pixel(), p.Sky)
	return &c
}
