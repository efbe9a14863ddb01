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


// Package catalog records the provenance of stacking runs in a database.
package catalog

import (
	"context"
	"math"
	"strings"
	"time"
	"github.com/glebarez/sqlite"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"github.com/mlnoga/nightstack/internal/session"
)

// One stacking run
type Run struct {
	ID          uint        `gorm:"primarykey" json:"id"`
	CreatedAt   time.Time   `json:"createdAt"`
	Rule        string      `json:"rule"`
	Width       int32       `json:"width"`
	Height      int32       `json:"height"`
	Exposure    float32     `json:"exposure"`
	ClippedLow  int64       `json:"clippedLow"`
	ClippedHigh int64       `json:"clippedHigh"`
	Outputs     string      `json:"outputs"` // comma separated
	Members     []RunMember `gorm:"constraint:OnDelete:CASCADE" json:"members"`
}

// A member which took part in a run, or was dropped from it
type RunMember struct {
	ID       uint   `gorm:"primarykey" json:"-"`
	RunID    uint   `gorm:"index" json:"-"`
	MemberID int    `json:"memberID"`
	Handle   string `json:"handle"`
	Dropped  bool   `json:"dropped"`
	Reason   string `json:"reason,omitempty"`
}

// A provenance catalog backed by SQLite or Postgres
type Catalog struct {
	db *gorm.DB
}

// Opens the catalog with the given driver, "sqlite" or "postgres", and migrates the schema.
// For SQLite, the DSN is a file name
func Open(driver, dsn string) (*Catalog, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(driver) {
	case "sqlite", "sqlite3":
		dialector=sqlite.Open(dsn)
	case "postgres", "postgresql":
		dialector=postgres.New(postgres.Config{DSN: dsn, PreferSimpleProtocol: true})
	default:
		return nil, errors.Errorf("unknown catalog driver %q", driver)
	}
	db, err:=gorm.Open(dialector, &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err!=nil { return nil, errors.Wrapf(err, "cannot open %s catalog", driver) }
	if err:=db.AutoMigrate(&Run{}, &RunMember{}); err!=nil { return nil, errors.Wrap(err, "cannot migrate catalog") }
	return &Catalog{db: db}, nil
}

// Records a result with its contributing and dropped members
func (c *Catalog) Save(ctx context.Context, r *session.Result) error {
	if r==nil || r.Image==nil { return errors.New("no result to record") }
	run:=Run{
		Rule:        r.Config.Rule.String(),
		Width:       r.Image.Width(),
		Height:      r.Image.Height(),
		Exposure:    r.Image.Exposure,
		ClippedLow:  r.ClippedLow,
		ClippedHigh: r.ClippedHigh,
		Outputs:     strings.Join(r.Outputs, ","),
	}
	if math.IsNaN(float64(run.Exposure)) { run.Exposure=0 }
	for _, p:=range r.Provenance {
		run.Members=append(run.Members, RunMember{MemberID: p.ID, Handle: p.Handle})
	}
	for _, d:=range r.Dropped {
		run.Members=append(run.Members, RunMember{MemberID: d.ID, Handle: d.Handle, Dropped: true, Reason: d.Reason})
	}
	return c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(&run).Error
	})
}

// The most recent runs with their members, newest first
func (c *Catalog) Runs(ctx context.Context, limit int) ([]Run, error) {
	var runs []Run
	q:=c.db.WithContext(ctx).Preload("Members", byID).Order("id desc")
	if limit>0 { q=q.Limit(limit) }
	if err:=q.Find(&runs).Error; err!=nil { return nil, err }
	return runs, nil
}

// Runs in which the given handle took part
func (c *Catalog) RunsWithHandle(ctx context.Context, handle string) ([]Run, error) {
	var runs []Run
	sub:=c.db.Model(&RunMember{}).Select("run_id").Where("handle = ? AND dropped = ?", handle, false)
	err:=c.db.WithContext(ctx).Preload("Members", byID).Where("id IN (?)", sub).Order("id").Find(&runs).Error
	if err!=nil { return nil, err }
	return runs, nil
}

func byID(db *gorm.DB) *gorm.DB { return db.Order("id") }

func (c *Catalog) Close() error {
	sqlDB, err:=c.db.DB()
	if err!=nil { return err }
	return sqlDB.Close()
}
