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


// Package rest exposes a stacking session over HTTP.
package rest

import (
	"net/http"
	"path/filepath"
	"strconv"
	"sync"
	"time"
	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/mlnoga/nightstack/internal/align"
	"github.com/mlnoga/nightstack/internal/calib"
	"github.com/mlnoga/nightstack/internal/catalog"
	"github.com/mlnoga/nightstack/internal/fits"
	"github.com/mlnoga/nightstack/internal/logging"
	"github.com/mlnoga/nightstack/internal/ops"
	"github.com/mlnoga/nightstack/internal/ops/stack"
	"github.com/mlnoga/nightstack/internal/session"
	"github.com/mlnoga/nightstack/internal/star"
)

// Serves one stacking session. Requests are serialized, as the session is not safe for concurrent use
type Server struct {
	mutex    sync.Mutex
	session  *session.Session
	source   fits.Source
	c        *ops.Context
	log      *logging.Logger
	catalog  *catalog.Catalog // nil if disabled
	dir      string           // directory for output files

	registry     *prometheus.Registry
	httpDuration *prometheus.HistogramVec
	httpRequests *prometheus.CounterVec
	members      prometheus.Gauge
	runs         *prometheus.CounterVec
	stackSeconds prometheus.Histogram
}

// Creates a server for a new session reading from source, writing outputs below dir. The catalog is optional
func NewServer(source fits.Source, dir string, c *ops.Context, log *logging.Logger, cat *catalog.Catalog) *Server {
	reg:=prometheus.NewRegistry()
	f:=promauto.With(reg)
	return &Server{
		session:  session.New(c, source),
		source:   source,
		c:        c,
		log:      log,
		catalog:  cat,
		dir:      dir,
		registry: reg,
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name: "http_response_time_seconds",
			Help: "Duration of HTTP requests.",
		}, []string{"path"}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Number of HTTP requests.",
		}, []string{"path", "status"}),
		members: f.NewGauge(prometheus.GaugeOpts{
			Name: "nightstack_members",
			Help: "Number of members in the session.",
		}),
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "nightstack_runs_total",
			Help: "Number of stacking runs by outcome.",
		}, []string{"outcome"}),
		stackSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "nightstack_stack_seconds",
			Help:    "Duration of stacking runs.",
			Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
		}),
	}
}

// The session served, for setup before serving
func (s *Server) Session() *session.Session { return s.session }

// Routes of the API
func (s *Server) Router() *gin.Engine {
	r:=gin.New()
	r.Use(gin.Recovery(), s.metrics)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	api:=r.Group("/api")
	{
		v1:=api.Group("/v1")
		{
			v1.GET   ("/ping",                   getPing)
			v1.GET   ("/members",                s.getMembers)
			v1.POST  ("/members",                s.postMembers)
			v1.DELETE("/members",                s.deleteMembers)
			v1.GET   ("/members/:id",            s.getMember)
			v1.DELETE("/members/:id",            s.deleteMember)
			v1.POST  ("/members/:id/begin",      s.postBegin)
			v1.POST  ("/members/:id/pick",       s.postPick)
			v1.DELETE("/members/:id/alignment",  s.deleteAlignment)
			v1.POST  ("/align/auto",             s.postAutoAlign)
			v1.GET   ("/config/stack",           s.getStackConfig)
			v1.PUT   ("/config/stack",           s.putStackConfig)
			v1.PUT   ("/config/calibration",     s.putCalibration)
			v1.POST  ("/stack",                  s.postStack)
			v1.GET   ("/runs",                   s.getRuns)
		}
	}
	return r
}

// Listens and serves on the given address until the server fails
func (s *Server) Serve(addr string) error {
	s.log.Info().Str("addr", addr).Msg("Serving")
	return http.ListenAndServe(addr, s.Router())
}

// Records request durations and counts by route
func (s *Server) metrics(c *gin.Context) {
	start:=time.Now()
	c.Next()
	path:=c.FullPath()
	if path=="" { path="unmatched" }
	s.httpDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	s.httpRequests.WithLabelValues(path, strconv.Itoa(c.Writer.Status())).Inc()
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

// HTTP status for an engine error
func statusOf(err error) int {
	switch {
	case errors.Is(err, session.ErrUnknownMember):
		return http.StatusNotFound
	case errors.Is(err, align.ErrInvalidState), errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrNoMembers):
		return http.StatusConflict
	case errors.Is(err, star.ErrNoSourceFound), errors.Is(err, star.ErrDegenerateTransform),
		errors.Is(err, align.ErrNoReferenceMapping), errors.Is(err, align.ErrImagesNotCongruent), errors.Is(err, align.ErrAbortAll),
		errors.Is(err, calib.ErrCalibrationMismatch), errors.Is(err, fits.ErrSourceUnavailable),
		errors.Is(err, stack.ErrNotCongruent):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(c *gin.Context, err error) {
	status:=statusOf(err)
	ev:=s.log.Warn()
	if status==http.StatusInternalServerError { ev=s.log.Error() }
	ev.Err(err).Str("path", c.FullPath()).Int("status", status).Msg("Request failed")
	c.JSON(status, gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func memberID(c *gin.Context) (int, bool) {
	id, err:=strconv.Atoi(c.Param("id"))
	if err!=nil { badRequest(c, errors.Errorf("invalid member id %q", c.Param("id"))); return 0, false }
	return id, true
}

// Checks that all paths stay within the served directory tree
func allowed(c *gin.Context, paths ...string) bool {
	for _, p:=range paths {
		if p!="" && !ops.IsPathAllowed(p) { 
			badRequest(c, errors.Errorf("path %q not allowed", p))
			return false 
		}
	}
	return true
}

func (s *Server) getMembers(c *gin.Context) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c.JSON(http.StatusOK, s.session.Members())
}

type postMembersArgs struct {
	Handles []string `json:"handles" binding:"required"`
}

func (s *Server) postMembers(c *gin.Context) {
	var args postMembersArgs
	if err:=c.ShouldBindJSON(&args); err!=nil { badRequest(c, err); return }
	if !allowed(c, args.Handles...) { return }

	s.mutex.Lock()
	defer s.mutex.Unlock()
	added, dropped:=s.session.AddMembers(c.Request.Context(), args.Handles)
	s.members.Set(float64(len(s.session.Members())))
	infos:=make([]session.MemberInfo, len(added))
	for i, m:=range added { infos[i], _=s.session.MemberInfo(m.ID) }
	c.JSON(http.StatusOK, gin.H{"added": infos, "dropped": dropped})
}

func (s *Server) deleteMembers(c *gin.Context) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.session.ClearMembers()
	s.members.Set(0)
	c.Status(http.StatusNoContent)
}

func (s *Server) getMember(c *gin.Context) {
	id, ok:=memberID(c)
	if !ok { return }
	s.mutex.Lock()
	defer s.mutex.Unlock()
	info, err:=s.session.MemberInfo(id)
	if err!=nil { s.fail(c, err); return }
	c.JSON(http.StatusOK, info)
}

func (s *Server) deleteMember(c *gin.Context) {
	id, ok:=memberID(c)
	if !ok { return }
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err:=s.session.RemoveMember(id); err!=nil { s.fail(c, err); return }
	s.members.Set(float64(len(s.session.Members())))
	c.Status(http.StatusNoContent)
}

func (s *Server) postBegin(c *gin.Context) {
	id, ok:=memberID(c)
	if !ok { return }
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err:=s.session.BeginManual(id); err!=nil { s.fail(c, err); return }
	info, _:=s.session.MemberInfo(id)
	c.JSON(http.StatusOK, info)
}

type postPickArgs struct {
	X    *float32 `json:"x" binding:"required"`
	Y    *float32 `json:"y" binding:"required"`
	Slot string   `json:"slot"` // "", "next", "1" or "2"
}

func parseSlot(s string) (align.Slot, error) {
	switch s {
	case "", "next": return align.SlotNext,   nil
	case "1":        return align.SlotPoint1, nil
	case "2":        return align.SlotPoint2, nil
	}
	return align.SlotNext, errors.Errorf("invalid slot %q", s)
}

func (s *Server) postPick(c *gin.Context) {
	id, ok:=memberID(c)
	if !ok { return }
	var args postPickArgs
	if err:=c.ShouldBindJSON(&args); err!=nil { badRequest(c, err); return }
	slot, err:=parseSlot(args.Slot)
	if err!=nil { badRequest(c, err); return }

	s.mutex.Lock()
	defer s.mutex.Unlock()
	p, err:=s.session.Pick(id, *args.X, *args.Y, slot)
	if err!=nil { s.fail(c, err); return }
	info, _:=s.session.MemberInfo(id)
	c.JSON(http.StatusOK, gin.H{"point": p, "member": info})
}

func (s *Server) deleteAlignment(c *gin.Context) {
	id, ok:=memberID(c)
	if !ok { return }
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err:=s.session.ResetAlignment(id); err!=nil { s.fail(c, err); return }
	c.Status(http.StatusNoContent)
}

type postAutoAlignArgs struct {
	Separation float32      `json:"separation"`
	Policy     align.Policy `json:"missingMapping"`
}

func (s *Server) postAutoAlign(c *gin.Context) {
	args:=postAutoAlignArgs{Separation: 0.75, Policy: align.PolicyIgnore}
	if err:=c.ShouldBindJSON(&args); err!=nil { badRequest(c, err); return }
	if args.Policy==align.PolicyAsk { badRequest(c, errors.New("policy ask needs an interactive caller")); return }

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.session.SetPolicy(args.Policy, nil)
	plan, err:=s.session.RunAutoAlignment(args.Separation)
	if err!=nil { s.fail(c, err); return }
	s.members.Set(float64(len(s.session.Members())))
	c.JSON(http.StatusOK, plan)
}

func (s *Server) getStackConfig(c *gin.Context) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	c.JSON(http.StatusOK, s.session.Config())
}

func (s *Server) putStackConfig(c *gin.Context) {
	var cfg stack.Config
	if err:=c.ShouldBindJSON(&cfg); err!=nil { badRequest(c, err); return }
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.session.SetConfig(cfg)
	c.JSON(http.StatusOK, cfg)
}

func (s *Server) putCalibration(c *gin.Context) {
	var opts calib.Options
	if err:=c.ShouldBindJSON(&opts); err!=nil { badRequest(c, err); return }
	if !allowed(c, opts.BiasFile, opts.DarkFile, opts.FlatFile) { return }

	set:=calib.NewSet(opts)
	if err:=set.Load(c.Request.Context(), s.source, s.c); err!=nil { s.fail(c, err); return }
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.session.SetCalibration(set)
	c.JSON(http.StatusOK, opts)
}

type postStackArgs struct {
	Output   string `json:"output"`   // image file, format by suffix
	Coverage string `json:"coverage"` // optional coverage map JPEG
}

func (s *Server) postStack(c *gin.Context) {
	var args postStackArgs
	if err:=c.ShouldBindJSON(&args); err!=nil { badRequest(c, err); return }
	if !allowed(c, args.Output, args.Coverage) { return }

	s.mutex.Lock()
	defer s.mutex.Unlock()
	start:=time.Now()
	res, err:=s.session.Execute(c.Request.Context())
	if err!=nil { 
		s.runs.WithLabelValues("failed").Inc()
		s.fail(c, err)
		return 
	}
	s.stackSeconds.Observe(time.Since(start).Seconds())
	s.runs.WithLabelValues("ok").Inc()

	savers:=[]session.Saver{session.NewFileSaver(s.path(args.Output), s.path(args.Coverage), s.c)}
	if s.catalog!=nil { savers=append(savers, s.catalog) }
	if err:=session.SaveAll(c.Request.Context(), res, savers...); err!=nil { s.fail(c, err); return }
	c.JSON(http.StatusOK, res)
}

func (s *Server) path(p string) string {
	if p=="" || s.dir=="" { return p }
	return filepath.Join(s.dir, p)
}

func (s *Server) getRuns(c *gin.Context) {
	if s.catalog==nil { c.JSON(http.StatusNotFound, gin.H{"error": "catalog disabled"}); return }
	limit, err:=strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err!=nil { badRequest(c, err); return }
	runs, err:=s.catalog.Runs(c.Request.Context(), limit)
	if err!=nil { s.fail(c, err); return }
	c.JSON(http.StatusOK, runs)
}
