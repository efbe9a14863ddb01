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


package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"sort"
	"strings"
	"time"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/align"
	"github.com/mlnoga/nightstack/internal/calib"
	"github.com/mlnoga/nightstack/internal/catalog"
	"github.com/mlnoga/nightstack/internal/config"
	"github.com/mlnoga/nightstack/internal/fits"
	"github.com/mlnoga/nightstack/internal/logging"
	"github.com/mlnoga/nightstack/internal/ops"
	"github.com/mlnoga/nightstack/internal/rest"
	"github.com/mlnoga/nightstack/internal/session"
)

const version = "0.1.0"

var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to `file`")
var memprofile = flag.String("memprofile", "", "write memory profile to `file`")

var configFile = flag.String("config", "", "read settings from `file`, default nightstack.yaml or nightstack.json if present")
var out        = flag.String("out", "out.fits", "save stacked image to `file`, format by suffix .fits, .tif or .jpg")
var coverage   = flag.String("coverage", "%auto", "save coverage map as JPEG to `file`. `%auto` derives the name from the output file, empty disables")
var points     = flag.String("points", "", "align manually with approximate star locations from JSON `file` {\"handle\": [[x1,y1],[x2,y2]], ...}")

// Flags overriding config settings, by config key
var _          = flag.Int    ("threads", 0, "number of worker threads, 0=number of physical cores")
var _          = flag.String ("level", "info", "log level, one of debug, info, warn, error")
var _          = flag.String ("log", "", "also write log to `file`")
var _          = flag.String ("rule", "sigma", "combination rule, one of sum, mean, median, sigma")
var _          = flag.Float64("sigmaLow", 3, "low clipping threshold for sigma rule, in standard deviations")
var _          = flag.Float64("sigmaHigh", 3, "high clipping threshold for sigma rule, in standard deviations")
var _          = flag.Float64("separation", 0.75, "automatic alignment: initial separation of the alignment points as fraction of the frame size")
var _          = flag.String ("policy", "ignore", "automatic alignment: handling of members without coordinate mapping, one of ignore, ask, abort, drop")
var _          = flag.String ("dark", "", "calibrate with dark frame from `file`")
var _          = flag.String ("flat", "", "calibrate with flat frame from `file`")
var _          = flag.String ("bias", "", "calibrate with bias frame from `file`")
var _          = flag.String ("dsn", "nightstack.db", "record runs in catalog database, empty disables")
var _          = flag.String ("addr", ":8080", "serve: listen on this address")
var _          = flag.String ("dir", ".", "serve: read and write files below this directory")

var overrides=map[string]string{
	"threads":    "threads",
	"level":      "log.level",
	"log":        "log.file",
	"rule":       "stack.rule",
	"sigmaLow":   "stack.sigmaLow",
	"sigmaHigh":  "stack.sigmaHigh",
	"separation": "align.separation",
	"policy":     "align.missingMapping",
	"dark":       "calib.dark",
	"flat":       "calib.flat",
	"bias":       "calib.bias",
	"dsn":        "catalog.dsn",
	"addr":       "server.addr",
	"dir":        "server.dir",
}

var chroot = flag.String("chroot", "", "serve: chroot to this directory before serving (requires root)")
var setuid = flag.Int("setuid", -1, "serve: change to this user id before serving, -1=keep")

func main() {
	start:=time.Now()
	flag.Usage=func(){
		fmt.Fprintf(os.Stderr, `Nightstack Copyright (c) 2020 Markus L. Noga
This program comes with ABSOLUTELY NO WARRANTY.
This is free software, and you are welcome to redistribute it under certain conditions.
Refer to https://www.gnu.org/licenses/gpl-3.0.en.html for details.

Usage: %s [-flag value] (stack|serve|runs|config|legal|version) (img0.fits ... imgn.fits)

Commands:
  stack   Align, calibrate and stack input images
  serve   Serve an interactive stacking session over HTTP
  runs    List stacking runs from the catalog, optionally only those using the given image
  config  Write the effective settings to the -config file, or nightstack.yaml
  legal   Show license and attribution information
  version Show version information

Flags:
`, os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	args:=flag.Args()
	if len(args)<1 {
		flag.Usage()
		return
	}

	cfg, err:=config.Load(*configFile)
	if err!=nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(-1)
	}
	flag.Visit(func(f *flag.Flag) {
		if key, ok:=overrides[f.Name]; ok { cfg.Set(key, f.Value.String()) }
	})

	log, err:=logging.New(os.Stdout, cfg.GetString("log.level"), cfg.GetString("log.file"))
	if err!=nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err.Error())
		os.Exit(-1)
	}
	defer log.Close()
	if cfg.File()!="" { log.Info().Str("file", cfg.File()).Msg("Using config") }

	// Enable CPU profiling if flagged
	if *cpuprofile!="" {
		f, err:=os.Create(*cpuprofile)
		if err!=nil { log.Fatal().Err(err).Msg("Could not create CPU profile") }
		defer f.Close()
		if err:=pprof.StartCPUProfile(f); err!=nil { log.Fatal().Err(err).Msg("Could not start CPU profile") }
		defer pprof.StopCPUProfile()
	}

	ctx, stop:=signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	switch args[0] {
	case "stack":
		err=cmdStack(ctx, cfg, args[1:], log)
	case "serve":
		err=cmdServe(ctx, cfg, log)
	case "runs":
		err=cmdRuns(ctx, cfg, args[1:], os.Stdout)
	case "config":
		name:=*configFile
		if name=="" { name=config.FileName+".yaml" }
		err=cfg.Write(name)
		if err==nil { log.Info().Str("file", name).Msg("Wrote settings") }
	case "legal":
		fmt.Fprint(os.Stdout, legal)
	case "version":
		fmt.Fprintf(os.Stdout, "Version %s\n", version)
	case "help", "?":
		flag.Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command '%s'\n\n", args[0])
		flag.Usage()
		return
	}

	// Store memory profile if flagged
	if *memprofile!="" {
		f, err:=os.Create(*memprofile)
		if err!=nil { log.Fatal().Err(err).Msg("Could not create memory profile") }
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err:=pprof.Lookup("allocs").WriteTo(f, 0); err!=nil { log.Fatal().Err(err).Msg("Could not write allocation profile") }
	}

	if err!=nil {
		log.Error().Err(err).Msg("Failed")
		log.Close()
		os.Exit(-1)
	}
	log.Info().Dur("elapsed", time.Since(start)).Msg("Done")
}

// Stacks the given files, aligned manually from a points file or automatically from their coordinate mappings
func cmdStack(ctx context.Context, cfg *config.Config, patterns []string, log *logging.Logger) error {
	c:=ops.NewContext(log, cfg.GetInt("threads"))
	fmt.Fprintf(log, "Running on %s\n", c.MachineInfo())

	handles, err:=globFiles(patterns)
	if err!=nil { return err }
	if len(handles)==0 { return errors.New("no input files") }

	src:=fits.NewFileSource("", log)
	s:=session.New(c, src)
	if err:=configure(ctx, cfg, s, c, src); err!=nil { return err }

	_, dropped:=s.AddMembers(ctx, handles)
	if len(dropped)==len(handles) { return errors.Wrap(session.ErrNoMembers, "no input file could be read") }

	if *points!="" {
		picks, err:=readPoints(*points)
		if err!=nil { return err }
		if err:=pickAll(s, picks); err!=nil { return err }
	} else {
		policy, err:=cfg.MissingMapping()
		if err!=nil { return err }
		var decider align.Decider
		if policy==align.PolicyAsk { decider=askDecider(os.Stdin, os.Stdout) }
		s.SetPolicy(policy, decider)
		if _, err:=s.RunAutoAlignment(cfg.Separation()); err!=nil { return err }
	}

	res, err:=s.Execute(ctx)
	if err!=nil { return err }

	coverageFile:=*coverage
	if coverageFile=="%auto" {
		coverageFile=""
		if *out!="" { coverageFile=strings.TrimSuffix(*out, filepath.Ext(*out))+"_coverage.jpg" }
	}
	savers:=[]session.Saver{session.NewFileSaver(*out, coverageFile, c)}
	if dsn:=cfg.GetString("catalog.dsn"); dsn!="" {
		cat, err:=catalog.Open(cfg.GetString("catalog.driver"), dsn)
		if err!=nil { return err }
		defer cat.Close()
		savers=append(savers, cat)
	}
	if err:=session.SaveAll(ctx, res, savers...); err!=nil { return err }
	log.Info().Strs("outputs", res.Outputs).Int("members", len(res.Provenance)).Int("dropped", len(res.Dropped)).Msg("Stacked")
	return nil
}

// Applies refinement, search, combination and calibration settings from the config to the session.
// Calibration frames are loaded from src
func configure(ctx context.Context, cfg *config.Config, s *session.Session, c *ops.Context, src fits.Source) error {
	s.SetRefiner(cfg.Refiner())
	s.SetSearch(cfg.GetFloat32("align.step"), cfg.GetFloat32("align.floor"))
	stackConfig, err:=cfg.Stack()
	if err!=nil { return err }
	s.SetConfig(stackConfig)

	opts:=cfg.Calibration()
	if opts.BiasFile!="" || opts.DarkFile!="" || opts.FlatFile!="" {
		set:=calib.NewSet(opts)
		if err:=set.Load(ctx, src, c); err!=nil { return err }
		s.SetCalibration(set)
	}
	return nil
}

// Expands glob patterns into file names, keeping the order of the patterns
func globFiles(patterns []string) ([]string, error) {
	var names []string
	for _, p:=range patterns {
		matches, err:=filepath.Glob(p)
		if err!=nil { return nil, errors.Wrapf(err, "error globbing %s", p) }
		if len(matches)==0 { matches=[]string{p} } // report as unreadable later
		sort.Strings(matches)
		names=append(names, matches...)
	}
	return names, nil
}

// Approximate star locations for two alignment points, by handle
type pointsFile map[string][2][2]float32

func readPoints(fileName string) (pointsFile, error) {
	data, err:=os.ReadFile(fileName)
	if err!=nil { return nil, errors.Wrapf(err, "error reading points file %s", fileName) }
	var p pointsFile
	if err:=json.Unmarshal(data, &p); err!=nil { return nil, errors.Wrapf(err, "error parsing points file %s", fileName) }
	return p, nil
}

// Picks both alignment points for every member listed in the points file
func pickAll(s *session.Session, picks pointsFile) error {
	for _, m:=range s.Members() {
		p, ok:=picks[m.Handle]
		if !ok { continue }
		if err:=s.BeginManual(m.ID); err!=nil { return err }
		for i, slot:=range []align.Slot{align.SlotPoint1, align.SlotPoint2} {
			if _, err:=s.Pick(m.ID, p[i][0], p[i][1], slot); err!=nil { return errors.Wrapf(err, "%s point %d", m.Handle, i+1) }
		}
	}
	return nil
}

// Asks the operator on the console what to do with members lacking a coordinate mapping
func askDecider(in io.Reader, out io.Writer) align.Decider {
	r:=bufio.NewReader(in)
	return func(f align.Frame) align.Decision {
		for {
			fmt.Fprintf(out, "Member %d has no coordinate mapping. [s]kip, [d]rop or [a]bort? ", f.ID)
			line, err:=r.ReadString('\n')
			switch strings.ToLower(strings.TrimSpace(line)) {
			case "s", "skip": return align.DecisionSkip
			case "d", "drop": return align.DecisionDrop
			case "a", "abort": return align.DecisionAbort
			}
			if err!=nil { return align.DecisionAbort }
		}
	}
}

// Serves an interactive session over HTTP
func cmdServe(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	var cat *catalog.Catalog
	if dsn:=cfg.GetString("catalog.dsn"); dsn!="" {
		var err error
		cat, err=catalog.Open(cfg.GetString("catalog.driver"), dsn)
		if err!=nil { return err }
		defer cat.Close()
	}

	dir:=cfg.GetString("server.dir")
	if *chroot!="" { dir="." }
	if err:=rest.MakeSandbox(*chroot, *setuid, log); err!=nil { return err }

	c:=ops.NewContext(log, cfg.GetInt("threads"))
	fmt.Fprintf(log, "Running on %s\n", c.MachineInfo())
	src:=fits.NewFileSource(dir, log)
	server:=rest.NewServer(src, dir, c, log, cat)
	if err:=configure(ctx, cfg, server.Session(), c, src); err!=nil { return err }
	return server.Serve(cfg.GetString("server.addr"))
}

// Lists catalogued runs, most recent first, or all runs using the given handle
func cmdRuns(ctx context.Context, cfg *config.Config, args []string, w io.Writer) error {
	dsn:=cfg.GetString("catalog.dsn")
	if dsn=="" { return errors.New("catalog disabled") }
	cat, err:=catalog.Open(cfg.GetString("catalog.driver"), dsn)
	if err!=nil { return err }
	defer cat.Close()

	var runs []catalog.Run
	if len(args)>0 {
		runs, err=cat.RunsWithHandle(ctx, args[0])
	} else {
		runs, err=cat.Runs(ctx, 20)
	}
	if err!=nil { return err }
	for _, r:=range runs {
		fmt.Fprintf(w, "%4d %s %-6s %dx%d %3d members, clipped %d/%d -> %s\n", r.ID, r.CreatedAt.Format(time.RFC3339), 
			r.Rule, r.Width, r.Height, len(r.Members), r.ClippedLow, r.ClippedHigh, r.Outputs)
	}
	return nil
}
