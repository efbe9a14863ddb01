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


package ops

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"strings"
	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
	"github.com/pkg/errors"
	"github.com/mlnoga/nightstack/internal/fits"
)

// An execution context for image operations
type Context struct {
	Log              io.Writer
	MemoryMB         int          // memory.TotalMemory()/1024/1024
	StackMemoryMB    int          // MemoryMB*7/10
	MaxThreads       int          `json:"maxThreads"`
}

// Creates an execution context logging to the given writer. maxThreads<=0 selects 
// the number of physical cores, or GOMAXPROCS if that is unknown
func NewContext(log io.Writer, maxThreads int) *Context {
	if log==nil { log=io.Discard }
	if maxThreads<=0 { maxThreads=cpuid.CPU.PhysicalCores }
	if maxThreads<=0 { maxThreads=runtime.GOMAXPROCS(0) }
	memoryMB:=int(memory.TotalMemory()/1024/1024)
	return &Context{
		Log             : log,
		MemoryMB        : memoryMB,
		StackMemoryMB   : memoryMB*7/10,
		MaxThreads      : maxThreads,
	}
}

// One-line description of the machine this context runs on
func (c *Context) MachineInfo() string {
	avx2:=""
	if cpuid.CPU.AVX2() { avx2=" AVX2" }
	return fmt.Sprintf("%s, %d physical cores%s, %d MiB memory, using %d threads", 
		strings.TrimSpace(cpuid.CPU.BrandName), cpuid.CPU.PhysicalCores, avx2, c.MemoryMB, c.MaxThreads)
}

// A promise for an image. Returns a materialized image, or an error
type Promise func() (f *fits.Image, err error)

// Materializes all promises with given concurrency limit. Returns outputs and errors aligned with the inputs,
// nil image where the promise failed. Stops launching new promises once the context is cancelled, 
// marking the remaining ones with the cancellation error
func MaterializeAll(ctx context.Context, ins []Promise, maxThreads int) (outs []*fits.Image, errs []error) {
	if len(ins)==0 { return nil, nil }
	if maxThreads<1 { maxThreads=1 }
	outs   =make([]*fits.Image, len(ins))
	errs   =make([]error, len(ins))
	limiter:=make(chan bool, maxThreads)
	for i, in := range(ins) {
		if err:=ctx.Err(); err!=nil {
			for j:=i; j<len(ins); j++ { errs[j]=err }
			break
		}
		limiter <- true 
		go func(i int, theIn Promise) {
			defer func() { <-limiter }()
			outs[i], errs[i]=theIn() // materialize the promise
			if errs[i]!=nil { outs[i]=nil }
		}(i, in)
	}
	for i:=0; i<cap(limiter); i++ {  // wait for goroutines to finish
		limiter <- true
	}
	return outs, errs
}

// Combines the non-nil errors into one, or returns nil if there are none
func JoinErrors(errs []error) (err error) {
	for _, e:=range errs {
		if e==nil { continue }
		if err==nil { 
			err = e
		} else {
			err = errors.Errorf("%s; %s", err.Error(), e.Error())
		}
	}
	return err
}

// Returns true if a path is considered safe, i.e. not an absolute path,
// and doesn't contain the ".." characters to change to a parent directory 
func IsPathAllowed(p string) bool {
	if filepath.IsAbs(p) { return false }          // relative paths only
	if strings.Contains(p, "..") { return false }  // no going outside the tree
	return true
}
