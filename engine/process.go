package engine

import (
	"context"
	"fmt"
	"sync"
)

type Proc func(context.Context) error

// ProcMgr is like a fancy implementation of sync.WaitGroup. Every registered
// Proc is expected to block until ctx is canceled; a Proc that returns
// early (nil or not) is treated as a crash and panics the process so a
// supervisor outside it can restart the whole thing.
type ProcMgr struct {
	procs []Proc
}

func (p *ProcMgr) Add(proc Proc) { p.procs = append(p.procs, proc) }

func (p *ProcMgr) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, proc := range p.procs {
		wg.Add(1)
		go func(proc Proc) {
			defer wg.Done()
			err := proc(ctx)
			if err == nil && ctx.Err() == nil {
				panic("a proc returned unexpectedly!")
			}
			if err != nil && ctx.Err() == nil {
				panic(fmt.Sprintf("proc returned an error: %s", err))
			}
		}(proc)
	}
	wg.Wait()
}
