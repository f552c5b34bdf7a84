package worker

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/ChuLiYu/studio-jobs/pkg/types"
)

// Group runs one Loop per domain.
type Group struct {
	loops map[types.Domain]*Loop
	order []types.Domain
}

// NewGroup 建立 Group；同一 domain 只能有一個 Loop
func NewGroup(loops ...*Loop) (*Group, error) {
	g := &Group{loops: make(map[types.Domain]*Loop, len(loops))}
	for _, l := range loops {
		if _, dup := g.loops[l.Domain()]; dup {
			return nil, fmt.Errorf("worker: duplicate loop for domain %s", l.Domain())
		}
		g.loops[l.Domain()] = l
		g.order = append(g.order, l.Domain())
	}
	return g, nil
}

// Loop returns the loop of domain.
func (g *Group) Loop(d types.Domain) (*Loop, bool) {
	l, ok := g.loops[d]
	return l, ok
}

// Cancel forwards a cancel request to the loop that executes id.
func (g *Group) Cancel(id types.JobID) bool {
	for _, l := range g.loops {
		if l.Cancel(id) {
			return true
		}
	}
	return false
}

// Phases returns the phase of every loop.
func (g *Group) Phases() map[types.Domain]Phase {
	out := make(map[types.Domain]Phase, len(g.loops))
	for d, l := range g.loops {
		out[d] = l.Phase()
	}
	return out
}

// Run starts every loop and blocks until all of them returned. Loops stop
// when ctx is done or their queue is closed.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, d := range g.order {
		l := g.loops[d]
		eg.Go(func() error {
			return l.Run(ctx)
		})
	}
	return eg.Wait()
}
