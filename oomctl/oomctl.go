// Package oomctl coordinates one memory-reclamation pass across everything
// that can give frames back: the per-volume metadata buffer caches, every
// live inode's page cache (via the directory tree's tracker sweep), and
// finally the registered address spaces' shallow mappings.
package oomctl

import (
	"context"
	"log"

	"golang.org/x/sync/errgroup"

	"github.com/rvos-project/vfscore/mm"
	"github.com/rvos-project/vfscore/task"
	"github.com/rvos-project/vfscore/vfs"
)

// Volume is the slice of a mounted filesystem the controller needs: one
// eviction pass over its shared metadata buffer cache. Both fat32.FS and
// ext4.FS satisfy it.
type Volume interface {
	OOM() error
}

// Controller runs reclamation passes. It implements mm.Reclaimer, so it can
// be handed to mm.FrameAllocator.Reserve and to cache.NewPageCache as the
// under-pressure callback.
type Controller struct {
	tree    *vfs.Tree
	volumes []Volume
	reg     *mm.Registry
	attr    task.Attributor
	logger  *log.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithRegistry wires in the address-space registry for the VM-walk
// fallback. Without it the controller stops after the cache sweeps.
func WithRegistry(reg *mm.Registry) Option {
	return func(c *Controller) { c.reg = reg }
}

// WithLogger directs the controller's pass summaries somewhere other than
// the process default logger. A nil logger silences them.
func WithLogger(l *log.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithAttributor overrides how log lines name the task under which the
// reclamation ran.
func WithAttributor(a task.Attributor) Option {
	return func(c *Controller) { c.attr = a }
}

// New builds a controller over the tree and the mounted volumes.
func New(tree *vfs.Tree, volumes []Volume, opts ...Option) *Controller {
	c := &Controller{
		tree:    tree,
		volumes: volumes,
		attr:    task.DefaultAttributor,
		logger:  log.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Reclaim satisfies mm.Reclaimer.
func (c *Controller) Reclaim() (int, error) {
	return c.ReclaimCtx(context.Background())
}

// ReclaimCtx runs one full reclamation pass: evict each volume's metadata
// buffer cache (the evictions are independent per volume, so they run
// concurrently and any writeback error aborts the pass), sweep every live
// tree node's page cache, then if nothing came back walk registered
// address spaces for shallow mappings.
func (c *Controller) ReclaimCtx(ctx context.Context) (int, error) {
	if c.reg != nil {
		c.reg.InvalidateTLB()
	}

	g, _ := errgroup.WithContext(ctx)
	for _, v := range c.volumes {
		v := v
		g.Go(v.OOM)
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	freed := 0
	if c.tree != nil {
		freed = c.tree.OOM()
	}
	if freed == 0 && c.reg != nil {
		freed = c.reg.WalkAll()
	}

	if c.logger != nil {
		c.logger.Printf("oomctl: task %d reclaimed %d page(s)", c.attr.CurrentTaskID(ctx), freed)
	}
	return freed, nil
}
