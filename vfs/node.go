package vfs

import (
	"context"
	"sync"

	"github.com/rvos-project/vfscore/inode"
)

// Node is one entry in the directory tree: a name, the inode it wraps, a
// back-reference to its parent, and a lazily-populated child map. The
// parent pointer plus the Tree-level tracker vector (see tree.go) carry
// the liveness bookkeeping.
type Node struct {
	tree *Tree
	name string
	file inode.Inode

	identMu sync.Mutex // guards name and parent together, since Rename changes both
	parent  *Node

	specialMu  sync.Mutex
	specialUse int

	childMu  sync.RWMutex
	children map[string]*Node // nil until ensureChildren populates it

	aliveMu sync.Mutex
	alive   bool
}

// File returns the inode this node wraps.
func (n *Node) File() inode.Inode { return n.file }

// Name returns the node's own path component ("" for the root).
func (n *Node) Name() string {
	n.identMu.Lock()
	defer n.identMu.Unlock()
	return n.name
}

func (n *Node) markDead() {
	n.aliveMu.Lock()
	n.alive = false
	n.aliveMu.Unlock()
	n.tree.untrack()
}

func (n *Node) isAlive() bool {
	n.aliveMu.Lock()
	defer n.aliveMu.Unlock()
	return n.alive
}

// AddSpecialUse marks the node as in use for a purpose beyond a plain
// open/close pair: cwd, mount point, root, or an executing binary's text
// segment.
func (n *Node) AddSpecialUse() {
	n.specialMu.Lock()
	n.specialUse++
	n.specialMu.Unlock()
}

// SubSpecialUse releases one special use.
func (n *Node) SubSpecialUse() {
	n.specialMu.Lock()
	n.specialUse--
	n.specialMu.Unlock()
}

func (n *Node) specialUseCount() int {
	n.specialMu.Lock()
	defer n.specialMu.Unlock()
	return n.specialUse
}

func (n *Node) parentNode() *Node {
	n.identMu.Lock()
	defer n.identMu.Unlock()
	return n.parent
}

// GetCwd reconstructs the node's absolute path by walking parent links to
// the root.
func (n *Node) GetCwd() string {
	var parts []string
	cur := n
	for {
		p := cur.parentNode()
		if p == nil {
			break
		}
		parts = append(parts, cur.Name())
		cur = p
	}
	parts = append(parts, cur.Name())
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	if len(parts) <= 1 {
		return "/"
	}
	return "/" + joinNonEmpty(parts[1:])
}

func joinNonEmpty(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += "/"
		}
		out += p
	}
	return out
}

// ensureChildren populates the child map on first use, grounded on
// cache_all_subfile.
func (n *Node) ensureChildren(ctx context.Context) error {
	n.childMu.RLock()
	loaded := n.children != nil
	n.childMu.RUnlock()
	if loaded {
		return nil
	}
	if !n.file.IsDir() {
		return inode.ENOTDIR
	}
	entries, err := n.file.ListChildren(ctx)
	if err != nil {
		return err
	}
	n.childMu.Lock()
	defer n.childMu.Unlock()
	if n.children != nil {
		return nil
	}
	m := make(map[string]*Node, len(entries))
	for _, e := range entries {
		child, err := n.file.Lookup(ctx, e.Name)
		if err != nil {
			return err
		}
		m[e.Name] = n.tree.newNode(e.Name, child, n)
	}
	n.children = m
	return nil
}

// lookupChild resolves a single direct child by name, populating the
// child map first if needed. Grounded on try_to_open_subfile.
func (n *Node) lookupChild(ctx context.Context, name string) (*Node, error) {
	if err := n.ensureChildren(ctx); err != nil {
		return nil, err
	}
	n.childMu.RLock()
	defer n.childMu.RUnlock()
	c, ok := n.children[name]
	if !ok {
		return nil, inode.ENOENT
	}
	return c, nil
}

// cdComp walks components from n, following ".." via the parent pointer
// and everything else via lookupChild. Grounded on cd_comp.
func (n *Node) cdComp(ctx context.Context, comps []string) (*Node, error) {
	cur := n
	for _, c := range comps {
		if c == ".." {
			if p := cur.parentNode(); p != nil {
				cur = p
			}
			continue
		}
		child, err := cur.lookupChild(ctx, c)
		if err != nil {
			return nil, err
		}
		cur = child
	}
	return cur, nil
}

// CdPath resolves path relative to n (or the tree root, if path is
// absolute).
func (n *Node) CdPath(ctx context.Context, path string) (*Node, error) {
	base := n.tree.resolveBase(n, path)
	return base.cdComp(ctx, parseDirPath(path))
}
