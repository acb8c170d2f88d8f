// Package vfs assembles the drivers under fat32/ext4 (and the pseudo
// leaves under vfs/pseudo) into a single path-addressable tree. The
// tracker vector used for the lazy-compacted OOM sweep holds strong node
// pointers with an explicit alive flag set at removal time; dead entries
// linger until the next compaction rather than being collected
// immediately.
package vfs

import (
	"strings"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/rvos-project/vfscore/inode"
)

// OpenFlags is the open(2) flag set, backed by the real Linux O_* bit
// values from golang.org/x/sys/unix rather than hand-picked constants.
type OpenFlags uint32

const (
	O_RDONLY    OpenFlags = OpenFlags(unix.O_RDONLY)
	O_WRONLY    OpenFlags = OpenFlags(unix.O_WRONLY)
	O_RDWR      OpenFlags = OpenFlags(unix.O_RDWR)
	O_CREAT     OpenFlags = OpenFlags(unix.O_CREAT)
	O_EXCL      OpenFlags = OpenFlags(unix.O_EXCL)
	O_TRUNC     OpenFlags = OpenFlags(unix.O_TRUNC)
	O_APPEND    OpenFlags = OpenFlags(unix.O_APPEND)
	O_DIRECTORY OpenFlags = OpenFlags(unix.O_DIRECTORY)
	O_CLOEXEC   OpenFlags = OpenFlags(unix.O_CLOEXEC)
	O_NONBLOCK  OpenFlags = OpenFlags(unix.O_NONBLOCK)
)

// Has reports whether every bit in want is set in f.
func (f OpenFlags) Has(want OpenFlags) bool { return f&want == want }

// parseDirPath splits a path into its non-trivial components, collapsing
// "." and resolving ".." against what's already on the stack:
// "/lib/a/.././d/c" -> ["lib","d","c"].
func parseDirPath(path string) []string {
	parts := strings.Split(path, "/")
	comps := make([]string, 0, 8)
	for _, s := range parts {
		switch s {
		case "", ".":
		case "..":
			if len(comps) == 0 || comps[len(comps)-1] == ".." {
				comps = append(comps, "..")
			} else {
				comps = comps[:len(comps)-1]
			}
		default:
			comps = append(comps, s)
		}
	}
	return comps
}

func equalComps(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// hasPrefixComps reports whether long starts with every element of short,
// used by Rename to reject moving a directory into its own subtree.
func hasPrefixComps(long, short []string) bool {
	if len(short) > len(long) {
		return false
	}
	for i := range short {
		if long[i] != short[i] {
			return false
		}
	}
	return true
}

// Tree owns the root node, the lazily-compacted liveness tracker, and the
// single-slot absolute-path cache. All three are instance state so
// multiple trees (e.g. one per test) don't share mutable globals.
type Tree struct {
	root *Node

	trackMu   sync.Mutex
	tracked   []*Node
	deadCount int

	pathCacheMu   sync.Mutex
	pathCachePath string
	pathCacheNode *Node
}

// NewTree builds a tree rooted at the given inode.
func NewTree(root inode.Inode) *Tree {
	t := &Tree{}
	t.root = t.newNode("", root, nil)
	return t
}

// Root returns the tree's root node.
func (t *Tree) Root() *Node { return t.root }

func (t *Tree) resolveBase(base *Node, path string) *Node {
	if strings.HasPrefix(path, "/") {
		return t.root
	}
	return base
}

func (t *Tree) newNode(name string, file inode.Inode, parent *Node) *Node {
	n := &Node{tree: t, name: name, file: file, parent: parent, alive: true}
	t.trackMu.Lock()
	t.tracked = append(t.tracked, n)
	t.trackMu.Unlock()
	return n
}

// untrack bumps the dead-entry counter and triggers a compaction once
// dead entries reach half the tracked count.
func (t *Tree) untrack() {
	t.trackMu.Lock()
	defer t.trackMu.Unlock()
	t.deadCount++
	if t.deadCount >= len(t.tracked)/2 {
		t.compactLocked()
	}
}

func (t *Tree) compactLocked() {
	fresh := t.tracked[:0]
	for _, n := range t.tracked {
		if n.isAlive() {
			fresh = append(fresh, n)
		}
	}
	t.tracked = fresh
	t.deadCount = 0
}

// OOM runs one node-liveness-filtered sweep over every tracked node's
// page cache, making up to three passes and stopping at the first one
// that reclaims anything.
func (t *Tree) OOM() int {
	t.trackMu.Lock()
	t.compactLocked()
	nodes := make([]*Node, len(t.tracked))
	copy(nodes, t.tracked)
	t.trackMu.Unlock()

	const maxFailTime = 3
	for attempt := 0; attempt < maxFailTime; attempt++ {
		dropped := 0
		for _, n := range nodes {
			if !n.isAlive() {
				continue
			}
			dropped += n.file.OOM()
		}
		if dropped > 0 {
			return dropped
		}
	}
	return 0
}
