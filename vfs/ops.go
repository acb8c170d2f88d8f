package vfs

import (
	"context"
	"strings"

	"github.com/rvos-project/vfscore/inode"
)

// Open resolves path (relative to base unless it starts with "/"),
// applying O_CREAT/O_EXCL/O_TRUNC/O_DIRECTORY semantics plus the busy and
// directory-writability checks. The single-slot absolute-path cache is
// consulted first and refreshed on a miss.
func (t *Tree) Open(ctx context.Context, base *Node, path string, flags OpenFlags, specialUse bool) (*Node, error) {
	t.pathCacheMu.Lock()
	cachedPath, cachedNode := t.pathCachePath, t.pathCacheNode
	t.pathCacheMu.Unlock()

	var target *Node
	if strings.HasPrefix(path, "/") && path == cachedPath && cachedNode != nil && cachedNode.isAlive() {
		if flags.Has(O_CREAT) && flags.Has(O_EXCL) {
			return nil, inode.EEXIST
		}
		target = cachedNode
	} else {
		root := t.resolveBase(base, path)
		comps := parseDirPath(path)
		var lastComp string
		if len(comps) > 0 {
			lastComp = comps[len(comps)-1]
			comps = comps[:len(comps)-1]
		}
		parent, err := root.cdComp(ctx, comps)
		if err != nil {
			return nil, err
		}
		if lastComp == "" {
			target = parent
		} else {
			if err := parent.ensureChildren(ctx); err != nil {
				return nil, err
			}
			parent.childMu.Lock()
			child, exists := parent.children[lastComp]
			switch {
			case exists:
				parent.childMu.Unlock()
				if flags.Has(O_CREAT) && flags.Has(O_EXCL) {
					return nil, inode.EEXIST
				}
				target = child
			case flags.Has(O_CREAT):
				created, cerr := parent.file.Create(ctx, lastComp, inode.KindFile)
				if cerr != nil {
					parent.childMu.Unlock()
					return nil, cerr
				}
				target = parent.tree.newNode(lastComp, created, parent)
				parent.children[lastComp] = target
				parent.childMu.Unlock()
			default:
				parent.childMu.Unlock()
				return nil, inode.ENOENT
			}
		}
	}

	if flags.Has(O_TRUNC) {
		if err := target.file.Truncate(ctx, 0); err != nil {
			return nil, err
		}
	}
	if target.file.IsFile() && target.specialUseCount() > 0 && (flags.Has(O_WRONLY) || flags.Has(O_RDWR)) {
		return nil, inode.ETXTBSY
	}
	if target.file.IsDir() && (flags.Has(O_WRONLY) || flags.Has(O_RDWR)) {
		return nil, inode.EISDIR
	}
	if !target.file.IsDir() && flags.Has(O_DIRECTORY) {
		return nil, inode.ENOTDIR
	}

	if specialUse {
		target.AddSpecialUse()
	}

	if strings.HasPrefix(path, "/") && path != cachedPath {
		t.pathCacheMu.Lock()
		t.pathCachePath, t.pathCacheNode = path, target
		t.pathCacheMu.Unlock()
	}

	return target, nil
}

// Mkdir creates a directory at path.
func (t *Tree) Mkdir(ctx context.Context, base *Node, path string) (*Node, error) {
	root := t.resolveBase(base, path)
	comps := parseDirPath(path)
	if len(comps) == 0 {
		return nil, inode.EEXIST
	}
	lastComp := comps[len(comps)-1]
	parent, err := root.cdComp(ctx, comps[:len(comps)-1])
	if err != nil {
		return nil, err
	}
	if err := parent.ensureChildren(ctx); err != nil {
		return nil, err
	}
	parent.childMu.Lock()
	defer parent.childMu.Unlock()
	if _, exists := parent.children[lastComp]; exists {
		return nil, inode.EEXIST
	}
	created, err := parent.file.Create(ctx, lastComp, inode.KindDir)
	if err != nil {
		return nil, err
	}
	child := parent.tree.newNode(lastComp, created, parent)
	parent.children[lastComp] = child
	return child, nil
}

// AttachPseudo inserts file directly into parent's child map under name,
// bypassing parent.file.Create entirely, for device/proc leaves that
// aren't backed by the mounted filesystem.
func (t *Tree) AttachPseudo(ctx context.Context, parent *Node, name string, file inode.Inode) (*Node, error) {
	if err := parent.ensureChildren(ctx); err != nil {
		return nil, err
	}
	parent.childMu.Lock()
	defer parent.childMu.Unlock()
	child := parent.tree.newNode(name, file, parent)
	parent.children[name] = child
	return child, nil
}

// Delete removes a file or directory's entry from its parent.
func (t *Tree) Delete(ctx context.Context, base *Node, path string, deleteDirectory bool) error {
	comps := parseDirPath(path)
	if len(comps) == 0 || comps[len(comps)-1] == "." {
		return inode.EINVAL
	}
	root := t.resolveBase(base, path)
	lastComp := comps[len(comps)-1]
	target, err := root.cdComp(ctx, comps)
	if err != nil {
		return err
	}
	if target.specialUseCount() > 0 {
		return inode.EBUSY
	}
	if !deleteDirectory && target.file.IsDir() {
		return inode.EISDIR
	}
	if deleteDirectory && !target.file.IsDir() {
		return inode.ENOTDIR
	}
	parent := target.parentNode()
	if parent == nil {
		return inode.EACCES
	}
	parent.childMu.Lock()
	defer parent.childMu.Unlock()
	if err := target.file.Unlink(ctx, true); err != nil {
		return err
	}
	delete(parent.children, lastComp)
	target.markDead()
	return nil
}

// Rename moves oldPath to newPath, both absolute, acquiring the two
// parents' child-map locks in a fixed order — the lexicographically
// smaller resolved parent path first, one lock when the parents coincide
// — so two concurrent renames cannot deadlock.
func (t *Tree) Rename(ctx context.Context, oldPath, newPath string) error {
	if !strings.HasPrefix(oldPath, "/") || !strings.HasPrefix(newPath, "/") {
		return inode.EINVAL
	}
	oldComps := parseDirPath(oldPath)
	newComps := parseDirPath(newPath)
	if len(oldComps) == 0 || len(newComps) == 0 {
		return inode.EINVAL
	}
	if equalComps(oldComps, newComps) {
		return nil
	}
	if hasPrefixComps(newComps, oldComps) {
		return inode.EINVAL
	}

	// The moved node's absolute path changes, so the memoized resolution
	// must not outlive this call. Registered before the child-map locks so
	// it runs after they unlock, keeping the lock order intact.
	defer func() {
		t.pathCacheMu.Lock()
		t.pathCachePath, t.pathCacheNode = "", nil
		t.pathCacheMu.Unlock()
	}()

	oldLast := oldComps[len(oldComps)-1]
	newLast := newComps[len(newComps)-1]
	oldParentComps := oldComps[:len(oldComps)-1]
	newParentComps := newComps[:len(newComps)-1]

	oldParent, err := t.root.cdComp(ctx, oldParentComps)
	if err != nil {
		return err
	}
	newParent, err := t.root.cdComp(ctx, newParentComps)
	if err != nil {
		return err
	}

	// Populate child maps before taking any lock: ensureChildren takes
	// the same childMu itself, so doing this after locking would
	// deadlock on a self-RLock from a goroutine already holding the
	// write lock.
	if err := oldParent.ensureChildren(ctx); err != nil {
		return err
	}
	if err := newParent.ensureChildren(ctx); err != nil {
		return err
	}

	if oldParent == newParent {
		oldParent.childMu.Lock()
		defer oldParent.childMu.Unlock()
	} else {
		oldKey := strings.Join(oldParentComps, "/")
		newKey := strings.Join(newParentComps, "/")
		first, second := oldParent, newParent
		if oldKey > newKey {
			first, second = newParent, oldParent
		}
		first.childMu.Lock()
		defer first.childMu.Unlock()
		second.childMu.Lock()
		defer second.childMu.Unlock()
	}

	oldNode, ok := oldParent.children[oldLast]
	if !ok {
		return inode.ENOENT
	}
	if oldNode.specialUseCount() > 0 {
		return inode.EBUSY
	}
	if oldNode.file.FS().ID != newParent.file.FS().ID {
		return inode.EXDEV
	}

	if existing, ok := newParent.children[newLast]; ok {
		if existing.file.IsDir() && !oldNode.file.IsDir() {
			return inode.EISDIR
		}
		if oldNode.file.IsDir() && !existing.file.IsDir() {
			return inode.ENOTDIR
		}
		if existing.specialUseCount() > 0 {
			return inode.EBUSY
		}
		if err := existing.file.Unlink(ctx, true); err != nil {
			return err
		}
		delete(newParent.children, newLast)
		existing.markDead()
	}

	if err := oldNode.file.RenameTo(ctx, newParent.file, newLast); err != nil {
		return err
	}
	delete(oldParent.children, oldLast)
	oldNode.identMu.Lock()
	oldNode.parent = newParent
	oldNode.name = newLast
	oldNode.identMu.Unlock()
	newParent.children[newLast] = oldNode

	return nil
}
