package vfs

import (
	"context"
	"fmt"
	"runtime"
	"strings"

	"github.com/moby/sys/mountinfo"

	"github.com/rvos-project/vfscore/vfs/pseudo"
)

// MountRecord describes one entry this module's Bootstrap should render
// into /proc/mounts. There's no real mount table to read (this whole
// volume is whatever FS was handed to NewTree), so callers hand Bootstrap
// the single entry describing that volume directly.
type MountRecord struct {
	Source     string
	Mountpoint string
	FSType     string
	Options    string
}

// Bootstrap populates the tree with the /dev, /tmp, and /proc subtrees a
// booting kernel builds before any user workload runs.
func (t *Tree) Bootstrap(ctx context.Context, mounts []MountRecord) error {
	dev, err := t.Mkdir(ctx, t.root, "/dev")
	if err != nil {
		return err
	}
	if _, err := t.Mkdir(ctx, t.root, "/dev/shm"); err != nil {
		return err
	}
	misc, err := t.Mkdir(ctx, t.root, "/dev/misc")
	if err != nil {
		return err
	}

	if _, err := t.AttachPseudo(ctx, dev, "null", pseudo.NewNull()); err != nil {
		return err
	}
	if _, err := t.AttachPseudo(ctx, dev, "zero", pseudo.NewZero()); err != nil {
		return err
	}
	if _, err := t.AttachPseudo(ctx, dev, "urandom", pseudo.NewUrandom()); err != nil {
		return err
	}
	if _, err := t.AttachPseudo(ctx, dev, "tty", pseudo.NewTty()); err != nil {
		return err
	}
	if _, err := t.AttachPseudo(ctx, misc, "rtc", pseudo.NewHwclock()); err != nil {
		return err
	}

	if _, err := t.Mkdir(ctx, t.root, "/tmp"); err != nil {
		return err
	}

	proc, err := t.Mkdir(ctx, t.root, "/proc")
	if err != nil {
		return err
	}
	meminfo := pseudo.NewMemFile(renderMeminfo())
	if _, err := t.AttachPseudo(ctx, proc, "meminfo", meminfo); err != nil {
		return err
	}
	mountsFile := pseudo.NewMemFile(renderMounts(mounts))
	if _, err := t.AttachPseudo(ctx, proc, "mounts", mountsFile); err != nil {
		return err
	}

	return nil
}

// renderMeminfo produces a tiny /proc/meminfo: just enough fields for a
// workload probing total/free memory to find something plausible, using
// runtime.MemStats as the nearest available substitute for real kernel
// memory accounting in a userspace process.
func renderMeminfo() []byte {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	totalKB := ms.Sys / 1024
	freeKB := (ms.Sys - ms.Alloc) / 1024
	var b strings.Builder
	fmt.Fprintf(&b, "MemTotal:       %8d kB\n", totalKB)
	fmt.Fprintf(&b, "MemFree:        %8d kB\n", freeKB)
	fmt.Fprintf(&b, "MemAvailable:   %8d kB\n", freeKB)
	return []byte(b.String())
}

// renderMounts formats each MountRecord as a /proc/mounts line, building
// the line through mountinfo.Info's field shape (Source/Mountpoint/
// FSType/VFSOptions) rather than calling mountinfo.GetMounts, which would
// parse the host's own /proc/self/mountinfo instead of this module's
// single synthetic volume.
func renderMounts(mounts []MountRecord) []byte {
	var b strings.Builder
	for _, m := range mounts {
		info := mountinfo.Info{
			Source:     m.Source,
			Mountpoint: m.Mountpoint,
			FSType:     m.FSType,
			VFSOptions: m.Options,
		}
		fmt.Fprintf(&b, "%s %s %s %s 0 0\n", info.Source, info.Mountpoint, info.FSType, info.VFSOptions)
	}
	return []byte(b.String())
}
