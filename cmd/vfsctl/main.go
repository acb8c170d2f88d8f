// vfsctl formats, inspects, and mounts vfscore disk images from the shell:
// make a FAT32 or ext4 image, list and read its contents through the same
// directory tree the kernel-facing code uses, force reclamation passes, or
// expose the whole tree as a FUSE mount.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rvos-project/vfscore/blockdev"
	"github.com/rvos-project/vfscore/ext4"
	"github.com/rvos-project/vfscore/fat32"
	"github.com/rvos-project/vfscore/fuseadapter"
	"github.com/rvos-project/vfscore/inode"
	"github.com/rvos-project/vfscore/mm"
	"github.com/rvos-project/vfscore/oomctl"
	"github.com/rvos-project/vfscore/vfs"
)

var (
	flagFrames    int
	flagPoolSize  int
	flagBootstrap bool
	flagFormat    string
	flagSectors   uint64
	flagSecPerCl  uint8
	flagDebug     bool
)

var rootCmd = &cobra.Command{
	Use:           "vfsctl",
	Short:         "Format, inspect, and mount vfscore disk images",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().IntVar(&flagFrames, "frames", 256, "frame pool capacity backing the page caches")
	rootCmd.PersistentFlags().IntVar(&flagPoolSize, "buffer-slots", 64, "metadata buffer cache slots per volume")

	mkfsCmd.Flags().StringVar(&flagFormat, "format", "fat32", "filesystem format to write (fat32 or ext4)")
	mkfsCmd.Flags().Uint64Var(&flagSectors, "sectors", 8192, "image size in 2048-byte sectors")
	mkfsCmd.Flags().Uint8Var(&flagSecPerCl, "sectors-per-cluster", 1, "FAT32 cluster size in sectors")

	mountCmd.Flags().BoolVar(&flagDebug, "debug", false, "log the FUSE protocol traffic")
	mountCmd.Flags().BoolVar(&flagBootstrap, "bootstrap", false, "populate /dev, /tmp, and /proc before serving")

	rootCmd.AddCommand(mkfsCmd, lsCmd, catCmd, writeCmd, statCmd, oomCmd, cacheStatsCmd, mountCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "vfsctl:", err)
		os.Exit(1)
	}
}

// openImage mounts the image file and assembles the tree plus its OOM
// controller, the same wiring a kernel boot path would do once.
func openImage(path string) (*vfs.Tree, *vfs.Volume, *blockdev.FileDevice, error) {
	dev, err := blockdev.OpenFileDevice(path)
	if err != nil {
		return nil, nil, nil, err
	}
	alloc := mm.NewPoolAllocator(flagFrames)
	vol, err := vfs.MountVolume(dev, flagPoolSize, alloc, mm.NewMemAddressSpace())
	if err != nil {
		dev.Close()
		return nil, nil, nil, err
	}
	tree := vfs.NewTree(vol.Root)
	return tree, vol, dev, nil
}

var mkfsCmd = &cobra.Command{
	Use:   "mkfs <image>",
	Short: "Write a fresh filesystem into an image file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, err := blockdev.CreateFileDevice(args[0], flagSectors)
		if err != nil {
			return err
		}
		defer dev.Close()
		switch flagFormat {
		case "fat32":
			err = fat32.Format(dev, flagSecPerCl)
		case "ext4":
			err = ext4.Format(dev)
		default:
			return fmt.Errorf("unknown format %q", flagFormat)
		}
		if err != nil {
			return err
		}
		fmt.Printf("wrote %s image (%d sectors) to %s\n", flagFormat, flagSectors, args[0])
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls <image> [path]",
	Short: "List a directory inside the image",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, _, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()
		ctx := context.Background()
		dirPath := "/"
		if len(args) == 2 {
			dirPath = args[1]
		}
		n, err := tree.Root().CdPath(ctx, dirPath)
		if err != nil {
			return err
		}
		entries, err := n.File().ListChildren(ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			kind := "-"
			if e.Kind == inode.KindDir {
				kind = "d"
			}
			fmt.Printf("%s %8d %s\n", kind, e.Ino, e.Name)
		}
		return nil
	},
}

var catCmd = &cobra.Command{
	Use:   "cat <image> <path>",
	Short: "Copy a file's contents to stdout",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, _, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()
		ctx := context.Background()
		n, err := tree.Root().CdPath(ctx, args[1])
		if err != nil {
			return err
		}
		buf := make([]byte, 64*1024)
		var off int64
		for {
			got, err := n.File().ReadAt(ctx, off, buf)
			if err != nil {
				return err
			}
			if got == 0 {
				return nil
			}
			if _, err := os.Stdout.Write(buf[:got]); err != nil {
				return err
			}
			off += int64(got)
		}
	},
}

var writeCmd = &cobra.Command{
	Use:   "write <image> <path>",
	Short: "Create or overwrite a file inside the image from stdin",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, _, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()
		ctx := context.Background()
		n, err := tree.Open(ctx, tree.Root(), args[1], vfs.O_CREAT|vfs.O_RDWR|vfs.O_TRUNC, false)
		if err != nil {
			return err
		}
		buf := make([]byte, 64*1024)
		var off int64
		for {
			got, rerr := os.Stdin.Read(buf)
			if got > 0 {
				wrote, werr := n.File().WriteAt(ctx, off, buf[:got])
				off += int64(wrote)
				if werr != nil {
					return werr
				}
			}
			if rerr == io.EOF {
				fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", off, args[1])
				return nil
			}
			if rerr != nil {
				return rerr
			}
		}
	},
}

var statCmd = &cobra.Command{
	Use:   "stat <image> <path>",
	Short: "Print a file's metadata",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, vol, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()
		ctx := context.Background()
		n, err := tree.Root().CdPath(ctx, args[1])
		if err != nil {
			return err
		}
		st, err := n.File().Stat(ctx)
		if err != nil {
			return err
		}
		kind := "file"
		if st.Kind == inode.KindDir {
			kind = "dir"
		}
		fmt.Printf("path:  %s\n", n.GetCwd())
		fmt.Printf("fs:    %s (id %d)\n", vol.Tag, st.FS.ID)
		fmt.Printf("ino:   %d\n", st.Ino)
		fmt.Printf("kind:  %s\n", kind)
		fmt.Printf("size:  %d\n", st.Size)
		fmt.Printf("nlink: %d\n", st.Nlink)
		fmt.Printf("mtime: %s\n", st.Mtime)
		return nil
	},
}

var oomCmd = &cobra.Command{
	Use:   "oom <image> [path...]",
	Short: "Read the named files to fill the caches, then run reclamation",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, vol, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()
		ctx := context.Background()
		buf := make([]byte, 64*1024)
		for _, p := range args[1:] {
			n, err := tree.Root().CdPath(ctx, p)
			if err != nil {
				return err
			}
			var off int64
			for {
				got, err := n.File().ReadAt(ctx, off, buf)
				if err != nil || got == 0 {
					break
				}
				off += int64(got)
			}
		}
		ctl := oomctl.New(tree, []oomctl.Volume{vol})
		for pass := 1; ; pass++ {
			freed, err := ctl.ReclaimCtx(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("pass %d: freed %d page(s)\n", pass, freed)
			if freed == 0 {
				return nil
			}
		}
	},
}

var cacheStatsCmd = &cobra.Command{
	Use:   "cache-stats <image>",
	Short: "Walk the whole tree, then print buffer-cache counters",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, vol, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()
		if err := walk(context.Background(), tree.Root(), ""); err != nil {
			return err
		}
		fmt.Println(vol.Stats())
		return nil
	},
}

func walk(ctx context.Context, n *vfs.Node, indent string) error {
	entries, err := n.File().ListChildren(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s%s\n", indent, e.Name)
		if e.Kind != inode.KindDir || e.Name == "." || e.Name == ".." {
			continue
		}
		child, err := n.CdPath(ctx, e.Name)
		if err != nil {
			return err
		}
		if err := walk(ctx, child, indent+"  "); err != nil {
			return err
		}
	}
	return nil
}

var mountCmd = &cobra.Command{
	Use:   "mount <image> <mountpoint>",
	Short: "Serve the image as a FUSE filesystem until unmounted",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		tree, vol, dev, err := openImage(args[0])
		if err != nil {
			return err
		}
		defer dev.Close()
		if flagBootstrap {
			rec := vfs.MountRecord{
				Source:     args[0],
				Mountpoint: "/",
				FSType:     strings.ToLower(vol.Tag.String()),
				Options:    "rw",
			}
			if err := tree.Bootstrap(context.Background(), []vfs.MountRecord{rec}); err != nil {
				return err
			}
		}
		server, err := fuseadapter.Mount(args[1], tree, flagDebug)
		if err != nil {
			return err
		}
		fmt.Printf("serving %s at %s; unmount to exit\n", args[0], args[1])
		server.Wait()
		return nil
	},
}
