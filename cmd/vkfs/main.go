// Command vkfs manipulates FAT disk images: formatting, listing,
// copying files in and out, and an interactive shell.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/schollz/progressbar/v3"
	"github.com/urfave/cli/v2"

	"github.com/virtualroot/vkernel"
	"github.com/virtualroot/vkernel/internal/api"
	"github.com/virtualroot/vkernel/internal/block"
	"github.com/virtualroot/vkernel/internal/config"
	"github.com/virtualroot/vkernel/internal/fat"
)

func main() {
	app := &cli.App{
		Name:  "vkfs",
		Usage: "work with FAT disk images",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Usage: "configuration file"},
			&cli.StringFlag{Name: "image", Aliases: []string{"i"}, Usage: "disk image path"},
			&cli.BoolFlag{Name: "read-only", Usage: "mount read-only"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
		},
		Commands: []*cli.Command{
			mkfsCommand(),
			infoCommand(),
			lsCommand(),
			catCommand(),
			writeCommand(),
			importCommand(),
			exportCommand(),
			rmCommand(),
			shellCommand(),
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "vkfs: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return cfg, err
	}
	if img := c.String("image"); img != "" {
		cfg.Image = img
	}
	if c.Bool("read-only") {
		cfg.ReadOnly = true
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	if cfg.Image == "" {
		return cfg, errors.New("no disk image: pass --image or set it in the config")
	}
	return cfg, nil
}

func openSystem(c *cli.Context) (*vkernel.System, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return vkernel.New(cfg)
}

func mkfsCommand() *cli.Command {
	return &cli.Command{
		Name:  "mkfs",
		Usage: "create and format a disk image",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "size", Usage: "image size in MiB", Value: 64},
			&cli.IntFlag{Name: "fat", Usage: "FAT type: 16 or 32 (0 = auto)"},
			&cli.StringFlag{Name: "label", Usage: "volume label"},
			&cli.IntFlag{Name: "cluster", Usage: "sectors per cluster (0 = auto)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			sectors := uint64(c.Int64("size")) * 1024 * 1024 / uint64(cfg.SectorSize)
			dev, err := block.CreateFile(cfg.Image, cfg.SectorSize, sectors)
			if err != nil {
				return err
			}
			defer dev.Close()

			bar := progressbar.DefaultBytes(-1, "formatting")
			err = fat.Format(dev, fat.FormatOptions{
				Type:              c.Int("fat"),
				Label:             c.String("label"),
				SectorsPerCluster: uint32(c.Int("cluster")),
				Progress: func(done, total uint64) {
					bar.ChangeMax64(int64(total) * int64(cfg.SectorSize))
					bar.Set64(int64(done) * int64(cfg.SectorSize))
				},
			})
			bar.Finish()
			if err != nil {
				return err
			}
			fmt.Printf("formatted %s (%d sectors)\n", cfg.Image, sectors)
			return nil
		},
	}
}

func infoCommand() *cli.Command {
	return &cli.Command{
		Name:  "info",
		Usage: "show mount and free space information",
		Action: func(c *cli.Context) error {
			sys, err := openSystem(c)
			if err != nil {
				return err
			}
			defer sys.Shutdown()

			for _, m := range sys.VFS().Mounts() {
				mode := "rw"
				if m.ReadOnly {
					mode = "ro"
				}
				fmt.Printf("%-12s %s on %s (%s)\n", m.Driver, m.Device, m.MountPoint, mode)
			}
			free, err := sys.FreeSpace("/")
			if err != nil {
				return err
			}
			fmt.Printf("free: %d bytes\n", free)
			count, capacity := sys.Cache().Stats()
			fmt.Printf("cache: %d/%d buffers\n", count, capacity)
			return nil
		},
	}
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "list a directory",
		ArgsUsage: "[path]",
		Action: func(c *cli.Context) error {
			sys, err := openSystem(c)
			if err != nil {
				return err
			}
			defer sys.Shutdown()
			dir := c.Args().First()
			if dir == "" {
				dir = "/"
			}
			return listDir(os.Stdout, sys, dir)
		},
	}
}

func listDir(w io.Writer, sys *vkernel.System, dir string) error {
	fd, err := sys.Open(dir, api.O_RDONLY)
	if err != nil {
		return err
	}
	defer sys.Close(fd)

	for i := 0; ; i++ {
		e, err := sys.Readdir(fd, i)
		if errors.Is(err, api.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		kind := "-"
		if e.IsDir {
			kind = "d"
		}
		fmt.Fprintf(w, "%s %10d %s\n", kind, e.Size, e.Name)
	}
}

func catCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat",
		Usage:     "print a file to stdout",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("cat takes exactly one path")
			}
			sys, err := openSystem(c)
			if err != nil {
				return err
			}
			defer sys.Shutdown()
			return copyOut(sys, c.Args().First(), os.Stdout, nil)
		},
	}
}

func writeCommand() *cli.Command {
	return &cli.Command{
		Name:      "write",
		Usage:     "write stdin to a file on the image",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("write takes exactly one path")
			}
			sys, err := openSystem(c)
			if err != nil {
				return err
			}
			defer sys.Shutdown()
			return copyIn(sys, os.Stdin, c.Args().First(), nil)
		},
	}
}

func importCommand() *cli.Command {
	return &cli.Command{
		Name:      "import",
		Usage:     "copy a host file onto the image",
		ArgsUsage: "<host-file> <path>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return errors.New("import takes a host file and a destination path")
			}
			src, err := os.Open(c.Args().Get(0))
			if err != nil {
				return err
			}
			defer src.Close()
			st, err := src.Stat()
			if err != nil {
				return err
			}

			sys, err := openSystem(c)
			if err != nil {
				return err
			}
			defer sys.Shutdown()

			dst := c.Args().Get(1)
			if dst == "" || dst[len(dst)-1] == '/' {
				dst = path.Join(dst, path.Base(c.Args().Get(0)))
			}
			bar := progressbar.DefaultBytes(st.Size(), "importing")
			defer bar.Finish()
			return copyIn(sys, io.TeeReader(src, bar), dst, nil)
		},
	}
}

func exportCommand() *cli.Command {
	return &cli.Command{
		Name:      "export",
		Usage:     "copy a file from the image to the host",
		ArgsUsage: "<path> <host-file>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return errors.New("export takes a source path and a host file")
			}
			sys, err := openSystem(c)
			if err != nil {
				return err
			}
			defer sys.Shutdown()

			src := c.Args().Get(0)
			st, err := sys.Stat(src)
			if err != nil {
				return err
			}
			dst, err := os.Create(c.Args().Get(1))
			if err != nil {
				return err
			}
			defer dst.Close()

			bar := progressbar.DefaultBytes(int64(st.Size), "exporting")
			defer bar.Finish()
			return copyOut(sys, src, io.MultiWriter(dst, bar), nil)
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "remove a file",
		ArgsUsage: "<path>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return errors.New("rm takes exactly one path")
			}
			sys, err := openSystem(c)
			if err != nil {
				return err
			}
			defer sys.Shutdown()
			return sys.Unlink(c.Args().First())
		},
	}
}

// copyIn streams r into path on the image, creating or truncating it.
func copyIn(sys *vkernel.System, r io.Reader, p string, buf []byte) error {
	fd, err := sys.Open(p, api.O_CREAT|api.O_WRONLY|api.O_TRUNC)
	if err != nil {
		return err
	}
	if buf == nil {
		buf = make([]byte, 64*1024)
	}
	for {
		n, rerr := r.Read(buf)
		if n > 0 {
			w, werr := sys.Write(fd, buf[:n])
			if werr == nil && w < n {
				werr = api.WrapErr("write", p, api.ErrNoSpace)
			}
			if werr != nil {
				sys.Close(fd)
				return werr
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			sys.Close(fd)
			return rerr
		}
	}
	return sys.Close(fd)
}

// copyOut streams path on the image into w.
func copyOut(sys *vkernel.System, p string, w io.Writer, buf []byte) error {
	fd, err := sys.Open(p, api.O_RDONLY)
	if err != nil {
		return err
	}
	defer sys.Close(fd)

	if buf == nil {
		buf = make([]byte, 64*1024)
	}
	for {
		n, err := sys.Read(fd, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
	}
}
