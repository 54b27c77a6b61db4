package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/virtualroot/vkernel"
	"github.com/virtualroot/vkernel/internal/api"
)

func shellCommand() *cli.Command {
	return &cli.Command{
		Name:  "shell",
		Usage: "interactive shell on the image",
		Action: func(c *cli.Context) error {
			sys, err := openSystem(c)
			if err != nil {
				return err
			}
			defer sys.Shutdown()
			return runShell(sys)
		},
	}
}

type shell struct {
	sys *vkernel.System
	cwd string
}

func runShell(sys *vkernel.System) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("shell needs a terminal")
	}
	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, oldState)

	t := term.NewTerminal(struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}, "vkfs> ")

	sh := &shell{sys: sys, cwd: "/"}
	for {
		line, err := t.ReadLine()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		quit, err := sh.dispatch(t, strings.Fields(line))
		if err != nil {
			fmt.Fprintf(t, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (sh *shell) dispatch(w io.Writer, args []string) (quit bool, err error) {
	if len(args) == 0 {
		return false, nil
	}
	cmd, args := args[0], args[1:]
	switch cmd {
	case "exit", "quit":
		return true, nil
	case "help":
		fmt.Fprintln(w, "commands: ls [dir], cd <dir>, pwd, cat <file>, stat <path>,")
		fmt.Fprintln(w, "          mkdir <dir>, rm <file>, free, sync, exit")
		return false, nil
	case "pwd":
		fmt.Fprintln(w, sh.cwd)
		return false, nil
	case "cd":
		if len(args) != 1 {
			return false, errors.New("cd takes one directory")
		}
		target := sh.resolve(args[0])
		st, err := sh.sys.Stat(target)
		if err != nil {
			return false, err
		}
		if !st.IsDir {
			return false, api.WrapErr("cd", target, api.ErrNotADirectory)
		}
		sh.cwd = target
		return false, nil
	case "ls":
		dir := sh.cwd
		if len(args) == 1 {
			dir = sh.resolve(args[0])
		}
		return false, listDir(w, sh.sys, dir)
	case "cat":
		if len(args) != 1 {
			return false, errors.New("cat takes one file")
		}
		return false, copyOut(sh.sys, sh.resolve(args[0]), w, nil)
	case "stat":
		if len(args) != 1 {
			return false, errors.New("stat takes one path")
		}
		st, err := sh.sys.Stat(sh.resolve(args[0]))
		if err != nil {
			return false, err
		}
		kind := "file"
		if st.IsDir {
			kind = "dir"
		}
		fmt.Fprintf(w, "%s %s %d bytes modified %s\n",
			kind, st.Name, st.Size, st.ModTime.Format("2006-01-02 15:04:05"))
		return false, nil
	case "mkdir":
		if len(args) != 1 {
			return false, errors.New("mkdir takes one directory")
		}
		return false, sh.sys.Mkdir(sh.resolve(args[0]))
	case "rm":
		if len(args) != 1 {
			return false, errors.New("rm takes one file")
		}
		return false, sh.sys.Unlink(sh.resolve(args[0]))
	case "free":
		free, err := sh.sys.FreeSpace(sh.cwd)
		if err != nil {
			return false, err
		}
		fmt.Fprintf(w, "%d bytes free\n", free)
		return false, nil
	case "sync":
		return false, sh.sys.Sync()
	default:
		return false, fmt.Errorf("unknown command %q, try help", cmd)
	}
}

// resolve makes p absolute against the current directory.
func (sh *shell) resolve(p string) string {
	if strings.HasPrefix(p, "/") {
		return path.Clean(p)
	}
	return path.Join(sh.cwd, p)
}
