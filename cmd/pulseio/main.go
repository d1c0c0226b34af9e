// Command pulseio is the filesystem tool for volumes created by this
// module's fs package: create, mount, and drive an interactive shell
// over superblock/bitmap/inode state the same way gokvm's "boot"
// subcommand drives a VM from a single CLI invocation.
package main

import (
	"fmt"
	"os"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pulseio create [-m|--mount] <image> [size=10m] [blocksize=4096] [fanout=16]")
	fmt.Fprintln(os.Stderr, "       pulseio mount <image>")
	fmt.Fprintln(os.Stderr, "       pulseio help")
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		usage()

		return 1
	}

	s := &session{}

	switch args[0] {
	case "create":
		a, err := parseCreateArgs(args[1:])
		if err != nil {
			errorf("%v", err)
			usage()

			return 1
		}

		if err := s.cmdCreate(a); err != nil {
			errorf("%v", err)

			return 1
		}

	case "mount":
		if len(args) != 2 {
			usage()

			return 1
		}

		if err := s.cmdMount(args[1]); err != nil {
			errorf("%v", err)

			return 1
		}

	case "help", "-h", "--help":
		usage()
		printHelp()

		return 0

	default:
		usage()

		return 1
	}

	return runREPL(s)
}
