package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/x/ansi"
)

// sgr wraps s in the given SGR parameter sequence, built on ansi's raw
// CSI constant the same way tinyrange-cc's terminal emulator builds its
// own control sequences from ansi.CSI rather than hand-rolling escape
// bytes.
func sgr(param string, s string) string {
	return ansi.CSI + param + "m" + s + ansi.CSI + "0m"
}

func infof(format string, args ...any) {
	fmt.Fprintln(os.Stdout, sgr("36", "info: ")+fmt.Sprintf(format, args...))
}

func warnf(format string, args ...any) {
	fmt.Fprintln(os.Stdout, sgr("33", "warn: ")+fmt.Sprintf(format, args...))
}

func errorf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, sgr("31", "error: ")+fmt.Sprintf(format, args...))
}

func okf(format string, args ...any) {
	fmt.Fprintln(os.Stdout, sgr("32", "ok: ")+fmt.Sprintf(format, args...))
}
