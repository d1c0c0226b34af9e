package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// interruptWindow is how long a first Ctrl+C keeps the "press again to
// exit" prompt armed, the CLI's double-SIGINT exit gesture.
const interruptWindow = 2 * time.Second

var errInterrupted = fmt.Errorf("interrupted")

// rawReader reads one line at a time from a raw-mode terminal, the same
// ioctl-driven approach term.SetRawMode takes, but through
// golang.org/x/term so the CLI gets the state save/restore dance for
// free. In raw mode ISIG is off, so Ctrl+C (0x03) arrives as an ordinary
// byte rather than an OS signal — readLine turns it into errInterrupted
// instead of a line.
type rawReader struct {
	f   *os.File
	buf *bufio.Reader
}

func newRawReader(f *os.File) *rawReader {
	return &rawReader{f: f, buf: bufio.NewReader(f)}
}

func (r *rawReader) readLine() (string, error) {
	var line []byte

	for {
		b, err := r.buf.ReadByte()
		if err != nil {
			return "", err
		}

		switch b {
		case 0x03: // Ctrl+C
			return "", errInterrupted
		case '\r', '\n':
			fmt.Fprint(os.Stdout, "\r\n")

			return string(line), nil
		case 0x7f, 0x08: // backspace
			if len(line) > 0 {
				line = line[:len(line)-1]
				fmt.Fprint(os.Stdout, "\b \b")
			}
		default:
			line = append(line, b)
			fmt.Fprintf(os.Stdout, "%c", b)
		}
	}
}

// runREPL drives the interactive shell once a volume has been created
// or mounted: info/sync/check/repair/test/help/exit/mount/umount/create,
// one command per line. It returns 0 once the session ends (exit, EOF or
// a second Ctrl+C) and 1 only when the terminal cannot be put into raw
// mode; errors from individual commands do not change the exit code.
func runREPL(s *session) int {
	fd := int(os.Stdin.Fd())

	exitCode := 0

	if !term.IsTerminal(fd) {
		exitCode = runScripted(s, os.Stdin)
		cleanupSession(s)

		return exitCode
	}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		errorf("%v", err)
		cleanupSession(s)

		return 1
	}
	defer term.Restore(fd, oldState)

	r := newRawReader(os.Stdin)

	var lastInterrupt time.Time

	prompt(s)

	for {
		line, err := r.readLine()
		if err == errInterrupted {
			if !lastInterrupt.IsZero() && time.Since(lastInterrupt) < interruptWindow {
				fmt.Fprint(os.Stdout, "\r\n")

				break
			}

			lastInterrupt = time.Now()
			fmt.Fprint(os.Stdout, "\r\n(press Ctrl+C again within 2s to exit)\r\n")
			prompt(s)

			continue
		}

		if err == io.EOF {
			fmt.Fprint(os.Stdout, "\r\n")

			break
		}

		if err != nil {
			errorf("%v", err)

			break
		}

		lastInterrupt = time.Time{}

		if exit := dispatch(s, line); exit {
			break
		}

		prompt(s)
	}

	cleanupSession(s)

	return exitCode
}

// runScripted drives the same command dispatch loop over a non-terminal
// stdin (a pipe or redirected file), for scripted/CI use where raw mode
// makes no sense.
func runScripted(s *session, in io.Reader) int {
	scanner := bufio.NewScanner(in)

	for scanner.Scan() {
		if dispatch(s, scanner.Text()) {
			break
		}
	}

	return 0
}

func prompt(s *session) {
	name := "pulseio"
	if s.mounted() {
		name = s.image
	}

	fmt.Fprintf(os.Stdout, "%s> ", name)
}

func cleanupSession(s *session) {
	if s.mounted() {
		if err := s.cmdUmount(); err != nil {
			errorf("%v", err)
		}
	}
}

// dispatch runs a single REPL line, reporting errors through errorf as
// coloured messages rather than returning them; the session carries on
// after an error. It returns true when the session should end.
func dispatch(s *session, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}

	cmd, rest := fields[0], fields[1:]

	var err error

	switch cmd {
	case "create":
		var a createArgs
		if a, err = parseCreateArgs(rest); err == nil {
			err = s.cmdCreate(a)
		}
	case "mount":
		if len(rest) != 1 {
			err = fmt.Errorf("usage: mount <image>")
		} else {
			err = s.cmdMount(rest[0])
		}
	case "umount":
		err = s.cmdUmount()
	case "format":
		err = s.cmdFormat()
	case "info":
		err = s.cmdInfo()
	case "sync":
		err = s.cmdSync()
	case "check":
		err = s.cmdCheck()
	case "repair":
		err = s.cmdRepair()
	case "test":
		err = s.cmdTest(1000, "", "")
	case "help":
		printHelp()
	case "exit", "quit":
		return true
	default:
		err = fmt.Errorf("unknown command %q (try help)", cmd)
	}

	if err != nil {
		errorf("%v", err)
	}

	return false
}

func printHelp() {
	infof("commands: create mount umount format info sync check repair test help exit")
}
