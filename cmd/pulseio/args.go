package main

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a string of the form number[KkMmGgBb] into a byte
// count. The suffix is optional; with no suffix the number is taken as
// a raw byte count. This is the same grammar flag.ParseSize uses for
// gokvm's boot memory-size flag, generalized from g/m/k to the
// filesystem CLI's K/M/G/B set.
func ParseSize(s string) (uint64, error) {
	sz := strings.TrimRight(s, "KkMmGgBb")
	if len(sz) == 0 {
		return 0, fmt.Errorf("%q: not a valid size (want number[KMGB]): %w", s, strconv.ErrSyntax)
	}

	amt, err := strconv.ParseUint(sz, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%q: %w", s, err)
	}

	suffix := s[len(sz):]

	switch suffix {
	case "G", "g":
		return amt << 30, nil
	case "M", "m":
		return amt << 20, nil
	case "K", "k":
		return amt << 10, nil
	case "B", "b", "":
		return amt, nil
	}

	return 0, fmt.Errorf("%q: unrecognised size suffix %q", s, suffix)
}

// createArgs holds the parsed arguments of the "create" command:
// create [-m|--mount] <image> [size=10m] [blocksize=4096] [fanout=16].
// Creating a volume accepts only BlockSize == fs.BlockSize. Fanout is
// parsed but not applied: the volume's block allocator always uses 64-bit
// bitmap words.
type createArgs struct {
	Image     string
	Mount     bool
	Size      uint64
	BlockSize uint64
	Fanout    uint64
}

func defaultCreateArgs() createArgs {
	return createArgs{
		Size:      10 << 20,
		BlockSize: 4096,
		Fanout:    16,
	}
}

func parseCreateArgs(args []string) (createArgs, error) {
	c := defaultCreateArgs()

	var positional []string

	for _, a := range args {
		switch {
		case a == "-m" || a == "--mount":
			c.Mount = true
		case strings.HasPrefix(a, "size="):
			v, err := ParseSize(strings.TrimPrefix(a, "size="))
			if err != nil {
				return c, err
			}

			c.Size = v
		case strings.HasPrefix(a, "blocksize="):
			v, err := ParseSize(strings.TrimPrefix(a, "blocksize="))
			if err != nil {
				return c, err
			}

			c.BlockSize = v
		case strings.HasPrefix(a, "fanout="):
			v, err := strconv.ParseUint(strings.TrimPrefix(a, "fanout="), 10, 64)
			if err != nil {
				return c, fmt.Errorf("fanout=%s: %w", strings.TrimPrefix(a, "fanout="), err)
			}

			c.Fanout = v
		default:
			positional = append(positional, a)
		}
	}

	if len(positional) == 0 {
		return c, fmt.Errorf("create: missing <image> argument")
	}

	c.Image = positional[0]

	return c, nil
}
