package main

import "testing"

func TestParseSize(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"10m", 10 << 20, false},
		{"10M", 10 << 20, false},
		{"1G", 1 << 30, false},
		{"512k", 512 << 10, false},
		{"4096", 4096, false},
		{"4096B", 4096, false},
		{"", 0, true},
		{"m", 0, true},
		{"10x", 0, true},
	}

	for _, c := range cases {
		got, err := ParseSize(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseSize(%q) = %d, nil, want error", c.in, got)
			}

			continue
		}

		if err != nil {
			t.Errorf("ParseSize(%q) error = %v", c.in, err)

			continue
		}

		if got != c.want {
			t.Errorf("ParseSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseCreateArgsDefaults(t *testing.T) {
	t.Parallel()

	c, err := parseCreateArgs([]string{"disk.img"})
	if err != nil {
		t.Fatalf("parseCreateArgs() error = %v", err)
	}

	if c.Image != "disk.img" || c.Size != 10<<20 || c.BlockSize != 4096 || c.Fanout != 16 || c.Mount {
		t.Fatalf("parseCreateArgs() = %+v, want defaults with Image=disk.img", c)
	}
}

func TestParseCreateArgsOverrides(t *testing.T) {
	t.Parallel()

	c, err := parseCreateArgs([]string{"-m", "disk.img", "size=1M", "blocksize=512", "fanout=8"})
	if err != nil {
		t.Fatalf("parseCreateArgs() error = %v", err)
	}

	if !c.Mount || c.Size != 1<<20 || c.BlockSize != 512 || c.Fanout != 8 {
		t.Fatalf("parseCreateArgs() = %+v, want overrides applied", c)
	}
}

func TestParseCreateArgsMissingImage(t *testing.T) {
	t.Parallel()

	if _, err := parseCreateArgs([]string{"size=1M"}); err == nil {
		t.Fatal("parseCreateArgs() with no image = nil error, want error")
	}
}
