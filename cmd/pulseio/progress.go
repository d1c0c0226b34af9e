package main

import "github.com/schollz/progressbar/v3"

// zeroingBar drives a progressbar/v3 bar across the blocks Format zeroes
// out during "create" ("format" runs without a bar), the one step slow
// enough on a large image to need visible progress.
type zeroingBar struct {
	bar *progressbar.ProgressBar
}

func newZeroingBar(totalBlocks uint64) *zeroingBar {
	return &zeroingBar{
		bar: progressbar.NewOptions64(int64(totalBlocks),
			progressbar.OptionSetDescription("zeroing blocks"),
			progressbar.OptionShowCount(),
			progressbar.OptionClearOnFinish(),
		),
	}
}

func (z *zeroingBar) set(done, total uint64) {
	_ = z.bar.Set64(int64(done))
}

func (z *zeroingBar) finish() {
	_ = z.bar.Finish()
}
