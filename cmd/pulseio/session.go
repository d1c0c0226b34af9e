package main

import (
	"fmt"
	"math/rand"
	"os"
	"runtime/pprof"

	"github.com/felixge/fgprof"
	"github.com/jewelcodes/kiwi/fs"
)

// session is the CLI's mounted-volume state: exactly one image open at a
// time, mirroring the single-VMM-per-process shape of the boot
// subcommand this CLI was grounded on.
type session struct {
	image string
	dev   *fs.FileDevice
	vol   *fs.Volume
	dirty bool
}

func (s *session) mounted() bool { return s.vol != nil }

func (s *session) requireMounted() error {
	if !s.mounted() {
		return fmt.Errorf("no volume is mounted; use create or mount first")
	}

	return nil
}

// cmdCreate formats a new image file and, if Mount is set, mounts it
// into the session immediately (the CLI's "-m" flag).
func (s *session) cmdCreate(a createArgs) error {
	if s.mounted() {
		return fmt.Errorf("a volume is already mounted; umount first")
	}

	if a.BlockSize != fs.BlockSize {
		return fmt.Errorf("blocksize %d is not supported; volumes use %d-byte blocks", a.BlockSize, fs.BlockSize)
	}

	blocks := a.Size / a.BlockSize
	if blocks == 0 {
		return fmt.Errorf("size %d is smaller than one block (%d bytes)", a.Size, a.BlockSize)
	}

	f, err := os.OpenFile(a.Image, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", a.Image, err)
	}
	f.Close()

	dev, err := fs.OpenFileDevice(a.Image, blocks)
	if err != nil {
		return fmt.Errorf("create %s: %w", a.Image, err)
	}

	bar := newZeroingBar(blocks)
	vol, err := fs.Format(dev, volumeLabel(a.Image), fs.WithProgress(func(done, total uint64) {
		bar.set(done, total)
	}))
	bar.finish()

	if err != nil {
		dev.Close()

		return fmt.Errorf("format %s: %w", a.Image, err)
	}

	okf("created %s (%d blocks of %d bytes)", a.Image, blocks, a.BlockSize)

	if !a.Mount {
		return dev.Close()
	}

	s.image = a.Image
	s.dev = dev
	s.vol = vol

	infof("mounted %s", a.Image)

	return nil
}

// cmdMount mounts an already-formatted image.
func (s *session) cmdMount(image string) error {
	if s.mounted() {
		return fmt.Errorf("a volume is already mounted; umount first")
	}

	dev, err := fs.OpenFileDevice(image, 0)
	if err != nil {
		return fmt.Errorf("mount %s: %w", image, err)
	}

	vol, err := fs.Mount(dev)
	if err != nil {
		dev.Close()

		return fmt.Errorf("mount %s: %w", image, err)
	}

	s.image = image
	s.dev = dev
	s.vol = vol

	okf("mounted %s", image)

	return nil
}

// cmdUmount flushes and closes the mounted volume.
func (s *session) cmdUmount() error {
	if err := s.requireMounted(); err != nil {
		return err
	}

	if err := s.vol.Unmount(); err != nil {
		return fmt.Errorf("umount: %w", err)
	}

	if err := s.dev.Close(); err != nil {
		return fmt.Errorf("umount: %w", err)
	}

	okf("unmounted %s", s.image)

	s.image, s.dev, s.vol, s.dirty = "", nil, nil, false

	return nil
}

// cmdFormat re-formats the currently open image in place.
func (s *session) cmdFormat() error {
	if err := s.requireMounted(); err != nil {
		return err
	}

	vol, err := fs.Format(s.dev, volumeLabel(s.image))
	if err != nil {
		return fmt.Errorf("format: %w", err)
	}

	s.vol = vol
	okf("re-formatted %s", s.image)

	return nil
}

// cmdInfo prints the mounted volume's geometry.
func (s *session) cmdInfo() error {
	if err := s.requireMounted(); err != nil {
		return err
	}

	infof("image:      %s", s.image)
	infof("root inode: %d", s.vol.RootInode())

	return nil
}

// cmdSync flushes pending writes.
func (s *session) cmdSync() error {
	if err := s.requireMounted(); err != nil {
		return err
	}

	if err := s.vol.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	s.dirty = false
	okf("synced")

	return nil
}

// cmdCheck runs a consistency pass and prints the report.
func (s *session) cmdCheck() error {
	if err := s.requireMounted(); err != nil {
		return err
	}

	report, err := s.vol.Check()
	if err != nil {
		return fmt.Errorf("check: %w", err)
	}

	if report.BadSuperblockChecksum {
		warnf("superblock checksum invalid")
	}

	for _, e := range report.Errors {
		warnf("%s", e)
	}

	if !report.BadSuperblockChecksum && len(report.Errors) == 0 {
		okf("volume is consistent")
	}

	return nil
}

// cmdRepair re-verifies and reports; per the CLI's error-handling policy
// a corrupt superblock refuses repair rather than attempting one.
func (s *session) cmdRepair() error {
	if err := s.requireMounted(); err != nil {
		return err
	}

	report, err := s.vol.Check()
	if err != nil {
		return fmt.Errorf("repair: %w", err)
	}

	if report.BadSuperblockChecksum {
		return fmt.Errorf("repair: superblock is corrupt, refusing to repair")
	}

	if len(report.Errors) == 0 {
		okf("nothing to repair")

		return nil
	}

	for _, e := range report.Errors {
		warnf("unrepaired: %s", e)
	}

	return nil
}

// cmdTest runs a bounded create/write fuzz loop over the mounted volume
// (files are created and written, never freed), profiled with fgprof the
// way a wall-clock-bound stress pass should be, with optional CPU and heap
// profiles written via the standard runtime/pprof writers when cpuprofile
// or memprofile names an output file.
func (s *session) cmdTest(iterations int, cpuprofile, memprofile string) error {
	if err := s.requireMounted(); err != nil {
		return err
	}

	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return fmt.Errorf("test: %w", err)
		}
		defer f.Close()

		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("test: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	stopWallClock := func() error { return nil }

	if prof, err := os.Create(s.image + ".fgprof"); err == nil {
		defer prof.Close()

		stopWallClock = fgprof.Start(prof, fgprof.FormatPprof)
	}
	defer stopWallClock()

	root := s.vol.RootInode()
	created := 0

	for i := 0; i < iterations; i++ {
		name := fmt.Sprintf("stress-%d-%d", i, rand.Int63())

		id, err := s.vol.CreateFile(root, name, fs.ModeFile|fs.ModeRead|fs.ModeWrite)
		if err != nil {
			continue
		}

		created++

		in, err := s.vol.ReadInode(id)
		if err != nil {
			continue
		}

		payload := make([]byte, rand.Intn(64))
		_ = s.vol.WriteToInode(in, 0, payload)
	}

	infof("test: created %d/%d files", created, iterations)

	if memprofile != "" {
		f, err := os.Create(memprofile)
		if err != nil {
			return fmt.Errorf("test: %w", err)
		}
		defer f.Close()

		if err := pprof.WriteHeapProfile(f); err != nil {
			return fmt.Errorf("test: %w", err)
		}
	}

	return nil
}

func volumeLabel(image string) string {
	if len(image) > 255 {
		return image[len(image)-255:]
	}

	return image
}
