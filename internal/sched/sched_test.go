package sched

import (
	"testing"

	"github.com/jewelcodes/kiwi/internal/arch"
)

func TestAllocateReleasePID(t *testing.T) {
	t.Parallel()

	s := New(1)

	pid, err := s.AllocatePID()
	if err != nil {
		t.Fatalf("AllocatePID: %v", err)
	}

	if err := s.ReleasePID(pid); err != nil {
		t.Fatalf("ReleasePID: %v", err)
	}

	pid2, err := s.AllocatePID()
	if err != nil {
		t.Fatalf("AllocatePID after release: %v", err)
	}

	if pid2 != pid {
		t.Fatalf("expected the freed PID %d to be reused, got %d", pid, pid2)
	}
}

func TestPickRespectsPriority(t *testing.T) {
	t.Parallel()

	s := New(1)

	p, err := s.NewProcess(nil)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}

	bg := s.NewThread(p, PriorityBackground, arch.Context{}, 0)
	rt := s.NewThread(p, PriorityRealtime, arch.Context{}, 0)

	picked, err := s.Pick(0)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}

	if picked != rt {
		t.Fatalf("Pick() returned TID %d, want the realtime thread %d", picked.TID, rt.TID)
	}

	picked2, err := s.Pick(0)
	if err != nil {
		t.Fatalf("Pick: %v", err)
	}

	if picked2 != bg {
		t.Fatalf("Pick() second call returned TID %d, want background thread %d", picked2.TID, bg.TID)
	}
}

func TestPickStealsFromOtherCPU(t *testing.T) {
	t.Parallel()

	s := New(2)

	p, err := s.NewProcess(nil)
	if err != nil {
		t.Fatalf("NewProcess: %v", err)
	}

	th := s.NewThread(p, PriorityNormal, arch.Context{}, 1)

	picked, err := s.Pick(0)
	if err != nil {
		t.Fatalf("Pick (steal): %v", err)
	}

	if picked != th {
		t.Fatalf("Pick() did not steal the only runnable thread")
	}
}

func TestPickNoRunnable(t *testing.T) {
	t.Parallel()

	s := New(1)

	if _, err := s.Pick(0); err != ErrNoRunnable {
		t.Fatalf("Pick() err = %v, want ErrNoRunnable", err)
	}
}
