package sdmmc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
	"github.com/d-kato/mbed-gr-libs-sub001/sdhi/sim"
)

func TestLockedMount(t *testing.T) {
	spec := smallSD
	spec.Password = []byte("secret")
	ch, c, store := setup(t, spec, sim.Config{}, testConfig(t))
	store.WriteAt(pattern(sdhi.SectorSize, 2), 0)

	outcome, err := ch.Mount(ModeVer2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != MountedLocked {
		t.Fatalf("expected locked mount, got %v", outcome)
	}
	recs := c.Commands()
	if count(recs, sdhi.CmdSetBlockLen) != 0 || count(recs, sdhi.AcmdSDStatus) != 0 {
		t.Fatal("memory set up on a locked card")
	}
	if c.ClockEnabled() {
		t.Fatal("clock running after mount")
	}

	buf := make([]byte, sdhi.SectorSize)
	before := c.Accesses()
	if err := ch.ReadSectors(buf, 0, 1); !errors.Is(err, ErrCardLocked) {
		t.Fatalf("expected %v, got %v", ErrCardLocked, err)
	}
	if c.Accesses() != before {
		t.Fatal("rejected read accessed the controller")
	}

	if err := ch.LockUnlock(OpUnlock, []byte("wrong")); KindOf(err) != ErrUnlockFailed {
		t.Fatalf("expected %v, got %v", ErrUnlockFailed, err)
	}
	if ch.MountState() != MountedLocked {
		t.Fatal("card unlocked with wrong password")
	}

	if err := ch.LockUnlock(OpUnlock, []byte("secret")); err != nil {
		t.Fatal(err)
	}
	if ch.MountState() != MountedUnlocked {
		t.Fatalf("expected unlocked, got %v", ch.MountState())
	}
	if ch.BusWidth() != 4 || ch.Clock() == 0 {
		t.Fatal("memory not set up after unlock")
	}
	if err := ch.ReadSectors(buf, 0, 1); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, pattern(sdhi.SectorSize, 2)) {
		t.Fatal("data differs after unlock")
	}
}

func TestLockUnlock(t *testing.T) {
	pwd := []byte("1234")
	ch, c, _ := mounted(t, smallSD, ModeVer2)
	buf := make([]byte, sdhi.SectorSize)

	steps := []struct {
		name  string
		op    LockOp
		pwd   []byte
		err   Error
		state MountState
	}{
		{"lock without password", OpLock, pwd, ErrUnlockFailed, MountedUnlocked},
		{"set password", OpSetPassword, pwd, 0, MountedUnlocked},
		{"lock", OpLock, pwd, 0, MountedLocked},
		{"unlock wrong", OpUnlock, []byte("4321"), ErrUnlockFailed, MountedLocked},
		{"unlock", OpUnlock, pwd, 0, MountedUnlocked},
		{"change password", OpSetPassword, append(bytes.Clone(pwd), "abcd"...), 0, MountedUnlocked},
		{"clear old password", OpClearPassword, pwd, ErrUnlockFailed, MountedUnlocked},
		{"clear password", OpClearPassword, []byte("abcd"), 0, MountedUnlocked},
		{"password too long", OpSetPassword, make([]byte, 33), ErrUnlockFailed, MountedUnlocked},
	}
	for _, s := range steps {
		err := ch.LockUnlock(s.op, s.pwd)
		if KindOf(err) != s.err {
			t.Fatalf("%s: expected %v, got %v", s.name, s.err, err)
		}
		if ch.MountState() != s.state {
			t.Fatalf("%s: expected state %v, got %v", s.name, s.state, ch.MountState())
		}
		if c.Card().Locked() != (s.state == MountedLocked) {
			t.Fatalf("%s: card lock state differs", s.name)
		}
		err = ch.ReadSectors(buf, 0, 1)
		if s.state == MountedLocked && !errors.Is(err, ErrCardLocked) || s.state != MountedLocked && err != nil {
			t.Fatalf("%s: read returned %v", s.name, err)
		}
	}
}

func TestForceErase(t *testing.T) {
	spec := smallSD
	spec.Password = []byte("forgotten")
	ch, c, store := setup(t, spec, sim.Config{}, testConfig(t))
	store.WriteAt(pattern(4*sdhi.SectorSize, 8), 0)
	if outcome, err := ch.Mount(ModeVer2, 0); err != nil || outcome != MountedLocked {
		t.Fatalf("mount: %v %v", outcome, err)
	}

	if err := ch.LockUnlock(OpForceErase, nil); err != nil {
		t.Fatal(err)
	}
	if ch.MountState() != MountedUnlocked || c.Card().Locked() {
		t.Fatal("card still locked after force erase")
	}
	if store.Used() != 0 {
		t.Fatalf("expected an empty card, %d sectors in use", store.Used())
	}
}

func TestLockStandby(t *testing.T) {
	ch, _, _ := mounted(t, smallSD, ModeVer2)
	if err := ch.Standby(); err != nil {
		t.Fatal(err)
	}
	if err := ch.LockUnlock(OpSetPassword, []byte("x")); !errors.Is(err, ErrStandby) {
		t.Fatalf("expected %v, got %v", ErrStandby, err)
	}
}

func TestLockFailureBlockLength(t *testing.T) {
	tests := map[string]map[uint8]int{
		"lock command": {42: 1},
		"lock status":  {13: 1},
	}
	for name, timeouts := range tests {
		t.Run(name, func(t *testing.T) {
			ch, c, store := mounted(t, smallSD, ModeVer2)
			store.WriteAt(pattern(sdhi.SectorSize, 5), 0)
			c.ResetLog()
			c.Faults.CmdTimeouts = timeouts
			if err := ch.LockUnlock(OpSetPassword, []byte("1234")); KindOf(err) != ErrTimeoutCommand {
				t.Fatalf("expected %v, got %v", ErrTimeoutCommand, err)
			}
			if ch.MountState() != MountedUnlocked {
				t.Fatalf("unexpected state %v", ch.MountState())
			}

			var last uint32
			for _, r := range c.Commands() {
				if r.Cmd.Index() == sdhi.CmdSetBlockLen.Index() {
					last = r.Arg
				}
			}
			if last != sdhi.SectorSize {
				t.Fatalf("block length left at %d", last)
			}
			buf := make([]byte, sdhi.SectorSize)
			if err := ch.ReadSectors(buf, 0, 1); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(buf, pattern(sdhi.SectorSize, 5)) {
				t.Fatal("data differs")
			}
		})
	}
}
