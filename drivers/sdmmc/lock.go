package sdmmc

import (
	"fmt"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// LockOp is the flags byte of the LOCK_UNLOCK data structure.
type LockOp uint8

const (
	OpUnlock        LockOp = 0
	OpSetPassword   LockOp = 1 << 0
	OpClearPassword LockOp = 1 << 1
	OpLock          LockOp = 1 << 2
	OpForceErase    LockOp = 1 << 3
)

const maxPassword = 16

// LockUnlock sends a LOCK_UNLOCK command. For OpSetPassword password is the
// old password followed by the new one. OpForceErase erases the whole card
// together with its password and ignores password.
//
// Unlocking a card mounted locked completes its mount.
func (ch *Channel) LockUnlock(op LockOp, password []byte) (err error) {
	ch.begin()
	if err := ch.mounted(); err != nil {
		return ch.fail(err)
	}
	if ch.standby {
		return ch.fail(ErrStandby)
	}
	if len(password) > 2*maxPassword {
		return ch.fail(fmt.Errorf("%w: password too long", ErrUnlockFailed))
	}

	data := []byte{byte(op)}
	if op != OpForceErase {
		data = append(data, byte(len(password)))
		data = append(data, password...)
	}

	defer func() {
		if ch.state == MountedUnlocked {
			ch.tolerate = 0
		}
	}()
	defer ch.end(&err)
	if err := ch.clockOn(); err != nil {
		return ch.fail(err)
	}
	ch.tolerate = sdhi.StatusCardLocked
	if err := ch.exec(sdhi.CmdSetBlockLen, uint32(len(data)), respR1); err != nil {
		return ch.fail(err)
	}
	ch.shortBlk = true

	if err := ch.writeData(sdhi.CmdLockUnlock, data, op == OpForceErase); err != nil {
		return ch.fail(err)
	}
	s, err := ch.status(sdhi.StatusLockFailed)
	if err != nil {
		return ch.fail(err)
	}
	if err := ch.exec(sdhi.CmdSetBlockLen, sdhi.SectorSize, respR1); err != nil {
		return ch.fail(err)
	}
	ch.shortBlk = false
	if s&sdhi.StatusLockFailed != 0 {
		return ch.fail(cmdError(sdhi.CmdLockUnlock, ErrUnlockFailed))
	}

	switch {
	case s&sdhi.StatusCardLocked != 0:
		ch.state = MountedLocked
	case ch.state == MountedLocked:
		if err := ch.setupMemory(); err != nil {
			return ch.fail(err)
		}
	}
	return nil
}

// writeData sends one block of len(p) bytes with a data write command other
// than the sector writes.
func (ch *Channel) writeData(cmd sdhi.Command, p []byte, forceErase bool) error {
	ch.ext.Store(0)
	ch.stopReg.Store(0)
	ch.size.Store(uint32(len(p)))
	defer ch.size.Store(sdhi.SectorSize)

	if err := ch.exec(cmd, 0, respR1); err != nil {
		return err
	}
	if err := ch.pio(p, len(p), true); err != nil {
		return cmdError(cmd, err)
	}
	timeout := ch.cfg.Timeouts.Data
	if forceErase {
		timeout = ch.cfg.Timeouts.ForceErase
	}
	if err := ch.await(sdhi.Info1AccessEnd, 0, timeout, ErrTimeoutData, nil); err != nil {
		return cmdError(cmd, err)
	}
	ch.info1.Ack(sdhi.Info1AccessEnd)
	return nil
}
