package sdtool

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/buildkite/shellwords"

	"github.com/d-kato/mbed-gr-libs-sub001/drivers/sdmmc"
	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

var errUsage = errors.New("usage")

type scriptCmd struct {
	args  string
	nargs int
	run   func(s *session, w io.Writer, args []string) error
}

var scriptCmds map[string]scriptCmd

func init() {
	scriptCmds = map[string]scriptCmd{
		"info":    {"", 0, cmdInfo},
		"read":    {"<sector> [count]", 1, cmdRead},
		"write":   {"<sector> <count> <byte|text>", 3, cmdWrite},
		"erase":   {"<sector> <count>", 2, cmdErase},
		"lock":    {"set|clear|lock|unlock|force [password]", 1, cmdLock},
		"standby": {"", 0, cmdStandby},
		"active":  {"", 0, cmdActive},
		"eject":   {"", 0, cmdEject},
		"help":    {"", 0, cmdHelp},
	}
}

// runScript executes one command per line. Arguments are split like a shell
// would, # starts a comment. The first failing command ends the script.
func runScript(s *session, r io.Reader, w io.Writer) error {
	sc := bufio.NewScanner(r)
	for line := 1; sc.Scan(); line++ {
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		args, err := shellwords.Split(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if len(args) == 0 {
			continue
		}
		cmd, ok := scriptCmds[args[0]]
		if !ok {
			return fmt.Errorf("line %d: unknown command %q", line, args[0])
		}
		if len(args)-1 < cmd.nargs {
			return fmt.Errorf("line %d: %w: %s %s", line, errUsage, args[0], cmd.args)
		}
		if err := cmd.run(s, w, args[1:]); err != nil {
			return fmt.Errorf("line %d: %s: %w", line, args[0], err)
		}
	}
	return sc.Err()
}

func sector(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

func cmdInfo(s *session, w io.Writer, args []string) error {
	return info(s, w)
}

func cmdRead(s *session, w io.Writer, args []string) error {
	start, err := sector(args[0])
	if err != nil {
		return err
	}
	n := uint32(1)
	if len(args) > 1 {
		if n, err = sector(args[1]); err != nil {
			return err
		}
	}
	buf := make([]byte, int(n)*sdhi.SectorSize)
	if err := s.ch.ReadSectors(buf, start, n); err != nil {
		return err
	}
	d := hex.Dumper(w)
	defer d.Close()
	_, err = d.Write(buf)
	return err
}

// cmdWrite fills sectors with a byte value or repeats a text.
func cmdWrite(s *session, w io.Writer, args []string) error {
	start, err := sector(args[0])
	if err != nil {
		return err
	}
	n, err := sector(args[1])
	if err != nil {
		return err
	}
	size := int(n) * sdhi.SectorSize
	var buf []byte
	if v, err := strconv.ParseUint(args[2], 0, 8); err == nil {
		buf = bytes.Repeat([]byte{byte(v)}, size)
	} else {
		buf = bytes.Repeat([]byte(args[2]), size/len(args[2])+1)[:size]
	}
	if err := s.ch.WriteSectors(buf, start, n); err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %d sectors at %d\n", n, start)
	return nil
}

func cmdErase(s *session, w io.Writer, args []string) error {
	start, err := sector(args[0])
	if err != nil {
		return err
	}
	n, err := sector(args[1])
	if err != nil {
		return err
	}
	return s.ch.EraseSectors(start, n)
}

var lockOps = map[string]sdmmc.LockOp{
	"set":    sdmmc.OpSetPassword,
	"clear":  sdmmc.OpClearPassword,
	"lock":   sdmmc.OpLock,
	"unlock": sdmmc.OpUnlock,
	"force":  sdmmc.OpForceErase,
}

func cmdLock(s *session, w io.Writer, args []string) error {
	op, ok := lockOps[args[0]]
	if !ok {
		return fmt.Errorf("%w: unknown lock operation %q", errUsage, args[0])
	}
	var pwd []byte
	if len(args) > 1 {
		pwd = []byte(args[1])
	}
	if err := s.ch.LockUnlock(op, pwd); err != nil {
		return err
	}
	state := "unlocked"
	if s.ch.MountState() == sdmmc.MountedLocked {
		state = "locked"
	}
	fmt.Fprintln(w, "card", state)
	return nil
}

func cmdStandby(s *session, w io.Writer, args []string) error {
	return s.ch.Standby()
}

func cmdActive(s *session, w io.Writer, args []string) error {
	return s.ch.Active()
}

func cmdEject(s *session, w io.Writer, args []string) error {
	s.ctrl.Eject()
	return nil
}

func cmdHelp(s *session, w io.Writer, args []string) error {
	for name, cmd := range scriptCmds {
		fmt.Fprintf(w, "%s %s\n", name, cmd.args)
	}
	return nil
}
