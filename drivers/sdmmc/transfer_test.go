package sdmmc

import (
	"bytes"
	"errors"
	"testing"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
	"github.com/d-kato/mbed-gr-libs-sub001/sdhi/sim"
)

func TestReadWrite(t *testing.T) {
	tests := map[string]struct {
		spec  sim.Spec
		mode  Mode
		start uint32
		n     uint32
	}{
		"sd single":     {smallSD, ModeVer2, 5, 2},
		"sd multi":      {smallSD, ModeVer2, 5, 40},
		"sd last":       {smallSD, ModeVer2, 1024 - 12, 12},
		"sd dma":        {smallSD, ModeVer2 | ModeDMA, 5, 40},
		"sd dma last":   {smallSD, ModeVer2 | ModeDMA, 1024 - 12, 12},
		"sd 1bit":       {smallSD, ModeVer2 | Mode1Bit, 0, 7},
		"sd hwint":      {smallSD, ModeVer2 | ModeHWInt, 5, 40},
		"sd hwint dma":  {smallSD, ModeVer2 | ModeHWInt | ModeDMA, 1024 - 12, 12},
		"sdhc":          {sim.SDHCSpec(1 << 20), ModeVer2, 1<<20 - 300, 300},
		"sdhc dma":      {sim.SDHCSpec(1 << 20), ModeVer2 | ModeDMA, 77, 300},
		"legacy":        {sim.SDSCSpec(false, 0xff, 0, 9), ModePoll, 100, 9},
		"mmc multi":     {sim.MMCSpec(4, 0xff, 0, 9), ModePoll, 5, 40},
		"mmc last":      {sim.MMCSpec(4, 0xff, 0, 9), ModePoll, 1024 - 12, 12},
		"mmc dma last":  {sim.MMCSpec(4, 0xff, 0, 9), ModeDMA, 1024 - 12, 12},
		"mmc 1bit last": {sim.MMCSpec(3, 0xff, 0, 9), ModePoll, 1024 - 3, 3},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ch, c, store := mounted(t, tc.spec, tc.mode)
			data := pattern(int(tc.n)*sdhi.SectorSize, byte(tc.start))
			if err := ch.WriteSectors(data, tc.start, tc.n); err != nil {
				t.Fatal("write:", err)
			}
			stored := make([]byte, len(data))
			store.ReadAt(stored, int64(tc.start)*sdhi.SectorSize)
			if !bytes.Equal(stored, data) {
				t.Fatal("card content differs from written data")
			}

			got := make([]byte, len(data))
			if err := ch.ReadSectors(got, tc.start, tc.n); err != nil {
				t.Fatal("read:", err)
			}
			if !bytes.Equal(got, data) {
				t.Fatal("read data differs from written data")
			}
			if c.ClockEnabled() {
				t.Fatal("clock running after transfer")
			}
			if c.Card().State() != sdhi.StateTran {
				t.Fatalf("card left in %v state", c.Card().State())
			}
		})
	}
}

func TestRejectedRequest(t *testing.T) {
	ch, c, _ := mounted(t, smallSD, ModeVer2)
	user, _ := ch.Geometry()
	buf := make([]byte, 4*sdhi.SectorSize)

	tests := map[string]struct {
		start, n uint32
		buf      []byte
		err      Error
	}{
		"start at end":   {user, 1, buf, ErrOutOfRange},
		"start past end": {user + 100, 1, buf, ErrOutOfRange},
		"crosses end":    {user - 2, 4, buf, ErrOutOfRange},
		"wraps":          {user - 1, ^uint32(0), buf, ErrOutOfRange},
		"short buffer":   {0, 4, buf[:3*sdhi.SectorSize], ErrShortBuffer},
		"nil buffer":     {0, 1, nil, ErrShortBuffer},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			for _, write := range []bool{false, true} {
				before := c.Accesses()
				var err error
				if write {
					err = ch.WriteSectors(tc.buf, tc.start, tc.n)
				} else {
					err = ch.ReadSectors(tc.buf, tc.start, tc.n)
				}
				if KindOf(err) != tc.err {
					t.Fatalf("write %v: expected %v, got %v", write, tc.err, err)
				}
				if c.Accesses() != before {
					t.Fatalf("write %v: rejected request accessed the controller", write)
				}
			}
		})
	}

	before := c.Accesses()
	if err := ch.ReadSectors(nil, 0, 0); err != nil {
		t.Fatal("empty read:", err)
	}
	if c.Accesses() != before {
		t.Fatal("empty read accessed the controller")
	}
}

type dmaCounter struct {
	*sim.Controller
	n int
}

func (d *dmaCounter) InitDMA(buf []byte, dir sdhi.Direction) error {
	d.n++
	return d.Controller.InitDMA(buf, dir)
}

func TestDMAAlignment(t *testing.T) {
	store := sim.NewMemStore()
	port := &dmaCounter{Controller: sim.New(sim.Config{DMAAlign: 8})}
	port.Insert(sim.NewCard(smallSD, store))
	ch, err := NewChannel(port, testConfig(t))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Mount(ModeVer2|ModeDMA, 0); err != nil {
		t.Fatal(err)
	}

	const n = 8
	mem := make([]byte, n*sdhi.SectorSize+1)
	aligned, unaligned := mem[:n*sdhi.SectorSize], mem[1:]
	data := pattern(n*sdhi.SectorSize, 3)

	copy(unaligned, data)
	if err := ch.WriteSectors(unaligned, 10, n); err != nil {
		t.Fatal(err)
	}
	if port.n != 0 {
		t.Fatal("unaligned buffer moved by DMA")
	}
	clear(mem)
	if err := ch.ReadSectors(aligned, 10, n); err != nil {
		t.Fatal(err)
	}
	if port.n == 0 {
		t.Fatal("aligned buffer not moved by DMA")
	}
	if !bytes.Equal(aligned, data) {
		t.Fatal("dma read differs from software write")
	}

	copy(aligned, pattern(n*sdhi.SectorSize, 4))
	if err := ch.WriteSectors(aligned, 10, n); err != nil {
		t.Fatal(err)
	}
	dmaOps := port.n
	if err := ch.ReadSectors(unaligned, 10, n); err != nil {
		t.Fatal(err)
	}
	if port.n != dmaOps {
		t.Fatal("unaligned buffer moved by DMA")
	}
	if !bytes.Equal(unaligned[:n*sdhi.SectorSize], pattern(n*sdhi.SectorSize, 4)) {
		t.Fatal("software read differs from dma write")
	}
}

func TestChunkLimit(t *testing.T) {
	const n = 10
	data := pattern(n*sdhi.SectorSize, 9)
	results := map[uint32][]byte{}
	for _, limit := range []uint32{MinChunk, 4, DefaultChunk} {
		cfg := testConfig(t)
		cfg.ChunkLimit = limit
		ch, c, _ := setup(t, smallSD, sim.Config{}, cfg)
		if _, err := ch.Mount(ModeVer2, 0); err != nil {
			t.Fatal(err)
		}
		if err := ch.WriteSectors(data, 1024-n, n); err != nil {
			t.Fatalf("limit %d: %v", limit, err)
		}
		c.ResetLog()
		got := make([]byte, len(data))
		if err := ch.ReadSectors(got, 1024-n, n); err != nil {
			t.Fatalf("limit %d: %v", limit, err)
		}
		results[limit] = got

		recs := c.Commands()
		multi, single := count(recs, sdhi.CmdReadMulti), count(recs, sdhi.CmdReadSingle)
		var wantMulti, wantSingle int
		switch limit {
		case MinChunk:
			wantMulti, wantSingle = 3, 1
		case 4:
			wantMulti, wantSingle = 2, 2
		default:
			wantMulti, wantSingle = 1, 0
		}
		if multi != wantMulti || single != wantSingle {
			t.Errorf("limit %d: expected %d multi and %d single reads, got %d and %d",
				limit, wantMulti, wantSingle, multi, single)
		}
	}
	for limit, got := range results {
		if !bytes.Equal(got, data) {
			t.Errorf("limit %d: data differs", limit)
		}
	}
}

func TestFirstError(t *testing.T) {
	ch, c, _ := mounted(t, smallSD, ModeVer2)
	// the data command fails, then the status polls of the recovery
	c.Faults.CmdTimeouts = map[uint8]int{18: 1, 13: -1}
	buf := make([]byte, 8*sdhi.SectorSize)
	err := ch.ReadSectors(buf, 0, 8)
	if KindOf(err) != ErrTimeoutCommand {
		t.Fatalf("expected %v, got %v", ErrTimeoutCommand, err)
	}
	if n := count(c.Commands(), sdhi.CmdSendStatus); n == 0 {
		t.Fatal("no recovery attempted")
	}
	if c.ClockEnabled() {
		t.Fatal("clock running after failure")
	}

	c.Faults.CmdTimeouts = nil
	if err := ch.ReadSectors(buf, 0, 8); err != nil {
		t.Fatal("after recovery:", err)
	}
}

func TestLastSectorOutOfRange(t *testing.T) {
	tests := map[string]struct {
		spec     sim.Spec
		start, n uint32
		fault    bool
		err      Error
	}{
		"sd multi last":    {smallSD, 1024 - 8, 8, false, 0},
		"sd multi last f":  {smallSD, 1024 - 8, 8, true, 0},
		"sd single last f": {smallSD, 1024 - 1, 1, true, 0},
		"sd multi f":       {smallSD, 0, 8, true, ErrOutOfRange},
		"sd single f":      {smallSD, 0, 1, true, ErrOutOfRange},
		"mmc multi last f": {sim.MMCSpec(4, 0xff, 0, 9), 1024 - 8, 8, true, 0},
		"mmc multi f":      {sim.MMCSpec(4, 0xff, 0, 9), 0, 8, true, ErrOutOfRange},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ch, c, _ := mounted(t, tc.spec, ModeVer2)
			c.Faults.OutOfRange = tc.fault
			buf := make([]byte, int(tc.n)*sdhi.SectorSize)
			err := ch.ReadSectors(buf, tc.start, tc.n)
			if KindOf(err) != tc.err {
				t.Fatalf("expected %v, got %v", tc.err, err)
			}
		})
	}
}

func TestMMCAutoStop(t *testing.T) {
	ch, c, _ := mounted(t, sim.MMCSpec(4, 0xff, 0, 9), ModeVer2)
	buf := make([]byte, 8*sdhi.SectorSize)

	if err := ch.ReadSectors(buf, 1024-8, 8); err != nil {
		t.Fatal(err)
	}
	if n := count(c.Commands(), sdhi.CmdStopTransmit); n != 0 {
		t.Fatalf("expected automatic stop, got %d CMD12", n)
	}

	c.ResetLog()
	if err := ch.ReadSectors(buf, 0, 8); err != nil {
		t.Fatal(err)
	}
	if n := count(c.Commands(), sdhi.CmdStopTransmit); n != 1 {
		t.Fatalf("expected 1 CMD12, got %d", n)
	}
}

func TestWrittenBlocks(t *testing.T) {
	ch, c, store := mounted(t, smallSD, ModeVer2)
	data := pattern(8*sdhi.SectorSize, 5)
	if err := ch.WriteSectors(data, 16, 8); err != nil {
		t.Fatal(err)
	}
	recs := c.Commands()
	if n := count(recs, sdhi.AcmdNumWrBlocks); n != 1 {
		t.Fatalf("expected 1 ACMD22, got %d", n)
	}

	c.Faults.DropWrites = 1
	err := ch.WriteSectors(pattern(8*sdhi.SectorSize, 6), 16, 8)
	if KindOf(err) != ErrShortWrite {
		t.Fatalf("expected %v, got %v", ErrShortWrite, err)
	}
	got := make([]byte, sdhi.SectorSize)
	store.ReadAt(got, 16*sdhi.SectorSize)
	if !bytes.Equal(got, data[:sdhi.SectorSize]) {
		t.Fatal("dropped block was programmed")
	}

	if err := ch.WriteSectors(data, 16, 8); err != nil {
		t.Fatal("after short write:", err)
	}
}

// stopPort requests a stop as soon as a multiple block read is issued.
type stopPort struct {
	*sim.Controller
	ch *Channel
}

func (p *stopPort) Write(r sdhi.Reg, v uint64) {
	if r == sdhi.RegCmd && sdhi.Decode(v) == sdhi.CmdReadMulti && p.ch != nil {
		p.ch.RequestStop()
	}
	p.Controller.Write(r, v)
}

func TestRequestStop(t *testing.T) {
	port := &stopPort{Controller: sim.New(sim.Config{})}
	port.Insert(sim.NewCard(smallSD, sim.NewMemStore()))
	cfg := testConfig(t)
	cfg.ChunkLimit = 4
	ch, err := NewChannel(port, cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ch.Mount(ModeVer2, 0); err != nil {
		t.Fatal(err)
	}
	port.ch = ch

	buf := make([]byte, 16*sdhi.SectorSize)
	port.ResetLog()
	if err := ch.ReadSectors(buf, 0, 16); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected %v, got %v", ErrStopped, err)
	}
	if n := count(port.Commands(), sdhi.CmdReadMulti); n != 1 {
		t.Fatalf("expected the stop after the first burst, got %d bursts", n)
	}
	if port.Card().State() != sdhi.StateTran {
		t.Fatalf("card left in %v state", port.Card().State())
	}

	// the stop is consumed by the transfer it aborted
	port.ch = nil
	if err := ch.ReadSectors(buf, 0, 16); err != nil {
		t.Fatal(err)
	}
}

func TestCardRemoved(t *testing.T) {
	ch, c, _ := setup(t, smallSD, sim.Config{CardDetect: true}, testConfig(t))
	c.SetHandler(ch)
	if _, err := ch.Mount(ModeVer2, 0); err != nil {
		t.Fatal(err)
	}
	c.Eject()

	buf := make([]byte, sdhi.SectorSize)
	if err := ch.ReadSectors(buf, 0, 1); !errors.Is(err, ErrStopped) {
		t.Fatalf("expected %v, got %v", ErrStopped, err)
	}
	if err := ch.ReadSectors(buf, 0, 1); !errors.Is(err, ErrNoCard) {
		t.Fatalf("expected %v, got %v", ErrNoCard, err)
	}
}

func TestStuckBusy(t *testing.T) {
	ch, c, _ := mounted(t, smallSD, ModeVer2)
	c.Faults.StuckBusy = true
	buf := make([]byte, 4*sdhi.SectorSize)
	if err := ch.ReadSectors(buf, 0, 4); !errors.Is(err, ErrHostBusy) {
		t.Fatalf("expected %v, got %v", ErrHostBusy, err)
	}
	if err := ch.ReadSectors(buf, 0, 4); err != nil {
		t.Fatal("after soft reset:", err)
	}
	if c.BusWidth() != 4 {
		t.Fatal("bus width lost in soft reset")
	}
}

func TestProgramming(t *testing.T) {
	tests := map[string]struct {
		spec  sim.Spec
		count uint32
	}{
		"sd single": {smallSD, 1},
		"sd multi":  {smallSD, 4},
		"mmc multi": {sim.MMCSpec(4, 0xff, 0, 9), 4},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ch, c, _ := mounted(t, tc.spec, ModeVer2)
			c.Faults.ProgramPolls = 3
			data := pattern(int(tc.count)*sdhi.SectorSize, 6)
			c.ResetLog()
			if err := ch.WriteSectors(data, 8, tc.count); err != nil {
				t.Fatal(err)
			}
			recs := c.Commands()
			if n := count(recs, sdhi.CmdSendStatus); n != 4 {
				t.Fatalf("expected 4 status polls, got %d", n)
			}
			if c.Card().State() != sdhi.StateTran {
				t.Fatalf("card left in %v state", c.Card().State())
			}
			buf := make([]byte, len(data))
			if err := ch.ReadSectors(buf, 8, tc.count); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(buf, data) {
				t.Fatal("data differs")
			}
		})
	}

	ch, c, _ := mounted(t, smallSD, ModeVer2)
	c.Faults.ProgramPolls = 1 << 30
	if err := ch.WriteSectors(pattern(sdhi.SectorSize, 1), 0, 1); !errors.Is(err, ErrTimeoutData) {
		t.Fatalf("expected %v, got %v", ErrTimeoutData, err)
	}
}

func TestDMAHang(t *testing.T) {
	for _, mode := range []Mode{ModeDMA, ModeDMA | ModeHWInt} {
		ch, c, _ := mounted(t, smallSD, ModeVer2|mode)
		c.Faults.DMAHang = true
		buf := make([]byte, 4*sdhi.SectorSize)
		if err := ch.ReadSectors(buf, 0, 4); !errors.Is(err, ErrTimeoutData) {
			t.Fatalf("mode %#x: expected %v, got %v", mode, ErrTimeoutData, err)
		}
		if c.Card().State() != sdhi.StateTran {
			t.Fatalf("mode %#x: card left in %v state", mode, c.Card().State())
		}
		if err := ch.ReadSectors(buf, 0, 4); err != nil {
			t.Fatalf("mode %#x: after dma reset: %v", mode, err)
		}
	}
}

func TestErase(t *testing.T) {
	tests := map[string]struct {
		spec sim.Spec
		cmds [2]sdhi.Command
	}{
		"sd":   {smallSD, [2]sdhi.Command{sdhi.CmdEraseStartSD, sdhi.CmdEraseEndSD}},
		"sdhc": {sim.SDHCSpec(1 << 20), [2]sdhi.Command{sdhi.CmdEraseStartSD, sdhi.CmdEraseEndSD}},
		"mmc":  {sim.MMCSpec(4, 0xff, 0, 9), [2]sdhi.Command{sdhi.CmdEraseStartMMC, sdhi.CmdEraseEndMMC}},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			ch, c, store := mounted(t, tc.spec, ModeVer2)
			data := pattern(12*sdhi.SectorSize, 7)
			if err := ch.WriteSectors(data, 0, 12); err != nil {
				t.Fatal(err)
			}
			c.ResetLog()
			if err := ch.EraseSectors(4, 4); err != nil {
				t.Fatal(err)
			}
			recs := c.Commands()
			for _, cmd := range []sdhi.Command{tc.cmds[0], tc.cmds[1], sdhi.CmdErase} {
				if count(recs, cmd) != 1 {
					t.Fatalf("CMD%d not issued once", cmd.Index())
				}
			}
			if store.Used() != 8 {
				t.Fatalf("expected 8 sectors left, got %d", store.Used())
			}
			got := make([]byte, len(data))
			if err := ch.ReadSectors(got, 0, 12); err != nil {
				t.Fatal(err)
			}
			want := bytes.Clone(data)
			clear(want[4*sdhi.SectorSize : 8*sdhi.SectorSize])
			if !bytes.Equal(got, want) {
				t.Fatal("unexpected content after erase")
			}

			user, _ := ch.Geometry()
			if err := ch.EraseSectors(user-1, 2); !errors.Is(err, ErrOutOfRange) {
				t.Fatalf("expected %v, got %v", ErrOutOfRange, err)
			}
		})
	}
}
