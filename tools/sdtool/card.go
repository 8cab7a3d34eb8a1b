package sdtool

import (
	"fmt"
	"io"
	"os"

	"github.com/d-kato/mbed-gr-libs-sub001/drivers/sdmmc"
	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
	"github.com/d-kato/mbed-gr-libs-sub001/sdhi/sim"
)

// Largest standard capacity layout: C_SIZE 4095, C_SIZE_MULT 7, 512 byte
// blocks.
const maxStandardSectors = 4096 * 512

// cardSpec chooses card registers describing an image of the given size.
// Standard capacity and MMC images must be a multiple of 256KiB, high
// capacity images of 512KiB.
func cardSpec(kind string, size int64) (sim.Spec, error) {
	sectors := size / sdhi.SectorSize
	switch kind {
	case "sdhc":
		if sectors < 1024 || sectors%1024 != 0 || sectors > 1<<32-1024 {
			return sim.Spec{}, fmt.Errorf("sdhc image size %d not a multiple of 512KiB", size)
		}
		return sim.SDHCSpec(uint32(sectors)), nil
	case "sdsc", "sd1", "mmc":
		if sectors < 512 || sectors%512 != 0 || sectors > maxStandardSectors {
			return sim.Spec{}, fmt.Errorf("%s image size %d not a multiple of 256KiB up to 1GiB", kind, size)
		}
		cSize := uint32(sectors/512 - 1)
		switch kind {
		case "sdsc":
			return sim.SDSCSpec(true, cSize, 7, 9), nil
		case "sd1":
			return sim.SDSCSpec(false, cSize, 7, 9), nil
		}
		return sim.MMCSpec(4, cSize, 7, 9), nil
	}
	return sim.Spec{}, fmt.Errorf("unknown card type %q", kind)
}

// options are the flags shared by all commands.
type options struct {
	card     string
	mode     sdmmc.Mode
	chunk    uint
	password string
	locked   bool // card locked with password at power up
	trace    io.Writer
	cfg      sdmmc.Config
}

// session is a card image mounted through the simulated controller.
type session struct {
	file *os.File
	ctrl *sim.Controller
	ch   *sdmmc.Channel
	disk *sdmmc.Disk
}

func open(image string, opts *options) (*session, error) {
	f, err := os.OpenFile(image, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	s, err := attach(f, opts)
	if err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// attach mounts store as a card and unlocks it with the configured password
// if it turns out locked.
func attach(f *os.File, opts *options) (*session, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	spec, err := cardSpec(opts.card, fi.Size())
	if err != nil {
		return nil, err
	}
	if opts.locked {
		spec.Password = []byte(opts.password)
	}
	ctrl := sim.New(sim.Config{DMAAlign: 8, CardDetect: true, Trace: opts.trace})
	ctrl.Insert(sim.NewCard(spec, f))

	cfg := opts.cfg
	cfg.ChunkLimit = uint32(opts.chunk)
	ch, err := sdmmc.NewChannel(ctrl, cfg)
	if err != nil {
		return nil, err
	}
	ctrl.SetHandler(ch)

	outcome, err := ch.Mount(opts.mode, 0)
	if err != nil {
		return nil, err
	}
	if outcome == sdmmc.MountedLocked {
		if opts.password == "" {
			return nil, fmt.Errorf("card is locked, no password given")
		}
		if err := ch.LockUnlock(sdmmc.OpUnlock, []byte(opts.password)); err != nil {
			return nil, err
		}
	}
	return &session{file: f, ctrl: ctrl, ch: ch, disk: sdmmc.NewDisk(ch)}, nil
}

func (s *session) Close() error {
	err := s.ch.Unmount()
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	return err
}

// describe prints the identification and geometry of the mounted card.
func (s *session) describe(w io.Writer) {
	ch := s.ch
	media := ch.MediaKind()
	cid, csd := ch.CID(), ch.CSD()
	user, protected := ch.Geometry()

	fmt.Fprintf(w, "media:\t\t%v\n", media)
	fmt.Fprintf(w, "name:\t\t%s (manufacturer %#04x, oem %q)\n", cid.Name(media), cid.ManufacturerID(), cid.OEM(media))
	fmt.Fprintf(w, "serial:\t\t%#010x\n", cid.Serial(media))
	if media&sdmmc.MediaSD != 0 {
		y, m := cid.Date()
		fmt.Fprintf(w, "date:\t\t%d-%02d\n", y, m)
		fmt.Fprintf(w, "revision:\t%v\n", ch.Revision())
	}
	fmt.Fprintf(w, "csd structure:\t%d\n", csd.Structure())
	fmt.Fprintf(w, "high capacity:\t%v\n", ch.HighCapacity())
	fmt.Fprintf(w, "sectors:\t%d (%d MiB)\n", user, user>>11)
	if protected != 0 {
		fmt.Fprintf(w, "protected:\t%d\n", protected)
	}
	fmt.Fprintf(w, "erase unit:\t%d sectors\n", ch.EraseUnit())
	fmt.Fprintf(w, "bus:\t\t%d bit at %d Hz\n", ch.BusWidth(), ch.Clock())
	fmt.Fprintf(w, "rca:\t\t%#06x\n", ch.RCA())
	if wp := ch.WriteProtect(); wp != 0 {
		fmt.Fprintf(w, "write protect:\t%#x\n", wp)
	}
}
