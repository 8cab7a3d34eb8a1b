// Package sdtool runs the card protocol engine on the host against card
// images, with the host controller and the card simulated.
package sdtool

import (
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"

	"github.com/diskfs/go-diskfs/partition/mbr"

	"github.com/d-kato/mbed-gr-libs-sub001/debug"
	"github.com/d-kato/mbed-gr-libs-sub001/drivers/sdmmc"
	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

func must[T any](ret T, err error) T {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	return ret
}

const usageString = `SD/MMC card image utility.

Usage:

	%s [flags] <command> [arguments]

The commands are:

	mkimage <image> <MiB>	create a card image with one FAT32 partition
	info <image>		mount the image and print card registers and partitions
	script <image> <file>	run card operations from file, - for stdin
	fuse <image> <dir>	export the mounted card as dir/card.img via fuse

The flags are:

`

var (
	flags = flag.NewFlagSet("sdtool", flag.ExitOnError)

	flagCard     = flags.String("card", "sdhc", "card type: sdhc, sdsc, sd1 (physical layer 1.x) or mmc")
	flagDMA      = flags.Bool("dma", true, "move aligned buffers with DMA")
	flagInt      = flags.Bool("int", true, "wait on interrupt callbacks instead of polling")
	flag1Bit     = flags.Bool("1bit", false, "stay on the 1 bit bus")
	flagChunk    = flags.Uint("chunk", sdmmc.DefaultChunk, "sectors per multiple block command")
	flagPassword = flags.String("password", "", "unlock password")
	flagLocked   = flags.Bool("locked", false, "simulate a card locked with -password")
	flagTrace    = flags.Bool("trace", false, "print command frames to stderr")
	flagLog      = flags.String("log", "warn", "log level: debug, info, warn or error")
)

func usage() {
	fmt.Fprintf(flags.Output(), usageString, "sdtool")
	flags.PrintDefaults()
}

func optionsFromFlags() *options {
	opts := &options{
		card:     *flagCard,
		mode:     sdmmc.ModeVer2,
		chunk:    *flagChunk,
		password: *flagPassword,
		locked:   *flagLocked,
		cfg:      sdmmc.DefaultConfig(),
	}
	if *flagDMA {
		opts.mode |= sdmmc.ModeDMA
	}
	if *flagInt {
		opts.mode |= sdmmc.ModeHWInt
	}
	if *flag1Bit {
		opts.mode |= sdmmc.Mode1Bit
	}
	if *flagTrace {
		opts.trace = os.Stderr
	}
	opts.cfg.Logger = debug.NewLogger(os.Stderr, debug.ParseLevel(*flagLog))
	return opts
}

func Main(args []string) {
	flags.Usage = usage
	flags.Parse(args[1:])

	if flags.NArg() < 2 {
		flags.Usage()
		os.Exit(1)
	}
	opts := optionsFromFlags()
	image := flags.Arg(1)

	switch flags.Arg(0) {
	case "mkimage":
		if flags.NArg() < 3 {
			flags.Usage()
			os.Exit(1)
		}
		mib := must(strconv.ParseInt(flags.Arg(2), 10, 64))
		must(0, mkimage(image, mib<<20, opts))
	case "info":
		s := must(open(image, opts))
		defer s.Close()
		must(0, info(s, os.Stdout))
	case "script":
		if flags.NArg() < 3 {
			flags.Usage()
			os.Exit(1)
		}
		var r io.Reader = os.Stdin
		if name := flags.Arg(2); name != "-" {
			f := must(os.Open(name))
			defer f.Close()
			r = f
		}
		s := must(open(image, opts))
		defer s.Close()
		must(0, runScript(s, r, os.Stdout))
	case "fuse":
		if flags.NArg() < 3 {
			flags.Usage()
			os.Exit(1)
		}
		s := must(open(image, opts))
		defer s.Close()

		sigintr := make(chan os.Signal, 1)
		signal.Notify(sigintr, os.Interrupt)
		must(0, serve(s, flags.Arg(2), sigintr))
	default:
		fmt.Fprintf(flags.Output(), "unknown command: %s\n", flags.Arg(0))
		flags.Usage()
		os.Exit(1)
	}
}

// mkimage creates an image of size bytes and writes a partition table
// through the mounted card.
func mkimage(image string, size int64, opts *options) (err error) {
	if _, err := cardSpec(opts.card, size); err != nil {
		return err
	}
	f, err := os.OpenFile(image, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return err
	}
	s, err := attach(f, opts)
	if err != nil {
		f.Close()
		return err
	}
	defer func() {
		if cerr := s.Close(); err == nil {
			err = cerr
		}
	}()

	// first partition aligned to the erase unit, at least 1MiB
	start := max(s.ch.EraseUnit(), 2048)
	user, _ := s.ch.Geometry()
	if user <= start {
		return fmt.Errorf("image too small for a partition")
	}
	table := &mbr.Table{
		LogicalSectorSize:  sdhi.SectorSize,
		PhysicalSectorSize: sdhi.SectorSize,
		Partitions: []*mbr.Partition{{
			Bootable: false,
			Type:     mbr.Fat32LBA,
			Start:    start,
			Size:     user - start,
		}},
	}
	return table.Write(s.disk, s.disk.Size())
}

// info describes the card and the partition table read through the engine.
func info(s *session, w io.Writer) error {
	s.describe(w)
	table, err := mbr.Read(s.disk, sdhi.SectorSize, sdhi.SectorSize)
	if err != nil {
		fmt.Fprintf(w, "partitions:\tnone (%v)\n", err)
		return nil
	}
	for i, p := range table.Partitions {
		if p.Type == mbr.Empty {
			continue
		}
		fmt.Fprintf(w, "partition %d:\ttype 0x%02x start %d size %d\n", i+1, byte(p.Type), p.Start, p.Size)
	}
	return nil
}
