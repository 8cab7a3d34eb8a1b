package sdtool

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/d-kato/mbed-gr-libs-sub001/drivers/sdmmc"
)

func testOptions(card string) *options {
	cfg := sdmmc.DefaultConfig()
	cfg.OpCondDelay = 0
	cfg.Timeouts = sdmmc.Timeouts{
		Command:    5 * time.Millisecond,
		App:        5 * time.Millisecond,
		Data:       20 * time.Millisecond,
		Erase:      20 * time.Millisecond,
		ForceErase: 20 * time.Millisecond,
	}
	return &options{
		card:  card,
		mode:  sdmmc.ModeVer2 | sdmmc.ModeDMA | sdmmc.ModeHWInt,
		chunk: sdmmc.DefaultChunk,
		cfg:   cfg,
	}
}

func TestCardSpec(t *testing.T) {
	tests := map[string]struct {
		kind    string
		size    int64
		sectors uint32
		ok      bool
	}{
		"sdhc 1MiB":    {"sdhc", 1 << 20, 2048, true},
		"sdhc odd":     {"sdhc", 768 << 10, 0, false},
		"sdsc 256KiB":  {"sdsc", 256 << 10, 512, true},
		"sdsc 256MiB":  {"sdsc", 256 << 20, 524288, true},
		"sdsc 1GiB":    {"sdsc", 1 << 30, maxStandardSectors, true},
		"sdsc too big": {"sdsc", 2 << 30, 0, false},
		"sd1":          {"sd1", 1 << 20, 2048, true},
		"mmc":          {"mmc", 4 << 20, 8192, true},
		"mmc odd":      {"mmc", 100 << 10, 0, false},
		"unknown":      {"xd", 1 << 20, 0, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			spec, err := cardSpec(tc.kind, tc.size)
			if !tc.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			media := sdmmc.MediaSD
			if tc.kind == "mmc" {
				media = sdmmc.MediaMMC
			}
			if got := sdmmc.CSD(spec.CSD).Sectors(media); got != tc.sectors {
				t.Fatalf("expected %d sectors, got %d", tc.sectors, got)
			}
		})
	}
}

func TestMkimage(t *testing.T) {
	for _, card := range []string{"sdsc", "mmc"} {
		t.Run(card, func(t *testing.T) {
			image := filepath.Join(t.TempDir(), "card.img")
			opts := testOptions(card)
			if err := mkimage(image, 4<<20, opts); err != nil {
				t.Fatal(err)
			}
			if err := mkimage(image, 4<<20, opts); !errors.Is(err, os.ErrExist) {
				t.Fatalf("expected %v, got %v", os.ErrExist, err)
			}

			s, err := open(image, opts)
			if err != nil {
				t.Fatal(err)
			}
			defer s.Close()

			var out bytes.Buffer
			if err := info(s, &out); err != nil {
				t.Fatal(err)
			}
			if !strings.Contains(out.String(), "partition 1:\ttype 0x0c start 2048 size 6144") {
				t.Fatalf("partition missing from output:\n%s", out.String())
			}
			if !strings.Contains(out.String(), "sectors:\t8192 (4 MiB)") {
				t.Fatalf("geometry missing from output:\n%s", out.String())
			}
			if card == "mmc" && !strings.Contains(out.String(), `oem "0x4e"`) {
				t.Fatalf("mmc oem id missing from output:\n%s", out.String())
			}
		})
	}
}

func TestMkimageTooSmall(t *testing.T) {
	image := filepath.Join(t.TempDir(), "card.img")
	if err := mkimage(image, 1<<20, testOptions("sdsc")); err == nil {
		t.Fatal("expected error")
	}
	if err := mkimage(filepath.Join(t.TempDir(), "odd.img"), 1000, testOptions("sdsc")); err == nil {
		t.Fatal("expected error")
	}
}

func newSession(t *testing.T, opts *options) *session {
	t.Helper()
	image := filepath.Join(t.TempDir(), "card.img")
	if err := os.WriteFile(image, make([]byte, 1<<20), 0o644); err != nil {
		t.Fatal(err)
	}
	s, err := open(image, opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestScript(t *testing.T) {
	s := newSession(t, testOptions("sdhc"))
	script := `
# fill and dump
write 4 2 0xa5
read 4 2
write 10 1 "hello world"
read 10
erase 4 2
read 5
standby
active
lock set secret
lock lock secret
lock unlock secret
lock clear secret
`
	var out bytes.Buffer
	if err := runScript(s, strings.NewReader(script), &out); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		"wrote 2 sectors at 4",
		"a5 a5 a5 a5",
		"|hello worldhello|",
		"00000000  00 00 00 00",
		"card locked",
		"card unlocked",
	} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output lacks %q", want)
		}
	}
	if s.ch.MountState() != sdmmc.MountedUnlocked {
		t.Fatalf("unexpected state %v", s.ch.MountState())
	}
}

func TestScriptErrors(t *testing.T) {
	tests := map[string]struct {
		script string
		line   string
		kind   sdmmc.Error
	}{
		"unknown":      {"info\nformat 1", "line 2: unknown command", 0},
		"usage":        {"write 1 2", "line 1: usage", 0},
		"lock op":      {"lock open", "line 1: lock: usage", 0},
		"sector":       {"read x", "line 1: read:", 0},
		"out of range": {"read 2048", "line 1: read:", sdmmc.ErrOutOfRange},
		"ejected":      {"eject\nread 0", "line 2: read:", sdmmc.ErrStopped},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			s := newSession(t, testOptions("sdhc"))
			err := runScript(s, strings.NewReader(tc.script), &bytes.Buffer{})
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.HasPrefix(err.Error(), tc.line) {
				t.Fatalf("expected %q prefix, got %q", tc.line, err)
			}
			if tc.kind != 0 && sdmmc.KindOf(err) != tc.kind {
				t.Fatalf("expected %v, got %v", tc.kind, err)
			}
		})
	}
}

func TestLockedImage(t *testing.T) {
	opts := testOptions("sdhc")
	opts.locked = true
	opts.password = "pin"
	s := newSession(t, opts)
	if s.ch.MountState() != sdmmc.MountedUnlocked {
		t.Fatalf("unexpected state %v", s.ch.MountState())
	}
}
