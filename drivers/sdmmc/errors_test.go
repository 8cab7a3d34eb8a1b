package sdmmc

import (
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

func TestKindOf(t *testing.T) {
	tests := map[string]struct {
		err  error
		kind Error
	}{
		"nil":     {nil, 0},
		"kind":    {ErrCRC, ErrCRC},
		"command": {cmdError(sdhi.CmdReadMulti, ErrTimeoutData), ErrTimeoutData},
		"app":     {cmdError(sdhi.AcmdNumWrBlocks, fmt.Errorf("%w: 3 of 4 blocks", ErrShortWrite)), ErrShortWrite},
		"foreign": {io.ErrUnexpectedEOF, ErrInternal},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := KindOf(tc.err); got != tc.kind {
				t.Fatalf("expected %v, got %v", tc.kind, got)
			}
		})
	}

	err := cmdError(sdhi.AcmdSendSCR, ErrCRC)
	if err.Error() != "acmd51: sdmmc: crc error" {
		t.Fatalf("unexpected message %q", err)
	}
	if !errors.Is(err, ErrCRC) {
		t.Fatal("kind not wrapped")
	}
	if !ErrTimeoutData.Timeout() || ErrCRC.Timeout() {
		t.Fatal("wrong timeout classification")
	}
}

func TestHostError(t *testing.T) {
	tests := map[string]struct {
		info2 sdhi.Info2
		kind  Error
	}{
		"none":           {sdhi.Info2ReadReady | sdhi.Info2CmdBusy, 0},
		"resp timeout":   {sdhi.Info2RespTimeout, ErrTimeoutCommand},
		"data timeout":   {sdhi.Info2DataTimeout, ErrTimeoutData},
		"crc":            {sdhi.Info2CRCError, ErrCRC},
		"end bit":        {sdhi.Info2EndBitError, ErrCRC},
		"underrun":       {sdhi.Info2BufUnderrun, ErrHostInterface},
		"illegal access": {sdhi.Info2IllegalAccess | sdhi.Info2RespTimeout, ErrHostInterface},
		"timeout wins":   {sdhi.Info2RespTimeout | sdhi.Info2CRCError, ErrTimeoutCommand},
		"data over crc":  {sdhi.Info2DataTimeout | sdhi.Info2CRCError, ErrTimeoutData},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := hostError(tc.info2); got != tc.kind {
				t.Fatalf("expected %v, got %v", tc.kind, got)
			}
		})
	}
}

func TestStatusError(t *testing.T) {
	tests := map[string]struct {
		status, ignore sdhi.CardStatus
		kind           Error
	}{
		"clean":         {sdhi.StatusReadyForData | sdhi.StatusAppCmd, 0, 0},
		"out of range":  {sdhi.StatusOutOfRange, 0, ErrOutOfRange},
		"ignored":       {sdhi.StatusOutOfRange, sdhi.StatusOutOfRange, 0},
		"first wins":    {sdhi.StatusOutOfRange | sdhi.StatusWPViolation, 0, ErrOutOfRange},
		"next one":      {sdhi.StatusOutOfRange | sdhi.StatusWPViolation, sdhi.StatusOutOfRange, ErrWriteProtect},
		"locked":        {sdhi.StatusCardLocked, 0, ErrCardLocked},
		"lock tolerate": {sdhi.StatusCardLocked, sdhi.StatusCardLocked, 0},
		"erase":         {sdhi.StatusEraseParam, 0, ErrErase},
		"generic":       {sdhi.StatusError, 0, ErrCardInternal},
		"illegal":       {sdhi.StatusIllegalCommand, 0, ErrIllegalCommand},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if got := statusError(tc.status, tc.ignore); got != tc.kind {
				t.Fatalf("expected %v, got %v", tc.kind, got)
			}
		})
	}
}

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		modify func(*Config)
		ok     bool
	}{
		"default":       {func(*Config) {}, true},
		"chunk min":     {func(c *Config) { c.ChunkLimit = MinChunk }, true},
		"chunk max":     {func(c *Config) { c.ChunkLimit = MaxChunk }, true},
		"chunk small":   {func(c *Config) { c.ChunkLimit = 2 }, false},
		"chunk large":   {func(c *Config) { c.ChunkLimit = MaxChunk + 1 }, false},
		"no rca retry":  {func(c *Config) { c.RCARetries = 0 }, false},
		"no polls":      {func(c *Config) { c.OpCondPolls = 0 }, false},
		"clock inverse": {func(c *Config) { c.MaxClock = c.IdentClock - 1 }, false},
		"no timeout":    {func(c *Config) { c.Timeouts.Erase = 0 }, false},
		"neg timeout":   {func(c *Config) { c.Timeouts.Command = -time.Second }, false},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.ok && err != nil {
				t.Fatal(err)
			}
			if !tc.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected %v, got %v", ErrInvalidConfig, err)
			}
		})
	}
}

func TestDataTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeouts.Data = time.Second
	tests := map[uint32]time.Duration{
		1:            time.Second,
		DefaultChunk: time.Second,
		257:          2 * time.Second,
		MaxChunk:     128 * time.Second,
	}
	for n, want := range tests {
		if got := cfg.dataTimeout(n); got != want {
			t.Errorf("%d sectors: expected %v, got %v", n, want, got)
		}
	}
}
