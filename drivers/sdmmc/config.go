package sdmmc

import (
	"fmt"
	"io"
	"time"

	"golang.org/x/exp/slog"
)

// Limits of the transfer chunk size. Bursts of fewer than three sectors use
// single block commands, the upper bound is the SD_SECCNT range.
const (
	MinChunk     = 3
	MaxChunk     = 32767
	DefaultChunk = 256
)

// Timeouts holds the wait windows of the command classes.
type Timeouts struct {
	Command    time.Duration // ordinary command response and busy
	App        time.Duration // application specific commands
	Data       time.Duration // data phase of a burst of up to DefaultChunk sectors
	Erase      time.Duration // CMD38
	ForceErase time.Duration // CMD42 with the erase flag
}

type Config struct {
	// ChunkLimit is the maximum number of sectors moved by one multiple
	// block command.
	ChunkLimit uint32

	// RCARetries bounds SEND_RELATIVE_ADDR attempts while an SD card
	// publishes the illegal address zero.
	RCARetries int

	// OpCondPolls bounds the ACMD41 and CMD1 loops, OpCondDelay is waited
	// after every busy answer.
	OpCondPolls int
	OpCondDelay time.Duration

	// IdentClock is the card clock during identification, MaxClock caps the
	// data transfer clock negotiated from the CSD.
	IdentClock uint32
	MaxClock   uint32

	Timeouts Timeouts

	Logger *slog.Logger
}

func DefaultConfig() Config {
	return Config{
		ChunkLimit:  DefaultChunk,
		RCARetries:  3,
		OpCondPolls: 200,
		OpCondDelay: 5 * time.Millisecond,
		IdentClock:  400_000,
		MaxClock:    25_000_000,
		Timeouts: Timeouts{
			Command:    100 * time.Millisecond,
			App:        100 * time.Millisecond,
			Data:       1 * time.Second,
			Erase:      10 * time.Second,
			ForceErase: 60 * time.Second,
		},
	}
}

func (c *Config) Validate() error {
	if c.ChunkLimit < MinChunk || c.ChunkLimit > MaxChunk {
		return fmt.Errorf("%w: chunk limit %d not in [%d, %d]", ErrInvalidConfig, c.ChunkLimit, MinChunk, MaxChunk)
	}
	if c.RCARetries < 1 || c.OpCondPolls < 1 {
		return fmt.Errorf("%w: retry counts must be positive", ErrInvalidConfig)
	}
	if c.IdentClock == 0 || c.MaxClock < c.IdentClock {
		return fmt.Errorf("%w: clock %d..%d", ErrInvalidConfig, c.IdentClock, c.MaxClock)
	}
	t := c.Timeouts
	for _, d := range [...]time.Duration{t.Command, t.App, t.Data, t.Erase, t.ForceErase} {
		if d <= 0 {
			return fmt.Errorf("%w: timeouts must be positive", ErrInvalidConfig)
		}
	}
	return nil
}

// dataTimeout is the window for a data phase of n sectors. Timeouts.Data
// covers up to DefaultChunk sectors.
func (c *Config) dataTimeout(n uint32) time.Duration {
	return c.Timeouts.Data * time.Duration(max(1, (n+DefaultChunk-1)/DefaultChunk))
}

func (c *Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
