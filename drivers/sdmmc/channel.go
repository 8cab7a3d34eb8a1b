// Package sdmmc brings SD and MMC memory cards attached to an SDHI host
// controller from insertion to a mounted block device and moves sectors in
// and out of them.
//
// A Channel drives one controller through an sdhi.Port. It runs one
// operation at a time; callers sharing a Channel serialise access
// themselves, Disk does so for io.ReaderAt and io.WriterAt users.
package sdmmc

import (
	"sync/atomic"

	"golang.org/x/exp/slog"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// Mode selects how a mounted channel operates.
type Mode uint8

const ModePoll Mode = 0

const (
	ModeHWInt Mode = 1 << iota // wait on events posted by the interrupt callbacks
	ModeDMA                    // use DMA for aligned buffers
	ModeVer2                   // probe for physical layer 2.00 with CMD8
	Mode1Bit                   // stay on the 1 bit bus
)

// MediaKind is a set of flags describing the mounted card.
type MediaKind uint8

const (
	MediaUnknown MediaKind = 0
	MediaMMC     MediaKind = 1 << 0
	MediaSD      MediaKind = 1 << 1
	MediaMemory  MediaKind = 1 << 2
)

func (m MediaKind) String() string {
	switch m &^ MediaMemory {
	case MediaMMC:
		return "mmc"
	case MediaSD:
		return "sd"
	}
	return "unknown"
}

type MountState uint8

const (
	Unmounted MountState = iota
	MountedUnlocked
	MountedLocked
)

// MountOutcome tells a successful mount from one that found the card
// password locked.
type MountOutcome = MountState

// WriteProtect flags
type WriteProtect uint8

const (
	WPHardware  WriteProtect = 1 << iota // write protect switch
	WPTemporary                          // CSD TMP_WRITE_PROTECT
	WPPermanent                          // CSD PERM_WRITE_PROTECT
	WPROM                                // SD status card type
)

type Channel struct {
	port sdhi.Port
	cfg  Config
	log  *slog.Logger

	cmd     sdhi.R[sdhi.Command]
	arg     sdhi.R[uint32]
	info1   sdhi.R[sdhi.Info1]
	info2   sdhi.R[sdhi.Info2]
	mask1   sdhi.R[sdhi.Info1]
	mask2   sdhi.R[sdhi.Info2]
	stopReg sdhi.R[sdhi.Stop]
	secCnt  sdhi.R[uint32]
	size    sdhi.R[uint32]
	clk     sdhi.R[sdhi.ClkCtrl]
	option  sdhi.R[sdhi.Option]
	ext     sdhi.R[sdhi.ExtMode]
	softRst sdhi.R[sdhi.SoftRst]
	buf     sdhi.R[uint32]

	events  *sdhi.Events
	present atomic.Bool
	stop    atomic.Bool
	dmaDone atomic.Bool

	mode    Mode
	media   MediaKind
	state   MountState
	standby bool
	wp      WriteProtect
	err     error
	dmaUsed bool

	ocr      uint32
	ifCond   uint32
	cid      CID
	csd      CSD
	scr      SCR
	sdStatus SDStatus
	dsr      uint16
	rca      uint16
	resp     sdhi.CardStatus // last R1
	tolerate sdhi.CardStatus // status bits not treated as errors
	shortBlk bool            // card block length differs from a sector
	revision Revision
	ccs      bool

	sectors   uint32
	protected uint32
	erase     uint32
	width     int
	speed     uint32
	identDiv  sdhi.ClkCtrl
	dataDiv   sdhi.ClkCtrl
	div       sdhi.ClkCtrl
}

func NewChannel(port sdhi.Port, cfg Config) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ch := &Channel{
		port:    port,
		cfg:     cfg,
		log:     cfg.logger(),
		cmd:     sdhi.NewR[sdhi.Command](port, sdhi.RegCmd),
		arg:     sdhi.NewR[uint32](port, sdhi.RegArg),
		info1:   sdhi.NewR[sdhi.Info1](port, sdhi.RegInfo1),
		info2:   sdhi.NewR[sdhi.Info2](port, sdhi.RegInfo2),
		mask1:   sdhi.NewR[sdhi.Info1](port, sdhi.RegInfo1Mask),
		mask2:   sdhi.NewR[sdhi.Info2](port, sdhi.RegInfo2Mask),
		stopReg: sdhi.NewR[sdhi.Stop](port, sdhi.RegStop),
		secCnt:  sdhi.NewR[uint32](port, sdhi.RegSecCnt),
		size:    sdhi.NewR[uint32](port, sdhi.RegSize),
		clk:     sdhi.NewR[sdhi.ClkCtrl](port, sdhi.RegClkCtrl),
		option:  sdhi.NewR[sdhi.Option](port, sdhi.RegOption),
		ext:     sdhi.NewR[sdhi.ExtMode](port, sdhi.RegExtMode),
		softRst: sdhi.NewR[sdhi.SoftRst](port, sdhi.RegSoftRst),
		buf:     sdhi.NewR[uint32](port, sdhi.RegBuf0),
		events:  sdhi.NewEvents(8),
		width:   1,
	}
	ch.present.Store(!port.CardDetectSupported())
	return ch, nil
}

// CardDetect is called by the interrupt dispatcher on insertion and removal.
// Removal requests a compulsory stop of the running transfer.
func (ch *Channel) CardDetect(extra uint32) {
	v := sdhi.Info1(extra)
	switch {
	case v&sdhi.Info1CardRemoved != 0:
		ch.present.Store(false)
		ch.stop.Store(true)
	case v&sdhi.Info1CardInserted != 0:
		ch.present.Store(true)
	}
	ch.events.Post(sdhi.Event{Kind: sdhi.EventCardDetect, Extra: extra})
}

// TransferEnd is called by the interrupt dispatcher for transfer and error
// interrupts.
func (ch *Channel) TransferEnd(extra uint32) {
	ch.events.Post(sdhi.Event{Kind: sdhi.EventTransfer, Extra: extra})
}

// DMAEnd is called by the interrupt dispatcher when the DMA engine finished.
func (ch *Channel) DMAEnd(extra uint32) {
	ch.dmaDone.Store(true)
	ch.events.Post(sdhi.Event{Kind: sdhi.EventDMA, Extra: extra})
}

// RequestStop aborts the running transfer at the next burst boundary. It may
// be called from any goroutine.
func (ch *Channel) RequestStop() {
	ch.stop.Store(true)
}

// CardPresent reports the card detect state as last signalled through
// CardDetect. Without card detection a card is assumed present.
func (ch *Channel) CardPresent() bool {
	return ch.present.Load()
}

func (ch *Channel) MediaKind() MediaKind { return ch.media }

func (ch *Channel) MountState() MountState { return ch.state }

func (ch *Channel) WriteProtect() WriteProtect { return ch.wp }

// Geometry returns the size of the user area and of the protected area in
// sectors.
func (ch *Channel) Geometry() (user, protected uint32) {
	return ch.sectors, ch.protected
}

// EraseUnit returns the erase unit in sectors.
func (ch *Channel) EraseUnit() uint32 { return ch.erase }

func (ch *Channel) BusWidth() int { return ch.width }

// Clock returns the data transfer clock in Hz negotiated at mount.
func (ch *Channel) Clock() uint32 { return ch.speed }

func (ch *Channel) Revision() Revision { return ch.revision }

func (ch *Channel) HighCapacity() bool { return ch.ccs }

func (ch *Channel) RCA() uint16 { return ch.rca }

func (ch *Channel) OCR() uint32 { return ch.ocr }

func (ch *Channel) CID() CID { return ch.cid }

func (ch *Channel) CSD() CSD { return ch.csd }

func (ch *Channel) SCR() SCR { return ch.scr }

func (ch *Channel) SDStatus() SDStatus { return ch.sdStatus }

// Err returns the first error of the last operation.
func (ch *Channel) Err() error { return ch.err }
