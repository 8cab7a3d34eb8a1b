package sdhi

// Command is the value written to SD_CMD. Besides the command index it tells
// the controller which response shape to expect and whether a data phase
// follows.
type Command uint32

// Response type field of SD_CMD.
type Response uint32

const (
	RespNone Response = 3 << 8
	RespR1   Response = 4 << 8 // also R6 and R7, 48 bit
	RespR1b  Response = 5 << 8 // R1 with busy on DAT0
	RespR2   Response = 6 << 8 // 136 bit, CID or CSD
	RespR3   Response = 7 << 8 // OCR, no CRC

	respMask Response = 7 << 8
)

const (
	cmdIndexMask Command = 0x3f
	cmdApp       Command = 1 << 6
	cmdData      Command = 1 << 11
	cmdRead      Command = 1 << 12
	cmdMulti     Command = 1 << 13
)

// Standard commands.
const (
	CmdGoIdle        = Command(0) | Command(RespNone)
	CmdSendOpCond    = Command(1) | Command(RespR3) // MMC
	CmdAllSendCID    = Command(2) | Command(RespR2)
	CmdSendRelAddr   = Command(3) | Command(RespR1) // R6 on SD
	CmdSetDSR        = Command(4) | Command(RespNone)
	CmdSwitch        = Command(6) | Command(RespR1b) // MMC
	CmdSelect        = Command(7) | Command(RespR1b)
	CmdDeselect      = Command(7) | Command(RespNone)
	CmdSendIfCond    = Command(8) | Command(RespR1) // R7
	CmdSendCSD       = Command(9) | Command(RespR2)
	CmdSendCID       = Command(10) | Command(RespR2)
	CmdStopTransmit  = Command(12) | Command(RespR1b)
	CmdSendStatus    = Command(13) | Command(RespR1)
	CmdSetBlockLen   = Command(16) | Command(RespR1)
	CmdReadSingle    = Command(17) | Command(RespR1) | cmdData | cmdRead
	CmdReadMulti     = Command(18) | Command(RespR1) | cmdData | cmdRead | cmdMulti
	CmdWriteSingle   = Command(24) | Command(RespR1) | cmdData
	CmdWriteMulti    = Command(25) | Command(RespR1) | cmdData | cmdMulti
	CmdEraseStartSD  = Command(32) | Command(RespR1)
	CmdEraseEndSD    = Command(33) | Command(RespR1)
	CmdEraseStartMMC = Command(35) | Command(RespR1)
	CmdEraseEndMMC   = Command(36) | Command(RespR1)
	CmdErase         = Command(38) | Command(RespR1b)
	CmdLockUnlock    = Command(42) | Command(RespR1) | cmdData
	CmdAppCmd        = Command(55) | Command(RespR1)
)

// Application specific commands, sent after CmdAppCmd.
const (
	AcmdSetBusWidth   = Command(6) | Command(RespR1) | cmdApp
	AcmdSDStatus      = Command(13) | Command(RespR1) | cmdApp | cmdData | cmdRead
	AcmdNumWrBlocks   = Command(22) | Command(RespR1) | cmdApp | cmdData | cmdRead
	AcmdSendOpCond    = Command(41) | Command(RespR3) | cmdApp
	AcmdSetClrCardDet = Command(42) | Command(RespR1) | cmdApp
	AcmdSendSCR       = Command(51) | Command(RespR1) | cmdApp | cmdData | cmdRead
)

func (c Command) Index() uint8       { return uint8(c & cmdIndexMask) }
func (c Command) App() bool          { return c&cmdApp != 0 }
func (c Command) Response() Response { return Response(c) & respMask }
func (c Command) Data() bool         { return c&cmdData != 0 }
func (c Command) Read() bool         { return c&cmdRead != 0 }
func (c Command) Multi() bool        { return c&cmdMulti != 0 }

// Decode splits a raw SD_CMD value as written by the host.
func Decode(v uint64) Command {
	return Command(v) & (cmdIndexMask | cmdApp | Command(respMask) | cmdData | cmdRead | cmdMulti)
}

// CardStatus is the 32 bit card status carried by R1 responses.
type CardStatus uint32

const (
	StatusAKESeqError    CardStatus = 1 << 3
	StatusAppCmd         CardStatus = 1 << 5
	StatusReadyForData   CardStatus = 1 << 8
	StatusEraseReset     CardStatus = 1 << 13
	StatusWPEraseSkip    CardStatus = 1 << 15
	StatusCSDOverwrite   CardStatus = 1 << 16
	StatusError          CardStatus = 1 << 19
	StatusCCError        CardStatus = 1 << 20
	StatusECCFailed      CardStatus = 1 << 21
	StatusIllegalCommand CardStatus = 1 << 22
	StatusComCRCError    CardStatus = 1 << 23
	StatusLockFailed     CardStatus = 1 << 24
	StatusCardLocked     CardStatus = 1 << 25
	StatusWPViolation    CardStatus = 1 << 26
	StatusEraseParam     CardStatus = 1 << 27
	StatusEraseSeqError  CardStatus = 1 << 28
	StatusBlockLenError  CardStatus = 1 << 29
	StatusAddressError   CardStatus = 1 << 30
	StatusOutOfRange     CardStatus = 1 << 31

	statusStateShift = 9
	statusStateMask  = 0xf << statusStateShift

	// Bits that are cleared in the card once they have been reported.
	StatusClearOnRead = StatusOutOfRange | StatusAddressError | StatusBlockLenError |
		StatusEraseSeqError | StatusEraseParam | StatusWPViolation | StatusLockFailed |
		StatusComCRCError | StatusIllegalCommand | StatusECCFailed | StatusCCError |
		StatusError | StatusCSDOverwrite | StatusWPEraseSkip | StatusEraseReset |
		StatusAppCmd | StatusAKESeqError
)

// CardState is the CURRENT_STATE field of the card status.
type CardState uint8

const (
	StateIdle CardState = iota
	StateReady
	StateIdent
	StateStby
	StateTran
	StateData
	StateRcv
	StatePrg
	StateDis
)

var stateNames = [...]string{"idle", "ready", "ident", "stby", "tran", "data", "rcv", "prg", "dis"}

func (s CardState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "reserved"
}

func (s CardStatus) State() CardState {
	return CardState((s & statusStateMask) >> statusStateShift)
}

func (s CardStatus) WithState(state CardState) CardStatus {
	return s&^statusStateMask | CardStatus(state)<<statusStateShift
}

// R6 packs the published RCA with a subset of the card status.
func R6(rca uint16, s CardStatus) uint32 {
	low := uint32(s & 0x1fff)
	low |= uint32(s>>23&1) << 15
	low |= uint32(s>>22&1) << 14
	low |= uint32(s>>19&1) << 13
	return uint32(rca)<<16 | low
}

// StatusFromR6 expands the status bits of an R6 response to the R1 layout.
func StatusFromR6(r uint32) CardStatus {
	s := CardStatus(r & 0x1fff)
	s |= CardStatus(r>>15&1) << 23
	s |= CardStatus(r>>14&1) << 22
	s |= CardStatus(r>>13&1) << 19
	return s
}

// Operating conditions register bits.
const (
	OCRVoltageWindow uint32 = 0x00ff8000 // 2.7-3.6V
	OCRCCS           uint32 = 1 << 30    // card capacity status, high capacity
	OCRHCS                  = OCRCCS     // host capacity support in ACMD41
	OCRReady         uint32 = 1 << 31    // power up finished, not busy
)

// Interface condition (CMD8) fields.
const (
	IfCondPattern     uint32 = 0xaa
	IfCondPatternMask uint32 = 0xff
	IfCondVoltage     uint32 = 1 << 8 // 2.7-3.6V
	IfCondVoltageMask uint32 = 0xf << 8
)
