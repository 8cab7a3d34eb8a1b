package sdmmc

import (
	"errors"
	"fmt"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// Error is the kind of a failure. Errors returned by the package wrap one of
// these values, test them with errors.Is or recover them with KindOf.
type Error uint8

const (
	ErrTimeoutCommand Error = iota + 1
	ErrTimeoutData
	ErrHostBusy
	ErrCRC
	ErrIllegalCommand
	ErrNotSupported
	ErrCardLocked
	ErrUnlockFailed
	ErrWriteProtect
	ErrOutOfRange
	ErrAddress
	ErrBlockLength
	ErrErase
	ErrAuthSequence
	ErrECC
	ErrCardController
	ErrCardInternal
	ErrRegisterVersion
	ErrIfCondEcho
	ErrIfCondVersion
	ErrUnsupportedCard
	ErrNoCard
	ErrNotMounted
	ErrStandby
	ErrStopped
	ErrShortWrite
	ErrShortBuffer
	ErrHostInterface
	ErrInvalidConfig
	ErrInternal
)

var errorText = [...]string{
	ErrTimeoutCommand:  "command timeout",
	ErrTimeoutData:     "data timeout",
	ErrHostBusy:        "host controller busy",
	ErrCRC:             "crc error",
	ErrIllegalCommand:  "illegal command",
	ErrNotSupported:    "command not supported",
	ErrCardLocked:      "card locked",
	ErrUnlockFailed:    "lock/unlock failed",
	ErrWriteProtect:    "write protected",
	ErrOutOfRange:      "out of range",
	ErrAddress:         "address error",
	ErrBlockLength:     "block length error",
	ErrErase:           "erase error",
	ErrAuthSequence:    "authentication sequence error",
	ErrECC:             "card ecc failed",
	ErrCardController:  "card controller error",
	ErrCardInternal:    "card internal error",
	ErrRegisterVersion: "register version mismatch",
	ErrIfCondEcho:      "interface condition echo mismatch",
	ErrIfCondVersion:   "interface condition voltage not accepted",
	ErrUnsupportedCard: "unsupported card",
	ErrNoCard:          "no card",
	ErrNotMounted:      "not mounted",
	ErrStandby:         "card in standby",
	ErrStopped:         "stopped",
	ErrShortWrite:      "short write",
	ErrShortBuffer:     "buffer too small",
	ErrHostInterface:   "host interface error",
	ErrInvalidConfig:   "invalid configuration",
	ErrInternal:        "internal error",
}

func (e Error) Error() string {
	if int(e) < len(errorText) && errorText[e] != "" {
		return "sdmmc: " + errorText[e]
	}
	return fmt.Sprintf("sdmmc: error %d", uint8(e))
}

// Timeout reports whether e is one of the timeout kinds.
func (e Error) Timeout() bool {
	return e == ErrTimeoutCommand || e == ErrTimeoutData || e == ErrHostBusy
}

// KindOf returns the kind of err, ErrInternal for foreign errors and zero for
// nil.
func KindOf(err error) Error {
	if err == nil {
		return 0
	}
	var e Error
	if errors.As(err, &e) {
		return e
	}
	return ErrInternal
}

// cmdError attaches the failing command to a kind.
func cmdError(cmd sdhi.Command, err error) error {
	if cmd.App() {
		return fmt.Errorf("acmd%d: %w", cmd.Index(), err)
	}
	return fmt.Errorf("cmd%d: %w", cmd.Index(), err)
}

// hostError maps the most significant SD_INFO2 error bit.
func hostError(v sdhi.Info2) Error {
	switch v.Highest() {
	case sdhi.Info2IllegalAccess:
		return ErrHostInterface
	case sdhi.Info2RespTimeout:
		return ErrTimeoutCommand
	case sdhi.Info2BufUnderrun, sdhi.Info2BufOverflow:
		return ErrHostInterface
	case sdhi.Info2DataTimeout:
		return ErrTimeoutData
	case sdhi.Info2EndBitError, sdhi.Info2CRCError:
		return ErrCRC
	case sdhi.Info2CmdError:
		return ErrHostInterface
	}
	return 0
}

// Card status error bits, checked in this order.
var statusErrors = [...]struct {
	bit  sdhi.CardStatus
	kind Error
}{
	{sdhi.StatusOutOfRange, ErrOutOfRange},
	{sdhi.StatusAddressError, ErrAddress},
	{sdhi.StatusBlockLenError, ErrBlockLength},
	{sdhi.StatusEraseSeqError, ErrErase},
	{sdhi.StatusEraseParam, ErrErase},
	{sdhi.StatusWPViolation, ErrWriteProtect},
	{sdhi.StatusCardLocked, ErrCardLocked},
	{sdhi.StatusLockFailed, ErrUnlockFailed},
	{sdhi.StatusComCRCError, ErrCRC},
	{sdhi.StatusIllegalCommand, ErrIllegalCommand},
	{sdhi.StatusECCFailed, ErrECC},
	{sdhi.StatusCCError, ErrCardController},
	{sdhi.StatusError, ErrCardInternal},
	{sdhi.StatusAKESeqError, ErrAuthSequence},
}

// statusError returns the kind for the first error bit of s not in ignore.
func statusError(s, ignore sdhi.CardStatus) Error {
	s &^= ignore
	for _, e := range statusErrors {
		if s&e.bit != 0 {
			return e.kind
		}
	}
	return 0
}
