package sdmmc

import (
	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// EraseSectors erases count sectors starting at start. Depending on the card
// erased sectors read as zeros or ones, see SCR DATA_STAT_AFTER_ERASE.
func (ch *Channel) EraseSectors(start, count uint32) (err error) {
	ch.begin()
	r := request{sector: start, count: count, write: true, erase: true}
	if err := ch.admit(&r); err != nil {
		return ch.fail(err)
	}
	if count == 0 {
		return nil
	}

	defer ch.end(&err)
	if err := ch.clockOn(); err != nil {
		return ch.fail(err)
	}

	first, last := sdhi.CmdEraseStartSD, sdhi.CmdEraseEndSD
	if ch.media&MediaMMC != 0 {
		first, last = sdhi.CmdEraseStartMMC, sdhi.CmdEraseEndMMC
	}
	if err := ch.exec(first, ch.address(start), respR1); err != nil {
		return ch.fail(err)
	}
	if err := ch.exec(last, ch.address(start+count-1), respR1); err != nil {
		return ch.fail(err)
	}
	if err := ch.exec(sdhi.CmdErase, 0, respR1b); err != nil {
		return ch.fail(err)
	}
	if err := ch.verify(start+count == ch.sectors); err != nil {
		return ch.fail(err)
	}
	return nil
}
