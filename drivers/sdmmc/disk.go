package sdmmc

import (
	"errors"
	"io"
	"sync"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

var ErrSeekOutOfRange = errors.New("sdmmc: seek out of range")

// Disk implements io.ReaderAt, io.WriterAt and io.ReadWriteSeeker on the user
// area of a mounted Channel. Whole sectors go straight to the card, partial
// sectors are read, modified and written back through a bounce buffer.
//
// Disk is safe for concurrent use. It must be the only user of its Channel.
type Disk struct {
	ch     *Channel
	offset int64
	bounce []byte
	mtx    sync.Mutex
}

func NewDisk(ch *Channel) *Disk {
	return &Disk{ch: ch, bounce: make([]byte, sdhi.SectorSize)}
}

// Size returns the size of the user area in bytes.
func (d *Disk) Size() int64 {
	return int64(d.ch.sectors) * sdhi.SectorSize
}

func (d *Disk) ReadAt(p []byte, off int64) (n int, err error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.readAt(p, off)
}

func (d *Disk) readAt(p []byte, off int64) (n int, err error) {
	size := d.Size()
	if off >= size {
		return 0, io.EOF
	}
	if int64(len(p)) > size-off {
		p = p[:size-off]
		defer func() {
			if err == nil {
				err = io.EOF
			}
		}()
	}

	for n < len(p) {
		pos := off + int64(n)
		sector, o := uint32(pos/sdhi.SectorSize), int(pos%sdhi.SectorSize)
		if whole := (len(p) - n) / sdhi.SectorSize; o == 0 && whole > 0 {
			if err = d.ch.ReadSectors(p[n:n+whole*sdhi.SectorSize], sector, uint32(whole)); err != nil {
				return
			}
			n += whole * sdhi.SectorSize
			continue
		}
		if err = d.ch.ReadSectors(d.bounce, sector, 1); err != nil {
			return
		}
		n += copy(p[n:], d.bounce[o:])
	}
	return
}

func (d *Disk) WriteAt(p []byte, off int64) (n int, err error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.writeAt(p, off)
}

func (d *Disk) writeAt(p []byte, off int64) (n int, err error) {
	size := d.Size()
	if off >= size && len(p) > 0 {
		return 0, io.ErrShortWrite
	}
	if int64(len(p)) > size-off {
		p = p[:size-off]
		defer func() {
			if err == nil {
				err = io.ErrShortWrite
			}
		}()
	}

	for n < len(p) {
		pos := off + int64(n)
		sector, o := uint32(pos/sdhi.SectorSize), int(pos%sdhi.SectorSize)
		if whole := (len(p) - n) / sdhi.SectorSize; o == 0 && whole > 0 {
			if err = d.ch.WriteSectors(p[n:n+whole*sdhi.SectorSize], sector, uint32(whole)); err != nil {
				return
			}
			n += whole * sdhi.SectorSize
			continue
		}
		// read first and last sectors if only partly written
		if err = d.ch.ReadSectors(d.bounce, sector, 1); err != nil {
			return
		}
		copied := copy(d.bounce[o:], p[n:])
		if err = d.ch.WriteSectors(d.bounce, sector, 1); err != nil {
			return
		}
		n += copied
	}
	return
}

func (d *Disk) Read(p []byte) (n int, err error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n, err = d.readAt(p, d.offset)
	d.offset += int64(n)
	return
}

func (d *Disk) Write(p []byte) (n int, err error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	n, err = d.writeAt(p, d.offset)
	d.offset += int64(n)
	return
}

func (d *Disk) Seek(offset int64, whence int) (newoffset int64, err error) {
	d.mtx.Lock()
	defer d.mtx.Unlock()

	switch whence {
	case io.SeekStart:
		// newoffset = 0
	case io.SeekCurrent:
		newoffset = d.offset
	case io.SeekEnd:
		newoffset = d.Size()
	}
	newoffset += offset
	if newoffset < 0 || newoffset > d.Size() {
		return d.offset, ErrSeekOutOfRange
	}
	d.offset = newoffset
	return
}
