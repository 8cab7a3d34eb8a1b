package sim

import (
	"sync"

	"github.com/d-kato/mbed-gr-libs-sub001/sdhi"
)

// MemStore is a sparse in-memory Store. Sectors never written read as zero.
type MemStore struct {
	mu      sync.Mutex
	sectors map[int64]*[sdhi.SectorSize]byte
}

func NewMemStore() *MemStore {
	return &MemStore{sectors: make(map[int64]*[sdhi.SectorSize]byte)}
}

func (m *MemStore) ReadAt(p []byte, off int64) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n < len(p) {
		pos := off + int64(n)
		s, o := pos/sdhi.SectorSize, pos%sdhi.SectorSize
		if sec, ok := m.sectors[s]; ok {
			n += copy(p[n:], sec[o:])
		} else {
			n += copy(p[n:], zeroSector[o:])
		}
	}
	return n, nil
}

func (m *MemStore) WriteAt(p []byte, off int64) (n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for n < len(p) {
		pos := off + int64(n)
		s, o := pos/sdhi.SectorSize, pos%sdhi.SectorSize
		sec, ok := m.sectors[s]
		if !ok {
			sec = new([sdhi.SectorSize]byte)
			m.sectors[s] = sec
		}
		n += copy(sec[o:], p[n:])
	}
	return n, nil
}

// Discard zeroes the whole sectors within [off, off+n).
func (m *MemStore) Discard(off, n int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first := (off + sdhi.SectorSize - 1) / sdhi.SectorSize
	end := (off + n) / sdhi.SectorSize
	for s := range m.sectors {
		if s >= first && s < end {
			delete(m.sectors, s)
		}
	}
}

// Used returns the number of sectors that have been written to.
func (m *MemStore) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sectors)
}

var zeroSector [sdhi.SectorSize]byte
