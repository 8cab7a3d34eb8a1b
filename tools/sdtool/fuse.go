//go:build linux || darwin

package sdtool

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"rsc.io/rsc/fuse"

	"github.com/d-kato/mbed-gr-libs-sub001/drivers/sdmmc"
)

const imageName = "card.img"

// serve exports the mounted card as a single file until a signal arrives.
func serve(s *session, dir string, done <-chan os.Signal) error {
	c, err := fuse.Mount(dir)
	if err != nil {
		return err
	}
	go c.Serve(&fusefs{s, time.Now()})
	<-done

	cmd := exec.Command("/bin/umount", dir)
	_, err = cmd.CombinedOutput()
	return err
}

// fusefs implements the file system and the root dir Node.
type fusefs struct {
	s     *session
	mtime time.Time
}

func (p *fusefs) Root() (fuse.Node, fuse.Error) {
	return p, nil
}

func (p *fusefs) Attr() fuse.Attr {
	return fuse.Attr{
		Mode:  os.ModeDir | 0o755,
		Mtime: p.mtime,
	}
}

func (p *fusefs) Lookup(name string, intr fuse.Intr) (fuse.Node, fuse.Error) {
	if name != imageName {
		return nil, fuse.ENOENT
	}
	return &fusefile{p}, nil
}

func (p *fusefs) ReadDir(intr fuse.Intr) ([]fuse.Dirent, fuse.Error) {
	return []fuse.Dirent{{Name: imageName}}, nil
}

// fusefile implements both Node and Handle.
type fusefile struct {
	fs *fusefs
}

func (f *fusefile) Attr() fuse.Attr {
	mode := os.FileMode(0o644)
	if f.fs.s.ch.WriteProtect() != 0 {
		mode = 0o444
	}
	return fuse.Attr{
		Mode:  mode,
		Mtime: f.fs.mtime,
		Size:  uint64(f.fs.s.disk.Size()),
	}
}

func (f *fusefile) Read(req *fuse.ReadRequest, resp *fuse.ReadResponse, intr fuse.Intr) fuse.Error {
	buf := make([]byte, req.Size)
	n, err := f.fs.s.disk.ReadAt(buf, req.Offset)
	if err != nil && err != io.EOF {
		return errno(err)
	}
	resp.Data = buf[:n]
	return nil
}

func (f *fusefile) Write(req *fuse.WriteRequest, resp *fuse.WriteResponse, intr fuse.Intr) fuse.Error {
	n, err := f.fs.s.disk.WriteAt(req.Data, req.Offset)
	resp.Size = n
	if err != nil {
		return errno(err)
	}
	f.fs.mtime = time.Now()
	return nil
}

func (f *fusefile) Fsync(req *fuse.FsyncRequest, intr fuse.Intr) fuse.Error {
	return nil
}

func errno(err error) fuse.Error {
	switch sdmmc.KindOf(err) {
	case sdmmc.ErrWriteProtect:
		return fuse.Errno(syscall.EROFS)
	case sdmmc.ErrOutOfRange:
		return fuse.Errno(syscall.EINVAL)
	case sdmmc.ErrNoCard, sdmmc.ErrNotMounted:
		return fuse.Errno(syscall.ENODEV)
	case sdmmc.ErrCardLocked:
		return fuse.Errno(syscall.EACCES)
	}
	if errors.Is(err, io.ErrShortWrite) {
		return fuse.Errno(syscall.ENOSPC)
	}
	return fuse.EIO
}
