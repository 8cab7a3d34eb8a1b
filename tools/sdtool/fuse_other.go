//go:build !linux && !darwin

package sdtool

import (
	"errors"
	"os"
)

func serve(s *session, dir string, done <-chan os.Signal) error {
	return errors.New("fuse is not supported on this platform")
}
