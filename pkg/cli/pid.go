//go:build !windows

package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"github.com/getsluice/sluice/pkg/logging"
)

// PIDFile is an advisory flock guarding the state directory. Two
// processes flushing the same task records would clobber each other's
// progress.
type PIDFile struct {
	file *os.File
	fd   int
}

// StateLock creates dir if needed and takes the advisory lock guarding
// it. The caller releases the returned PIDFile when done with the
// directory.
func StateLock(dir string) (*PIDFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	pidFile, err := NewPIDFile(filepath.Join(dir, "sluice.pid"))
	if err != nil {
		return nil, err
	}
	if err := pidFile.Acquire(); err != nil {
		return nil, err
	}
	return pidFile, nil
}

func NewPIDFile(path string) (*PIDFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &PIDFile{file: file, fd: int(file.Fd())}, nil
}

func (p *PIDFile) Acquire() error {
	logger := logging.GetLogger()
	funcs := []func() error{
		func() error {
			err := syscall.Flock(p.fd, syscall.LOCK_EX|syscall.LOCK_NB)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("path", p.file.Name()).
					Msg("another process holds this state directory, waiting for it to finish")
				err = syscall.Flock(p.fd, syscall.LOCK_EX)
			}
			return err
		},
		p.writePID,
		p.file.Sync,
	}
	return p.executeFuncs(funcs)
}

func (p *PIDFile) Release() error {
	funcs := []func() error{
		func() error { return syscall.Flock(p.fd, syscall.LOCK_UN) },
		p.file.Close,
		func() error { return os.Remove(p.file.Name()) },
	}
	return p.executeFuncs(funcs)
}

func (p *PIDFile) writePID() error {
	pid := os.Getpid()
	_, err := p.file.WriteString(fmt.Sprintf("%d", pid))
	return err
}

func (p *PIDFile) executeFuncs(funcs []func() error) error {
	for _, fn := range funcs {
		if err := fn(); err != nil {
			return err
		}
	}
	return nil
}
