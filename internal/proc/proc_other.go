//go:build !unix

package proc

import (
	"errors"
	"os"
	"os/exec"
)

func setGroup(cmd *exec.Cmd) {}

func signalGroup(p *os.Process, kill bool) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
