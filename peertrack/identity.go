package peertrack

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/sailfishos/statebus/errors"
)

// IdentitySource reads process identity facts. The production source is
// procfs; tests substitute a table.
type IdentitySource interface {
	// Creds returns the owning uid and gid of the process.
	Creds(pid uint32) (uid, gid uint32, err error)

	// ExePath returns the resolved executable path of the process.
	ExePath(pid uint32) (string, error)

	// Cmdline returns the process command line with arguments separated
	// by single spaces.
	Cmdline(pid uint32) (string, error)
}

// ProcSource is the procfs-backed IdentitySource.
type ProcSource struct {
	// Root is the procfs mount point, "/proc" when empty. Tests point it
	// at a fixture tree.
	Root string
}

func (s ProcSource) root() string {
	if s.Root == "" {
		return "/proc"
	}
	return s.Root
}

// Creds stats the process directory. A fresh stat per call is deliberate:
// the caller uses this to detect that the pid still belongs to the peer it
// identified.
func (s ProcSource) Creds(pid uint32) (uint32, uint32, error) {
	var st unix.Stat_t
	if err := unix.Stat(fmt.Sprintf("%s/%d", s.root(), pid), &st); err != nil {
		return 0, 0, errors.WrapIdentity(err, "ProcSource", "Creds", "process stat")
	}
	return st.Uid, st.Gid, nil
}

// ExePath resolves the exe symlink.
func (s ProcSource) ExePath(pid uint32) (string, error) {
	path, err := os.Readlink(fmt.Sprintf("%s/%d/exe", s.root(), pid))
	if err != nil {
		return "", errors.WrapIdentity(err, "ProcSource", "ExePath", "exe readlink")
	}
	// A replaced binary leaves a " (deleted)" suffix on the link target.
	return strings.TrimSuffix(path, " (deleted)"), nil
}

// Cmdline reads the NUL-separated command line.
func (s ProcSource) Cmdline(pid uint32) (string, error) {
	raw, err := os.ReadFile(fmt.Sprintf("%s/%d/cmdline", s.root(), pid))
	if err != nil {
		return "", errors.WrapIdentity(err, "ProcSource", "Cmdline", "cmdline read")
	}
	raw = bytes.TrimRight(raw, "\x00")
	return string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '})), nil
}
