//go:build linux

package storage

import (
	"fmt"
	"syscall"
)

// statfs f_type magic numbers for the network filesystems we refuse.
const (
	magicNFS  = 0x6969
	magicCIFS = 0xFF534D42
	magicSMB  = 0x517B
	magicSMB2 = 0xFE534D42
)

var linuxMagicNames = map[uint64]string{
	magicNFS:  "nfs",
	magicCIFS: "cifs",
	magicSMB:  "smbfs",
	magicSMB2: "smb2",
}

func detectFilesystemType(path string) (string, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return "", fmt.Errorf("statfs %q: %w", path, err)
	}
	if name, ok := linuxMagicNames[uint64(stat.Type)]; ok {
		return name, nil
	}
	return fmt.Sprintf("0x%x", uint64(stat.Type)), nil
}
