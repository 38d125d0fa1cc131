package storage

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckLocalFilesystem(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		fsType  string
		fsErr   error
		wantErr string
	}{
		{name: "local ext4 magic", fsType: "0xef53"},
		{name: "network nfs", fsType: "nfs", wantErr: `network filesystem "nfs"`},
		{name: "network uppercase", fsType: "SMBFS", wantErr: "journal.path"},
		{name: "unsupported platform skips", fsErr: errDetectUnsupported},
		{name: "detector failure", fsErr: errors.New("statfs broke"), wantErr: "statfs broke"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dbPath := filepath.Join(t.TempDir(), "journal.db")
			err := checkLocalFilesystemWith(dbPath, func(string) (string, error) {
				return tt.fsType, tt.fsErr
			})
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCheckLocalFilesystemUsesNearestExistingPath(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	dbPath := filepath.Join(root, "nested", "dir", "journal.db")

	var inspected string
	err := checkLocalFilesystemWith(dbPath, func(path string) (string, error) {
		inspected = path
		return "apfs", nil
	})
	require.NoError(t, err)
	assert.Equal(t, root, inspected)
}

func TestCheckLocalFilesystemEmptyPath(t *testing.T) {
	assert.Error(t, checkLocalFilesystemWith("", detectFilesystemType))
}
