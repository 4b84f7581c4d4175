package extract

import (
	"archive/tar"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateLinks(t *testing.T) {
	tests := []struct {
		name               string
		links              []*link
		expectedError      bool
		overwrite          bool
		createExistingFile bool
	}{
		{
			name:  "Empty Link",
			links: []*link{},
		},
		{
			name:  "Valid Hard Link",
			links: []*link{{tar.TypeLink, "", "testLinkHard"}},
		},
		{
			name:  "Valid Symlink",
			links: []*link{{tar.TypeSymlink, "", "testLinkSym"}},
		},
		{
			name:          "Invalid LinkType",
			links:         []*link{{'!', "", "x"}},
			expectedError: true,
		},
		{
			name: "Valid Multiple Links",
			links: []*link{
				{tar.TypeLink, "", "testLinkHard"},
				{tar.TypeSymlink, "", "testLinkSym"},
			},
		},
		{
			name:               "HardLink_OverwriteEnabled_FileExists",
			links:              []*link{{tar.TypeLink, "", "testLinkHard"}},
			overwrite:          true,
			createExistingFile: true,
		},
		{
			name:               "HardLink_OverwriteDisabled_FileExists",
			links:              []*link{{tar.TypeLink, "", "testLinkHard"}},
			createExistingFile: true,
			expectedError:      true,
		},
		{
			name:      "HardLink_OverwriteEnabled_FileDoesNotExist",
			links:     []*link{{tar.TypeLink, "", "testLinkHard"}},
			overwrite: true,
		},
		{
			name:               "SymLink_OverwriteEnabled_FileExists",
			links:              []*link{{tar.TypeSymlink, "", "testLinkSym"}},
			overwrite:          true,
			createExistingFile: true,
		},
		{
			name:               "SymLink_OverwriteDisabled_FileExists",
			links:              []*link{{tar.TypeSymlink, "", "testLinkSym"}},
			createExistingFile: true,
			expectedError:      true,
		},
		{
			name:      "SymLink_OverwriteEnabled_FileDoesNotExist",
			links:     []*link{{tar.TypeSymlink, "", "testLinkSym"}},
			overwrite: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			destDir := t.TempDir()

			// Hard links and symlinks need a real file to point at.
			for _, link := range tt.links {
				if link.linkType == tar.TypeLink || link.linkType == tar.TypeSymlink {
					testFile, err := os.CreateTemp(destDir, "test-")
					require.NoError(t, err)
					require.NoError(t, testFile.Close())
					if tt.createExistingFile {
						existing, err := os.Create(filepath.Join(destDir, link.newName))
						require.NoError(t, err)
						require.NoError(t, existing.Close())
					}
					link.oldName = filepath.Base(testFile.Name())
					link.newName = filepath.Join(destDir, link.newName)
				}
			}

			err := createLinks(tt.links, destDir, tt.overwrite)

			if tt.expectedError {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)

			for _, link := range tt.links {
				oldPath := filepath.Join(destDir, link.oldName)
				switch link.linkType {
				case tar.TypeSymlink:
					assertSymlinkTarget(t, oldPath, link.newName)
				case tar.TypeLink:
					assertHardLinkTarget(t, oldPath, link.newName)
				default:
					t.Fatal("Invalid link type")
				}
			}
		})
	}
}

func TestGuardTargetRejectsEscapes(t *testing.T) {
	destDir := t.TempDir()

	_, err := guardTarget("inner/file.txt", destDir)
	assert.NoError(t, err)

	_, err = guardTarget("../evil.txt", destDir)
	assert.ErrorIs(t, err, ErrUnsafePath)

	_, err = guardTarget("inner/../../evil.txt", destDir)
	assert.ErrorIs(t, err, ErrUnsafePath)

	_, err = guardTarget("", destDir)
	assert.ErrorIs(t, err, ErrEmptyEntryName)

	// A sibling directory sharing the prefix is still an escape.
	_, err = guardTarget("../"+filepath.Base(destDir)+"-sibling/file.txt", destDir)
	assert.ErrorIs(t, err, ErrUnsafePath)
}

func assertHardLinkTarget(t *testing.T, oldName, newName string) {
	fileStat, err := os.Stat(oldName)
	require.NoError(t, err, "could not stat test-created file")
	linkStat, err := os.Lstat(newName)
	require.NoError(t, err, "could not stat link %s", newName)
	targetStat, err := os.Stat(newName)
	require.NoError(t, err, "could not stat link %s", newName)
	assert.True(t, linkStat.Mode()&os.ModeSymlink == 0)
	assert.Equal(t, fileStat.Sys().(*syscall.Stat_t).Ino, targetStat.Sys().(*syscall.Stat_t).Ino)
}

func assertSymlinkTarget(t *testing.T, oldName, newName string) {
	fileStat, err := os.Stat(oldName)
	require.NoError(t, err, "could not stat test-created file")
	linkStat, err := os.Lstat(newName)
	require.NoError(t, err, "could not stat link %s", newName)
	assert.True(t, linkStat.Mode()&os.ModeSymlink != 0)
	// os.Stat follows symlinks
	realTarget, err := os.Stat(newName)
	require.NoError(t, err, "could not stat link %s", newName)
	assert.Equal(t, fileStat.Sys().(*syscall.Stat_t).Ino, realTarget.Sys().(*syscall.Stat_t).Ino)
}
