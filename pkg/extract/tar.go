package extract

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/getsluice/sluice/pkg/logging"
)

// ErrUnsafePath marks an archive entry that would land outside the
// destination directory.
var ErrUnsafePath = errors.New("archive entry escapes destination directory")

var ErrEmptyEntryName = errors.New("archive entry has empty name")

type link struct {
	linkType byte
	oldName  string
	newName  string
}

// TarFile unpacks a tar stream into destDir. Hard links and symlinks are
// created after all regular entries so their targets exist first.
func TarFile(reader io.Reader, destDir string, overwrite bool) error {
	var links []*link

	startTime := time.Now()
	tarReader := tar.NewReader(reader)
	logger := logging.GetLogger()

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		target, err := guardTarget(header.Name, destDir)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, cleanFileMode(os.FileMode(header.Mode))); err != nil {
				return err
			}
		case tar.TypeReg:
			openFlags := os.O_CREATE | os.O_WRONLY
			if overwrite {
				openFlags |= os.O_TRUNC
			}
			targetFile, err := os.OpenFile(target, openFlags, cleanFileMode(os.FileMode(header.Mode)))
			if err != nil {
				return err
			}
			if _, err := io.Copy(targetFile, tarReader); err != nil {
				targetFile.Close()
				return err
			}
			if err := targetFile.Close(); err != nil {
				return fmt.Errorf("error closing file %s: %w", target, err)
			}
		case tar.TypeSymlink, tar.TypeLink:
			// Link targets may appear later in the stream.
			links = append(links, &link{linkType: header.Typeflag, oldName: header.Linkname, newName: target})
		default:
			return fmt.Errorf("unsupported entry type for %s, typeflag %q", header.Name, string(header.Typeflag))
		}
	}

	if err := createLinks(links, destDir, overwrite); err != nil {
		return fmt.Errorf("error creating links: %w", err)
	}

	logger.Debug().
		Str("extractor", "tar").
		Str("dest", destDir).
		Float64("elapsed_time", time.Since(startTime).Seconds()).
		Msg("extraction complete")
	return nil
}

func createLinks(links []*link, destDir string, overwrite bool) error {
	for _, link := range links {
		if err := os.MkdirAll(filepath.Dir(link.newName), 0o755); err != nil {
			return err
		}
		switch link.linkType {
		case tar.TypeLink:
			oldPath, err := guardTarget(link.oldName, destDir)
			if err != nil {
				return err
			}
			if err := createHardLink(oldPath, link.newName, overwrite); err != nil {
				return fmt.Errorf("error creating hard link from %s to %s: %w", oldPath, link.newName, err)
			}
		case tar.TypeSymlink:
			if err := createSymlink(link.oldName, link.newName, overwrite); err != nil {
				return fmt.Errorf("error creating symlink from %s to %s: %w", link.oldName, link.newName, err)
			}
		default:
			return fmt.Errorf("unsupported link type %q", string(link.linkType))
		}
	}
	return nil
}

func createHardLink(oldName, newName string, overwrite bool) error {
	if overwrite {
		err := os.Remove(newName)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("error removing existing file: %w", err)
		}
	}
	return os.Link(oldName, newName)
}

func createSymlink(oldName, newName string, overwrite bool) error {
	if overwrite {
		err := os.Remove(newName)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("error removing existing symlink/file: %w", err)
		}
	}
	return os.Symlink(oldName, newName)
}

// guardTarget joins an archive entry name into destDir and rejects
// entries that would resolve outside it.
func guardTarget(name, destDir string) (string, error) {
	if name == "" {
		return "", ErrEmptyEntryName
	}
	target, err := filepath.Abs(filepath.Join(destDir, name))
	if err != nil {
		return "", fmt.Errorf("error resolving %s: %w", name, err)
	}
	destAbs, err := filepath.Abs(destDir)
	if err != nil {
		return "", fmt.Errorf("error resolving %s: %w", destDir, err)
	}
	if target != destAbs && !strings.HasPrefix(target, destAbs+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q outside of %q", ErrUnsafePath, name, destDir)
	}
	return target, nil
}

func cleanFileMode(mode os.FileMode) os.FileMode {
	mask := os.ModeSticky | os.ModeSetuid | os.ModeSetgid
	return mode &^ mask
}
