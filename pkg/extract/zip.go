package extract

import (
	"archive/zip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// ZipFile unpacks a zip archive into destDir. The reader must cover the
// whole archive, the zip directory lives at its end.
func ZipFile(reader io.ReaderAt, destDir string, size int64, overwrite bool) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("error creating destination directory: %w", err)
	}

	zipReader, err := zip.NewReader(reader, size)
	if err != nil {
		return fmt.Errorf("error opening zip archive: %w", err)
	}

	for _, file := range zipReader.File {
		if err := unpackZipEntry(file, destDir, overwrite); err != nil {
			return fmt.Errorf("error extracting %s: %w", file.Name, err)
		}
	}
	return nil
}

func unpackZipEntry(file *zip.File, destDir string, overwrite bool) error {
	target, err := guardTarget(file.Name, destDir)
	if err != nil {
		return err
	}

	mode := file.Mode()
	switch {
	case file.FileInfo().IsDir():
		if err := os.MkdirAll(target, mode.Perm()); err != nil {
			return err
		}
		return applyPermissions(target, mode.Perm())
	case mode.IsRegular():
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		entry, err := file.Open()
		if err != nil {
			return err
		}
		defer entry.Close()

		openFlags := os.O_CREATE | os.O_WRONLY
		if overwrite {
			openFlags |= os.O_TRUNC
		}
		out, err := os.OpenFile(target, openFlags, mode)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, entry); err != nil {
			out.Close()
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		return applyPermissions(target, mode.Perm())
	default:
		return fmt.Errorf("unsupported entry type (not dir or regular): %s (%v)", file.Name, mode.Type())
	}
}

// applyPermissions chmods without carrying setuid, setgid or sticky bits.
func applyPermissions(path string, fileMode fs.FileMode) error {
	perms := fileMode &^ os.ModeSetuid &^ os.ModeSetgid &^ os.ModeSticky
	return os.Chmod(path, perms)
}
