package sync

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// ArchiveExt is the extension of a packed message blob.
const ArchiveExt = ".tar.gz"

// PackMessage packs a finalized message's staging directory into a single
// compressed archive blob named <message_id>.tar.gz under destDir, and
// returns the archive path.
func PackMessage(m *Message, destDir string) (string, error) {
	if !m.Ready {
		return "", fmt.Errorf("packing unfinalized message %s", m.ID)
	}
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", fmt.Errorf("creating archive directory: %w", err)
	}

	archivePath := filepath.Join(destDir, m.ID+ArchiveExt)
	out, err := os.Create(archivePath)
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(m.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(m.dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})

	if err == nil {
		err = tw.Close()
	} else {
		tw.Close()
	}
	if gzErr := gz.Close(); err == nil {
		err = gzErr
	}
	if closeErr := out.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(archivePath)
		return "", fmt.Errorf("packing message %s: %w", m.ID, err)
	}
	return archivePath, nil
}

// UnpackMessage extracts an archive blob into destDir and loads the message
// it contains. Any extraction failure yields a *CorruptMessageError so the
// receive loop can skip the blob without aborting the poll. Entries whose
// cleaned path would escape destDir are rejected.
func UnpackMessage(archivePath, destDir string) (*Message, error) {
	id := strings.TrimSuffix(filepath.Base(archivePath), ArchiveExt)

	f, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	defer f.Close()

	if err := extractTarGz(f, destDir); err != nil {
		return nil, &CorruptMessageError{MessageID: id, Reason: "unextractable archive", Err: err}
	}

	m, err := LoadMessage(destDir)
	if err != nil {
		var corrupt *CorruptMessageError
		if errors.As(err, &corrupt) {
			corrupt.MessageID = id
		}
		return nil, err
	}
	return m, nil
}

func extractTarGz(r io.Reader, destDir string) error {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return fmt.Errorf("creating extraction directory: %w", err)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("reading gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading tar stream: %w", err)
		}

		name := filepath.FromSlash(hdr.Name)
		if filepath.IsAbs(name) || strings.HasPrefix(filepath.Clean(name), "..") {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}
		target := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(hdr.Mode).Perm()|0700); err != nil {
				return fmt.Errorf("creating directory %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return fmt.Errorf("creating parent of %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return fmt.Errorf("creating %s: %w", hdr.Name, err)
			}
			_, err = io.Copy(out, tr)
			if closeErr := out.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return fmt.Errorf("extracting %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks, devices, and other special entries are never packed;
			// their presence means a tampered or foreign archive.
			return fmt.Errorf("unsupported archive entry type %d: %s", hdr.Typeflag, hdr.Name)
		}
	}
}
