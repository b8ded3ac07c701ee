package pack

import (
	"archive/tar"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/pgzip"
)

// createArchive writes srcDir as a gzip-compressed tarball at outPath.
// Entry names are relative to srcDir so extraction is relocatable.
func createArchive(srcDir, outPath string) (err error) {
	out, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer func() {
		if cerr := out.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	gz := pgzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	walkErr := filepath.WalkDir(srcDir, func(path string, d os.DirEntry, werr error) error {
		if werr != nil {
			return werr
		}
		rel, rerr := filepath.Rel(srcDir, path)
		if rerr != nil {
			return rerr
		}
		if rel == "." {
			return nil
		}

		info, ierr := d.Info()
		if ierr != nil {
			return ierr
		}
		hdr, herr := tar.FileInfoHeader(info, "")
		if herr != nil {
			return herr
		}
		hdr.Name = filepath.ToSlash(rel)

		if terr := tw.WriteHeader(hdr); terr != nil {
			return terr
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, ferr := os.Open(path)
		if ferr != nil {
			return ferr
		}
		defer f.Close()
		_, cerr := io.Copy(tw, f)
		return cerr
	})
	if walkErr != nil {
		return fmt.Errorf("failed to archive %s: %w", srcDir, walkErr)
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	return nil
}

// extractArchive unpacks a gzip-compressed tarball into outDir. Entries
// escaping outDir are rejected.
func extractArchive(packagePath, outDir string) error {
	in, err := os.Open(packagePath)
	if err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	defer in.Close()

	gz, err := pgzip.NewReader(in)
	if err != nil {
		return fmt.Errorf("failed to read archive: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read archive entry: %w", err)
		}

		target := filepath.Join(outDir, filepath.FromSlash(hdr.Name))
		if !strings.HasPrefix(target, filepath.Clean(outDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode().Perm()); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create directory: %w", err)
			}
			if err := writeEntry(target, hdr.FileInfo().Mode().Perm(), tr); err != nil {
				return err
			}
		default:
			// Checkpoint directories hold only regular files and
			// directories; anything else is dropped.
			continue
		}
	}
}

func writeEntry(target string, mode os.FileMode, r io.Reader) error {
	f, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return nil
}

// fileSHA256 streams a file through SHA-256 and returns the hex digest.
func fileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to checksum %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
