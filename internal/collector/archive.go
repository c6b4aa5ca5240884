package collector

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
)

// archiveDir tars and zstd-compresses (level 3) every regular file directly
// under dir into dstPath, fsyncs the result, then removes dir. Only a fully
// written dstPath is ever visible to the janitor; on any failure while
// writing dstPath it is removed and dir is left in place for the caller to
// report. If only the final removal of dir fails, the completed dstPath is
// kept and the error is still returned.
func archiveDir(dir, dstPath string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("archive: read %s: %w", dir, err)
	}

	out, err := os.Create(dstPath)
	if err != nil {
		return fmt.Errorf("archive: create %s: %w", dstPath, err)
	}

	if err := writeArchive(out, dir, entries); err != nil {
		out.Close()
		os.Remove(dstPath)
		return err
	}

	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(dstPath)
		return fmt.Errorf("archive: fsync %s: %w", dstPath, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(dstPath)
		return fmt.Errorf("archive: close %s: %w", dstPath, err)
	}

	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("archive: remove source dir %s: %w", dir, err)
	}
	return nil
}

func writeArchive(out *os.File, dir string, entries []os.DirEntry) error {
	zw, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("archive: new zstd writer: %w", err)
	}
	tw := tar.NewWriter(zw)

	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if err := addFile(tw, dir, ent); err != nil {
			tw.Close()
			zw.Close()
			return err
		}
	}

	if err := tw.Close(); err != nil {
		zw.Close()
		return fmt.Errorf("archive: close tar writer: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("archive: close zstd writer: %w", err)
	}
	return nil
}

func addFile(tw *tar.Writer, dir string, ent os.DirEntry) error {
	info, err := ent.Info()
	if err != nil {
		return fmt.Errorf("archive: stat %s: %w", ent.Name(), err)
	}

	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return fmt.Errorf("archive: header for %s: %w", ent.Name(), err)
	}
	hdr.Name = ent.Name()

	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("archive: write header for %s: %w", ent.Name(), err)
	}

	f, err := os.Open(filepath.Join(dir, ent.Name()))
	if err != nil {
		return fmt.Errorf("archive: open %s: %w", ent.Name(), err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("archive: copy %s: %w", ent.Name(), err)
	}
	return nil
}
