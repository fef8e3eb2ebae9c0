package backup

import (
	"archive/tar"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/juju/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/ulikunitz/xz"
)

// Archive formats.
const (
	FormatGzTar = "gztar"
	FormatXzTar = "xztar"
)

// Extension returns the archive file extension for format.
func Extension(format string) (string, error) {
	switch format {
	case "", FormatGzTar:
		return ".tar.gz", nil
	case FormatXzTar:
		return ".tar.xz", nil
	default:
		return "", errors.NotValidf("archive format %q", format)
	}
}

func compressor(format string, w io.Writer) (io.WriteCloser, error) {
	switch format {
	case "", FormatGzTar:
		return gzip.NewWriter(w), nil
	case FormatXzTar:
		return xz.NewWriter(w)
	default:
		return nil, errors.NotValidf("archive format %q", format)
	}
}

// writeArchive compresses the contents of srcDir into dst. Entry names are
// relative to srcDir. dst is created exclusively; an existing file yields
// ErrArchiveExists and is left untouched. A partially written dst is removed.
func writeArchive(srcDir, dst, format string) (size int64, err error) {
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return 0, errors.Annotatef(ErrArchiveExists, "%s", dst)
		}
		return 0, errors.Annotate(err, "creating archive file")
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(dst)
		}
	}()

	cw, err := compressor(format, f)
	if err != nil {
		return 0, errors.Trace(err)
	}
	tw := tar.NewWriter(cw)
	if err := addTree(tw, srcDir); err != nil {
		return 0, errors.Annotatef(err, "archiving %s", srcDir)
	}
	if err := tw.Close(); err != nil {
		return 0, errors.Annotate(err, "closing tar stream")
	}
	if err := cw.Close(); err != nil {
		return 0, errors.Annotate(err, "closing compressor")
	}
	if err := f.Sync(); err != nil {
		return 0, errors.Annotate(err, "syncing archive file")
	}
	info, err := f.Stat()
	if err != nil {
		return 0, errors.Trace(err)
	}
	if err := f.Close(); err != nil {
		return 0, errors.Annotate(err, "closing archive file")
	}
	return info.Size(), nil
}

func addTree(tw *tar.Writer, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
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
		var link string
		if info.Mode()&fs.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}
		hdr, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr.Name += "/"
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer func() { _ = src.Close() }()
		_, err = io.Copy(tw, src)
		return err
	})
}

// readArchive opens a compressed tar produced by writeArchive.
func readArchive(path, format string) (*tar.Reader, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Trace(err)
	}
	var r io.Reader
	switch format {
	case "", FormatGzTar:
		zr, err := gzip.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, nil, errors.Trace(err)
		}
		r = zr
	case FormatXzTar:
		xr, err := xz.NewReader(f)
		if err != nil {
			_ = f.Close()
			return nil, nil, errors.Trace(err)
		}
		r = xr
	default:
		_ = f.Close()
		return nil, nil, errors.NotValidf("archive format %q", format)
	}
	return tar.NewReader(r), f, nil
}

// Entries lists the member names of an archive.
func Entries(path, format string) ([]string, error) {
	tr, c, err := readArchive(path, format)
	if err != nil {
		return nil, err
	}
	defer func() { _ = c.Close() }()
	var names []string
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return names, nil
		}
		if err != nil {
			return nil, errors.Annotatef(err, "reading %s", path)
		}
		names = append(names, hdr.Name)
	}
}
