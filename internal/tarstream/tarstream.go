// Package tarstream produces the byte stream a backup job consumes: a tar
// archive of the selected file or directory, optionally xz-compressed.
// The writer side runs in its own goroutine feeding a pipe, so the reader
// never blocks on archive construction; aborting the job closes the pipe.
package tarstream

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

// Options controls the produced stream.
type Options struct {
	Compress bool // wrap the tar stream in xz
}

// Open returns a reader over the tar stream of path. Closing the returned
// reader kills the producer goroutine.
func Open(path string, opts Options) (io.ReadCloser, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("tarstream: %w", err)
	}

	pr, pw := io.Pipe()
	go func() {
		var sink io.Writer = pw
		var xzw *xz.Writer
		if opts.Compress {
			var err error
			xzw, err = xz.NewWriter(pw)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("tarstream: xz: %w", err))
				return
			}
			sink = xzw
		}
		tw := tar.NewWriter(sink)
		err := writeTree(tw, path, info)
		if cerr := tw.Close(); err == nil {
			err = cerr
		}
		if xzw != nil {
			if cerr := xzw.Close(); err == nil {
				err = cerr
			}
		}
		pw.CloseWithError(err)
	}()
	return pr, nil
}

func writeTree(tw *tar.Writer, root string, rootInfo os.FileInfo) error {
	if !rootInfo.IsDir() {
		return writeFile(tw, root, filepath.Base(root), rootInfo)
	}
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
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
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = rel + "/"
			return tw.WriteHeader(hdr)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return writeFile(tw, path, rel, info)
	})
}

func writeFile(tw *tar.Writer, path, name string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// Extract unpacks a stream produced by Open into destDir.
func Extract(r io.Reader, destDir string, opts Options) error {
	var src io.Reader = r
	if opts.Compress {
		xzr, err := xz.NewReader(r)
		if err != nil {
			return fmt.Errorf("tarstream: xz: %w", err)
		}
		src = xzr
	}
	tr := tar.NewReader(src)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("tarstream: extract: %w", err)
		}
		target := filepath.Join(destDir, filepath.FromSlash(hdr.Name))
		if !filepath.IsLocal(hdr.Name) {
			return fmt.Errorf("tarstream: unsafe entry name %q", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o700); err != nil {
				return fmt.Errorf("tarstream: extract: %w", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o700); err != nil {
				return fmt.Errorf("tarstream: extract: %w", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
			if err != nil {
				return fmt.Errorf("tarstream: extract: %w", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return fmt.Errorf("tarstream: extract: %w", err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("tarstream: extract: %w", err)
			}
		}
	}
}
