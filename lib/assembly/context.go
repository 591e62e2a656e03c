package assembly

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// materializeFromDir copies an exact snapshot of srcDir into destDir.
// Copy is all-or-nothing: the caller removes destDir on any error.
func materializeFromDir(srcDir, destDir string) error {
	info, err := os.Stat(srcDir)
	if err != nil {
		return fmt.Errorf("stat context dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("context %s is not a directory", srcDir)
	}

	return filepath.WalkDir(srcDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		target, err := securejoin.SecureJoin(destDir, rel)
		if err != nil {
			return fmt.Errorf("%w: %s", ErrInvalidContextPath, rel)
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			return os.MkdirAll(target, fi.Mode().Perm())
		case fi.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(path)
			if err != nil {
				return fmt.Errorf("read symlink %s: %w", rel, err)
			}
			return os.Symlink(link, target)
		case fi.Mode().IsRegular():
			return copyFile(path, target, fi.Mode().Perm())
		default:
			// Sockets, devices and fifos have no place in a build context.
			return nil
		}
	})
}

func copyFile(src, dest string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("create parent dir: %w", err)
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	return out.Close()
}

// materializeFromArchive extracts a tar.gz build context into destDir,
// aborting once extracted content exceeds maxBytes. Entry paths are
// resolved with securejoin so no entry can escape destDir.
func materializeFromArchive(r io.Reader, destDir string, maxBytes int64) (int64, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return 0, fmt.Errorf("create context dir: %w", err)
	}

	gzr, err := gzip.NewReader(r)
	if err != nil {
		return 0, fmt.Errorf("gzip reader: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)

	var extracted int64
	for {
		header, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return extracted, fmt.Errorf("read tar header: %w", err)
		}

		if filepath.IsAbs(header.Name) {
			return extracted, fmt.Errorf("%w: absolute path %s", ErrInvalidContextPath, header.Name)
		}
		target, err := securejoin.SecureJoin(destDir, header.Name)
		if err != nil {
			return extracted, fmt.Errorf("%w: %s", ErrInvalidContextPath, header.Name)
		}

		if extracted+header.Size > maxBytes {
			return extracted, fmt.Errorf("%w: would exceed %d bytes", ErrContextTooLarge, maxBytes)
		}

		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(header.Mode).Perm()); err != nil {
				return extracted, fmt.Errorf("create dir %s: %w", header.Name, err)
			}

		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return extracted, fmt.Errorf("create parent dir: %w", err)
			}

			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(header.Mode).Perm())
			if err != nil {
				return extracted, fmt.Errorf("create file %s: %w", header.Name, err)
			}

			// LimitReader is a second line of defense against headers
			// that lie about their size.
			n, err := io.Copy(f, io.LimitReader(tr, maxBytes-extracted+1))
			f.Close()
			if err != nil {
				return extracted, fmt.Errorf("write file %s: %w", header.Name, err)
			}
			extracted += n

			if extracted > maxBytes {
				return extracted, fmt.Errorf("%w: exceeded %d bytes", ErrContextTooLarge, maxBytes)
			}

		case tar.TypeSymlink:
			if filepath.IsAbs(header.Linkname) {
				return extracted, fmt.Errorf("%w: absolute symlink target", ErrInvalidContextPath)
			}
			resolved, err := securejoin.SecureJoin(filepath.Dir(target), header.Linkname)
			if err != nil || !pathWithin(destDir, resolved) {
				return extracted, fmt.Errorf("%w: symlink escapes context", ErrInvalidContextPath)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return extracted, fmt.Errorf("create parent dir: %w", err)
			}
			if err := os.Symlink(header.Linkname, target); err != nil {
				return extracted, fmt.Errorf("create symlink %s: %w", header.Name, err)
			}

		default:
			// Skip devices, fifos and other special entries.
			continue
		}
	}

	return extracted, nil
}

func pathWithin(root, path string) bool {
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(path))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator)))
}

// materializeFromGit clones a repository into destDir as the build
// context. ref optionally pins a branch or tag. The .git directory is
// removed afterwards; the snapshot is the worktree only.
func materializeFromGit(ctx context.Context, url, ref, destDir string) error {
	opts := &gogit.CloneOptions{
		URL:          url,
		Depth:        1,
		SingleBranch: true,
	}
	if ref != "" {
		opts.ReferenceName = plumbing.ReferenceName(ref)
		if !plumbing.ReferenceName(ref).IsBranch() && !plumbing.ReferenceName(ref).IsTag() {
			// Accept bare names like "main" or "v1.2.0".
			opts.ReferenceName = plumbing.NewBranchReferenceName(ref)
		}
	}

	if _, err := gogit.PlainCloneContext(ctx, destDir, false, opts); err != nil {
		if ref != "" {
			// Retry as a tag before giving up on a bare name.
			opts.ReferenceName = plumbing.NewTagReferenceName(ref)
			if _, tagErr := gogit.PlainCloneContext(ctx, destDir, false, opts); tagErr == nil {
				return os.RemoveAll(filepath.Join(destDir, ".git"))
			}
		}
		return fmt.Errorf("clone %s: %w", url, err)
	}

	return os.RemoveAll(filepath.Join(destDir, ".git"))
}
