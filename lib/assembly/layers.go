package assembly

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/google/go-containerregistry/pkg/v1/types"
)

// layerEpoch is the fixed timestamp written into layer tar headers so that
// identical inputs produce identical layer digests.
var layerEpoch = time.Unix(0, 0)

// layerFromDir packages srcDir as an image layer rooted at rootPath
// (e.g. /usr/src/app). The tar is written to tarPath and built
// deterministically: lexical entry order, zeroed timestamps, no ownership.
func layerFromDir(srcDir, rootPath, tarPath string) (v1.Layer, error) {
	if err := os.MkdirAll(filepath.Dir(tarPath), 0755); err != nil {
		return nil, fmt.Errorf("create layers dir: %w", err)
	}

	f, err := os.Create(tarPath)
	if err != nil {
		return nil, fmt.Errorf("create layer tar: %w", err)
	}

	if err := writeLayerTar(f, srcDir, rootPath); err != nil {
		f.Close()
		os.Remove(tarPath)
		return nil, err
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close layer tar: %w", err)
	}

	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return os.Open(tarPath)
	}, tarball.WithMediaType(types.OCILayer))
}

func writeLayerTar(w io.Writer, srcDir, rootPath string) error {
	tw := tar.NewWriter(w)

	root := strings.Trim(path.Clean(rootPath), "/")
	if root == "" || root == "." {
		return fmt.Errorf("layer root path %q is not usable", rootPath)
	}

	// Directory chain for the root path itself.
	var prefix string
	for _, part := range strings.Split(root, "/") {
		prefix = path.Join(prefix, part)
		if err := tw.WriteHeader(dirHeader(prefix)); err != nil {
			return fmt.Errorf("write dir header: %w", err)
		}
	}

	err := filepath.WalkDir(srcDir, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(srcDir, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		name := path.Join(root, filepath.ToSlash(rel))
		fi, err := d.Info()
		if err != nil {
			return err
		}

		switch {
		case d.IsDir():
			hdr := dirHeader(name)
			hdr.Mode = int64(fi.Mode().Perm())
			return tw.WriteHeader(hdr)

		case fi.Mode()&os.ModeSymlink != 0:
			link, err := os.Readlink(p)
			if err != nil {
				return fmt.Errorf("read symlink %s: %w", rel, err)
			}
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeSymlink,
				Name:     name,
				Linkname: link,
				Mode:     0777,
				ModTime:  layerEpoch,
				Format:   tar.FormatPAX,
			})

		case fi.Mode().IsRegular():
			hdr := &tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Size:     fi.Size(),
				Mode:     int64(fi.Mode().Perm()),
				ModTime:  layerEpoch,
				Format:   tar.FormatPAX,
			}
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("write header %s: %w", name, err)
			}
			src, err := os.Open(p)
			if err != nil {
				return fmt.Errorf("open %s: %w", rel, err)
			}
			_, err = io.Copy(tw, src)
			src.Close()
			if err != nil {
				return fmt.Errorf("write %s: %w", name, err)
			}
			return nil

		default:
			return nil
		}
	})
	if err != nil {
		return err
	}

	return tw.Close()
}

func dirHeader(name string) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     name + "/",
		Mode:     0755,
		ModTime:  layerEpoch,
		Format:   tar.FormatPAX,
	}
}
