package imageio

import (
	iface "TensorPrepServer/interface"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

var imageExts = []string{".jpg", ".jpeg", ".JPG", ".JPEG"}

func IsImageFile(name string) bool {
	for _, ext := range imageExts {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

// FindImages expands files and directories into absolute JPEG paths.
// Directories are walked recursively in lexical order.
func FindImages(paths []string) ([]string, error) {
	var out []string
	for _, p := range paths {
		info, err := os.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", iface.ErrNotFound, p)
		}
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if IsImageFile(p) {
				abs, err := filepath.Abs(p)
				if err != nil {
					return nil, err
				}
				out = append(out, abs)
			}
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || !IsImageFile(d.Name()) {
				return nil
			}
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			out = append(out, abs)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}
