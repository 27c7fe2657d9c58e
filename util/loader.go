// Package util - Image file loading and logger setup for the command line tools.
package util

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/nvr-ai/gridnet/images"
)

// ImageFile represents an image file.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Data is the raw bytes of the image file.
	Data []byte
	// Frame is the frame number parsed from a "frame-<n>" name, or -1.
	Frame int
}

// Image wraps the file contents for decoding.
func (f ImageFile) Image() *images.Image {
	return &images.Image{Data: f.Data}
}

// IsImageFile reports whether path has a supported image extension.
func IsImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}

// LoadImageFile reads a single image file.
func LoadImageFile(path string) (ImageFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ImageFile{}, errors.Wrap(err, "reading image")
	}
	return ImageFile{Path: path, Data: data, Frame: frameNumber(path)}, nil
}

// LoadDirectoryImageFiles reads all image files from a directory.
//
// Files named "frame-<n>" are ordered by frame number ahead of the others,
// which are ordered by name.
//
// Arguments:
// - dir: Directory path containing image files.
//
// Returns:
// - []ImageFile: Slice of ImageFile, each containing the raw bytes of an image file.
// - error: Error if loading fails.
func LoadDirectoryImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrap(err, "reading image directory")
	}

	var files []ImageFile
	for _, entry := range entries {
		if entry.IsDir() || !IsImageFile(entry.Name()) {
			continue
		}
		f, err := LoadImageFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		files = append(files, f)
	}

	sort.SliceStable(files, func(i, j int) bool {
		a, b := files[i], files[j]
		if (a.Frame >= 0) != (b.Frame >= 0) {
			return a.Frame >= 0
		}
		if a.Frame != b.Frame {
			return a.Frame < b.Frame
		}
		return a.Path < b.Path
	})

	return files, nil
}

// LoadImages loads a list of files and directories, expanding directories
// with LoadDirectoryImageFiles.
func LoadImages(paths []string) ([]ImageFile, error) {
	var out []ImageFile
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, errors.Wrapf(err, "loading %s", p)
		}
		if info.IsDir() {
			files, err := LoadDirectoryImageFiles(p)
			if err != nil {
				return nil, err
			}
			out = append(out, files...)
			continue
		}
		f, err := LoadImageFile(p)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

func frameNumber(path string) int {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if !strings.HasPrefix(name, "frame-") {
		return -1
	}
	n, err := strconv.Atoi(strings.TrimPrefix(name, "frame-"))
	if err != nil || n < 0 {
		return -1
	}
	return n
}
