// Package imageio decodes source images into HWC uint8 BGR buffers and
// discovers image files on disk.
package imageio

import (
	iface "TensorPrepServer/interface"
	"TensorPrepServer/tensor"
	"bytes"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"strings"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"
	_ "golang.org/x/image/webp"
)

// Decoder turns a file into an HWC uint8 buffer in BGR channel order.
type Decoder interface {
	Decode(path string) (tensor.Buffer, error)
}

// BytesDecoder decodes an encoded image held in memory, e.g. an upload.
type BytesDecoder interface {
	Decoder
	DecodeBytes(data []byte) (tensor.Buffer, error)
}

// New returns the decoder registered under name: "gocv" (default) or "imaging".
func New(name string) (BytesDecoder, error) {
	switch strings.ToLower(name) {
	case "", "gocv":
		return GocvDecoder{}, nil
	case "imaging":
		return ImagingDecoder{AutoOrient: true}, nil
	}
	return nil, fmt.Errorf("%w: unknown decoder %q", iface.ErrConfiguration, name)
}

func checkFile(path string) error {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: image %s", iface.ErrNotFound, path)
	}
	if err != nil {
		return err
	}
	if info.IsDir() {
		return fmt.Errorf("%w: %s is a directory", iface.ErrUnsupportedFormat, path)
	}
	return nil
}

type GocvDecoder struct{}

func (GocvDecoder) Decode(path string) (tensor.Buffer, error) {
	if err := checkFile(path); err != nil {
		return tensor.Buffer{}, err
	}
	mat := gocv.IMRead(path, gocv.IMReadColor)
	defer mat.Close()
	if mat.Empty() {
		return tensor.Buffer{}, fmt.Errorf("%w: cannot decode %s", iface.ErrUnsupportedFormat, path)
	}
	return tensor.FromMat(mat)
}

func (GocvDecoder) DecodeBytes(data []byte) (tensor.Buffer, error) {
	mat, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return tensor.Buffer{}, fmt.Errorf("%w: %v", iface.ErrUnsupportedFormat, err)
	}
	defer mat.Close()
	if mat.Empty() {
		return tensor.Buffer{}, fmt.Errorf("%w: decoded image is empty", iface.ErrUnsupportedFormat)
	}
	return tensor.FromMat(mat)
}

// ImagingDecoder is the pure Go decoder. It covers the formats registered
// with image.Decode (JPEG, PNG, GIF, WebP) and applies EXIF orientation.
type ImagingDecoder struct {
	AutoOrient bool
}

func (d ImagingDecoder) Decode(path string) (tensor.Buffer, error) {
	if err := checkFile(path); err != nil {
		return tensor.Buffer{}, err
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(d.AutoOrient))
	if err != nil {
		return tensor.Buffer{}, fmt.Errorf("%w: %s: %v", iface.ErrUnsupportedFormat, path, err)
	}
	return FromImage(img)
}

func (d ImagingDecoder) DecodeBytes(data []byte) (tensor.Buffer, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(d.AutoOrient))
	if err != nil {
		return tensor.Buffer{}, fmt.Errorf("%w: %v", iface.ErrUnsupportedFormat, err)
	}
	return FromImage(img)
}

// FromImage converts any image.Image to an HWC uint8 BGR buffer, matching
// what gocv.IMRead produces.
func FromImage(img image.Image) (tensor.Buffer, error) {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Bounds().Dx(), nrgba.Bounds().Dy()
	buf, err := tensor.NewUint8(h, w, 3, nil)
	if err != nil {
		return tensor.Buffer{}, err
	}
	for y := 0; y < h; y++ {
		src := nrgba.Pix[y*nrgba.Stride : y*nrgba.Stride+w*4]
		dst := buf.U8[y*w*3 : (y+1)*w*3]
		for x := 0; x < w; x++ {
			dst[x*3+0] = src[x*4+2]
			dst[x*3+1] = src[x*4+1]
			dst[x*3+2] = src[x*4+0]
		}
	}
	return buf, nil
}
