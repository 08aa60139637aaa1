package omr

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	"gocv.io/x/gocv"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// Source identifies one input image, either a file on disk or an in-memory buffer.
type Source struct {
	ID   string
	Path string
	Data []byte
}

// FileSource reads the image at path. The path doubles as its identifier.
func FileSource(path string) Source {
	return Source{ID: path, Path: path}
}

// BytesSource decodes an already loaded image buffer.
func BytesSource(id string, data []byte) Source {
	return Source{ID: id, Data: data}
}

// FileSources wraps every path in a FileSource.
func FileSources(paths []string) []Source {
	sources := make([]Source, 0, len(paths))
	for _, p := range paths {
		sources = append(sources, FileSource(p))
	}
	return sources
}

func (s Source) name() string {
	if s.ID != "" {
		return s.ID
	}
	return filepath.Base(s.Path)
}

// RawImage is a decoded input photograph. Later stages only read from it.
type RawImage struct {
	color gocv.Mat
	gray  gocv.Mat
}

// Size returns the width and height in pixels.
func (r *RawImage) Size() image.Point {
	return image.Pt(r.gray.Cols(), r.gray.Rows())
}

// Gray returns the single channel derivative used by every stage.
func (r *RawImage) Gray() gocv.Mat {
	return r.gray
}

func (r *RawImage) Close() error {
	r.color.Close()
	return r.gray.Close()
}

// DecodeImage loads a Source into a RawImage.
func DecodeImage(src Source) (*RawImage, error) {
	data := src.Data
	if data == nil {
		if src.Path == "" {
			return nil, newIOFailureError(errors.New("source has neither a path nor data"))
		}
		var err error
		data, err = os.ReadFile(src.Path)
		if err != nil {
			return nil, newIOFailureError(err)
		}
	}

	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil || img.Empty() {
		img.Close()
		// OpenCV builds differ in codec support; fall back to the Go decoders
		img, err = decodeWithGo(data)
		if err != nil {
			return nil, newUnsupportedFormatError(err)
		}
	}

	gray := gocv.NewMat()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)
	return &RawImage{color: img, gray: gray}, nil
}

func decodeWithGo(data []byte) (gocv.Mat, error) {
	decoded, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return gocv.NewMat(), err
	}
	mat, err := gocv.ImageToMatRGB(decoded)
	if err != nil {
		return mat, fmt.Errorf("convert %s image: %w", format, err)
	}
	return mat, nil
}
