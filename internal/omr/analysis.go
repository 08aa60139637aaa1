package omr

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"strings"

	"gocv.io/x/gocv"
)

// writeAnalysis saves the raw photo with the detected page outline and the rectified page
// with every sample point and the marker box, next to each other in dir.
func writeAnalysis(dir string, src Source, raw *RawImage, quad Quadrilateral, page *CanonicalPage, cls Classification) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	base := analysisBase(src)

	photo := raw.color.Clone()
	defer photo.Close()
	drawQuadrilateral(&photo, quad, color.RGBA{0, 255, 0, 0}, 5)
	photoPath := filepath.Join(dir, base+"-corners.jpg")
	if !gocv.IMWrite(photoPath, photo) {
		return fmt.Errorf("write %s", photoPath)
	}

	overlay := page.Mat().Clone()
	defer overlay.Close()
	drawSamples(&overlay, page.Samples())
	gocv.Rectangle(&overlay, cls.Marker, color.RGBA{128, 128, 128, 0}, 10)
	pagePath := filepath.Join(dir, base+"-analysis.png")
	if !gocv.IMWrite(pagePath, overlay) {
		return fmt.Errorf("write %s", pagePath)
	}
	return nil
}

func analysisBase(src Source) string {
	name := src.Path
	if name == "" {
		name = src.ID
	}
	name = filepath.Base(name)
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// drawQuadrilateral outlines the page edges: top, right, bottom, left.
func drawQuadrilateral(img *gocv.Mat, q Quadrilateral, clr color.RGBA, thickness int) {
	points := []image.Point{q.TopLeft, q.TopRight, q.BottomRight, q.BottomLeft}
	for i := 0; i < len(points); i++ {
		start := points[i]
		end := points[(i+1)%len(points)]
		gocv.Line(img, start, end, clr, thickness)
	}
}

func drawSamples(img *gocv.Mat, samples []image.Point) {
	gray := color.RGBA{128, 128, 128, 0}
	for _, p := range samples {
		gocv.Rectangle(img, image.Rectangle{Min: p, Max: p}, gray, 1)
	}
}
