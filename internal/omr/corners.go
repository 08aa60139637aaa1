package omr

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

// Quadrilateral holds the four page corners in raw image coordinates.
type Quadrilateral struct {
	TopLeft     image.Point `json:"top_left"`
	TopRight    image.Point `json:"top_right"`
	BottomLeft  image.Point `json:"bottom_left"`
	BottomRight image.Point `json:"bottom_right"`
}

// Points returns the corners in the order TopLeft, TopRight, BottomLeft, BottomRight.
func (q Quadrilateral) Points() [4]image.Point {
	return [4]image.Point{q.TopLeft, q.TopRight, q.BottomLeft, q.BottomRight}
}

// Degenerate reports whether any two corners coincide.
func (q Quadrilateral) Degenerate() bool {
	pts := q.Points()
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			if pts[i] == pts[j] {
				return true
			}
		}
	}
	return false
}

func (q Quadrilateral) String() string {
	return fmt.Sprintf("tl=%v tr=%v bl=%v br=%v", q.TopLeft, q.TopRight, q.BottomLeft, q.BottomRight)
}

// Geometry is the outcome of corner detection: the page corners plus the Otsu binarized
// image the rectifier warps. The caller owns Binary.
type Geometry struct {
	Corners   Quadrilateral
	Vertices  int
	OtsuLevel float32
	Binary    gocv.Mat
}

func (g *Geometry) Close() error {
	return g.Binary.Close()
}

// DetectCorners finds the triangular markers printed at the corners of the form and
// assigns each logical page corner the nearest triangle vertex.
func DetectCorners(raw *RawImage, cal Calibration) (*Geometry, error) {
	gray := raw.Gray()

	// Otsu binarization of the smoothed image, used for the rectified page
	blur := gocv.NewMat()
	defer blur.Close()
	k := cal.BlurKernel
	gocv.GaussianBlur(gray, &blur, image.Pt(k, k), 0, 0, gocv.BorderDefault)

	otsu := gocv.NewMat()
	level := gocv.Threshold(blur, &otsu, 0, 255, gocv.ThresholdBinary+gocv.ThresholdOtsu)

	// Fixed inverted threshold so the printed markers become foreground
	geom := gocv.NewMat()
	defer geom.Close()
	gocv.Threshold(gray, &geom, cal.GeometryThreshold, 255, gocv.ThresholdBinaryInv)

	mode := gocv.RetrievalExternal
	if cal.NestedContours {
		mode = gocv.RetrievalList
	}
	triangles := findTriangleVertices(geom, mode, cal.ApproxEpsilon)

	quad, ok := assignCorners(triangles, raw.Size())
	if !ok || quad.Degenerate() {
		otsu.Close()
		return nil, newGeometryNotFoundError(len(triangles), quad)
	}

	return &Geometry{
		Corners:   quad,
		Vertices:  len(triangles),
		OtsuLevel: level,
		Binary:    otsu,
	}, nil
}

// findTriangleVertices returns the vertices of every contour that approximates to a triangle.
func findTriangleVertices(binary gocv.Mat, mode gocv.RetrievalMode, epsilon float64) []image.Point {
	contours := gocv.FindContours(binary, mode, gocv.ChainApproxSimple)
	defer contours.Close()

	var vertices []image.Point
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		approx := gocv.ApproxPolyDP(contour, epsilon*gocv.ArcLength(contour, true), true)
		if approx.Size() == 3 {
			vertices = append(vertices, approx.ToPoints()...)
		}
		approx.Close()
	}
	return vertices
}

// assignCorners keeps, for each image corner, the closest vertex seen so far.
// Ties keep the earlier vertex. ok is false when there are no vertices at all.
func assignCorners(vertices []image.Point, size image.Point) (Quadrilateral, bool) {
	targets := [4]image.Point{
		image.Pt(0, 0),
		image.Pt(size.X, 0),
		image.Pt(0, size.Y),
		image.Pt(size.X, size.Y),
	}
	var best [4]image.Point
	bestDist := [4]float64{math.Inf(1), math.Inf(1), math.Inf(1), math.Inf(1)}

	for _, v := range vertices {
		for i, t := range targets {
			d := distance(t, v)
			if d < bestDist[i] {
				bestDist[i] = d
				best[i] = v
			}
		}
	}

	quad := Quadrilateral{TopLeft: best[0], TopRight: best[1], BottomLeft: best[2], BottomRight: best[3]}
	return quad, len(vertices) > 0
}

func distance(a, b image.Point) float64 {
	return math.Hypot(float64(b.X-a.X), float64(b.Y-a.Y))
}
