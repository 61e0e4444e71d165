package types

import (
	"image"

	"gocv.io/x/gocv"
)

// Frame is a single decoded BGR frame handed through the pipeline.
// Index is 0-based and strictly increasing within a job.
type Frame struct {
	Index int
	Mat   gocv.Mat
}

func (f Frame) Width() int  { return f.Mat.Cols() }
func (f Frame) Height() int { return f.Mat.Rows() }

// Close releases the native buffer behind the frame.
func (f Frame) Close() {
	f.Mat.Close()
}

// FaceRegion matches the face locator output: [top, right, bottom, left]
type FaceRegion struct {
	Top    int `json:"top"`
	Right  int `json:"right"`
	Bottom int `json:"bottom"`
	Left   int `json:"left"`
}

func (f FaceRegion) Rect() image.Rectangle {
	return image.Rect(f.Left, f.Top, f.Right, f.Bottom)
}

// PlateRegion is a license plate candidate that passed the OCR filters.
type PlateRegion struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	W          int     `json:"w"`
	H          int     `json:"h"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"` // 0.0 - 1.0
}

func (p PlateRegion) Rect() image.Rectangle {
	return image.Rect(p.X, p.Y, p.X+p.W, p.Y+p.H)
}

// DetectionResult holds everything found on one frame, in locator order.
type DetectionResult struct {
	Faces  []FaceRegion
	Plates []PlateRegion
}

func (d DetectionResult) Empty() bool {
	return len(d.Faces) == 0 && len(d.Plates) == 0
}
