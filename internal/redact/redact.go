package redact

import (
	"fmt"
	"image"
	"image/color"

	"github.com/andresmejia3/shroud/internal/types"
	"gocv.io/x/gocv"
)

var (
	faceColor  = color.RGBA{G: 255}
	plateColor = color.RGBA{R: 255}
)

// Redactor blurs detected regions. KernelSize must be odd.
type Redactor struct {
	KernelSize int
	Sigma      float64
	Overlay    bool
}

func New(kernelSize int, sigma float64, overlay bool) *Redactor {
	return &Redactor{KernelSize: kernelSize, Sigma: sigma, Overlay: overlay}
}

func (r *Redactor) Validate() error {
	if r.KernelSize < 1 || r.KernelSize%2 == 0 {
		return fmt.Errorf("blur kernel must be a positive odd number, got %d", r.KernelSize)
	}
	if r.Sigma < 0 {
		return fmt.Errorf("blur sigma must be >= 0, got %v", r.Sigma)
	}
	return nil
}

// Redact returns a new frame with every face, then every plate, blurred in place of the original pixels.
// The input is left untouched; the caller owns both.
func (r *Redactor) Redact(frame gocv.Mat, res types.DetectionResult) gocv.Mat {
	out := frame.Clone()
	for _, f := range res.Faces {
		r.blurRegion(&out, f.Rect())
	}
	for _, p := range res.Plates {
		r.blurRegion(&out, p.Rect())
	}
	return out
}

// Annotate draws the detection boxes onto frame.
func (r *Redactor) Annotate(frame *gocv.Mat, res types.DetectionResult) {
	for _, f := range res.Faces {
		gocv.Rectangle(frame, f.Rect(), faceColor, 2)
	}
	for _, p := range res.Plates {
		rect := p.Rect()
		gocv.Rectangle(frame, rect, plateColor, 2)
		gocv.PutText(frame, "Plate: "+p.Text, image.Pt(rect.Min.X, rect.Min.Y-10), gocv.FontHersheySimplex, 0.5, plateColor, 2)
	}
}

// Process redacts (when enabled) and annotates (when Overlay is set).
// It returns a new Mat when anything was changed, otherwise ok is false and frame should be used as is.
func (r *Redactor) Process(frame gocv.Mat, res types.DetectionResult, depersonalize bool) (out gocv.Mat, ok bool) {
	if !depersonalize && !r.Overlay {
		return gocv.Mat{}, false
	}
	if depersonalize {
		out = r.Redact(frame, res)
	} else {
		out = frame.Clone()
	}
	if r.Overlay {
		r.Annotate(&out, res)
	}
	return out, true
}

func (r *Redactor) blurRegion(img *gocv.Mat, rect image.Rectangle) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(image.Rect(0, 0, img.Cols(), img.Rows()))
	if rect.Empty() {
		return
	}

	roi := img.Region(rect)
	defer roi.Close()

	// Blur an isolated copy so pixels outside the region never bleed in
	crop := roi.Clone()
	defer crop.Close()
	blurred := gocv.NewMat()
	defer blurred.Close()

	gocv.GaussianBlur(crop, &blurred, image.Pt(r.KernelSize, r.KernelSize), r.Sigma, r.Sigma, gocv.BorderDefault)
	blurred.CopyTo(&roi)
}
