package detect

import (
	"fmt"
	"image"
	"strings"
	"unicode/utf8"

	"github.com/andresmejia3/shroud/internal/types"
	"gocv.io/x/gocv"
)

// BoxMode selects which rectangle a plate hit reports.
type BoxMode string

const (
	// BoxContour reports the bounding rect of the whole contour for every accepted text hit.
	BoxContour BoxMode = "contour"
	// BoxRecognizer reports the recognizer's own text box, translated into frame coordinates.
	BoxRecognizer BoxMode = "recognizer"
)

func ParseBoxMode(s string) (BoxMode, error) {
	switch BoxMode(s) {
	case BoxContour, BoxRecognizer:
		return BoxMode(s), nil
	}
	return "", fmt.Errorf("unknown plate box mode %q (want contour or recognizer)", s)
}

// PlateFilter holds the geometric and OCR acceptance thresholds.
// Aspect bounds and MinConfidence are exclusive, MinTextLength is inclusive.
type PlateFilter struct {
	MinArea       float64
	MinAspect     float64
	MaxAspect     float64
	MinConfidence float64
	MinTextLength int
	Box           BoxMode
}

func DefaultPlateFilter() PlateFilter {
	return PlateFilter{
		MinArea:       1000,
		MinAspect:     2.0,
		MaxAspect:     5.0,
		MinConfidence: 0.5,
		MinTextLength: 3,
		Box:           BoxContour,
	}
}

func (f PlateFilter) Validate() error {
	if f.MinArea < 0 {
		return fmt.Errorf("min plate area must be >= 0, got %v", f.MinArea)
	}
	if f.MinAspect <= 0 || f.MaxAspect <= f.MinAspect {
		return fmt.Errorf("plate aspect range (%v, %v) is empty", f.MinAspect, f.MaxAspect)
	}
	if f.MinConfidence < 0 || f.MinConfidence >= 1 {
		return fmt.Errorf("min plate confidence must be in [0, 1), got %v", f.MinConfidence)
	}
	if f.MinTextLength < 1 {
		return fmt.Errorf("min plate text length must be >= 1, got %d", f.MinTextLength)
	}
	if _, err := ParseBoxMode(string(f.Box)); err != nil {
		return err
	}
	return nil
}

func (f PlateFilter) acceptsShape(area float64, r image.Rectangle) bool {
	if area <= f.MinArea || r.Dy() <= 0 {
		return false
	}
	aspect := float64(r.Dx()) / float64(r.Dy())
	return f.MinAspect < aspect && aspect < f.MaxAspect
}

func (f PlateFilter) acceptsText(rec Recognition) bool {
	return rec.Confidence > f.MinConfidence && utf8.RuneCountInString(rec.Text) >= f.MinTextLength
}

// PlateLocator finds license plate candidates by contour analysis and confirms them with OCR.
type PlateLocator struct {
	filter     PlateFilter
	recognizer TextRecognizer
}

func NewPlateLocator(filter PlateFilter, recognizer TextRecognizer) *PlateLocator {
	return &PlateLocator{filter: filter, recognizer: recognizer}
}

type candidate struct {
	area float64
	rect image.Rectangle
}

// Locate returns plates in contour order.
func (p *PlateLocator) Locate(frame gocv.Mat) ([]types.PlateRegion, error) {
	candidates := contourCandidates(frame)
	return p.fromCandidates(frame, candidates)
}

// contourCandidates runs gray -> blur 5x5 -> adaptive threshold -> external contours.
func contourCandidates(frame gocv.Mat) []candidate {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(frame, &gray, gocv.ColorBGRToGray)

	blurred := gocv.NewMat()
	defer blurred.Close()
	gocv.GaussianBlur(gray, &blurred, image.Pt(5, 5), 0, 0, gocv.BorderDefault)

	thresh := gocv.NewMat()
	defer thresh.Close()
	gocv.AdaptiveThreshold(blurred, &thresh, 255, gocv.AdaptiveThresholdGaussian, gocv.ThresholdBinary, 11, 2)

	contours := gocv.FindContours(thresh, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	out := make([]candidate, 0, contours.Size())
	for i := 0; i < contours.Size(); i++ {
		c := contours.At(i)
		out = append(out, candidate{area: gocv.ContourArea(c), rect: gocv.BoundingRect(c)})
	}
	return out
}

func (p *PlateLocator) fromCandidates(frame gocv.Mat, candidates []candidate) ([]types.PlateRegion, error) {
	bounds := image.Rect(0, 0, frame.Cols(), frame.Rows())

	var plates []types.PlateRegion
	for _, c := range candidates {
		// Area is checked first so OCR never runs on small contours
		if !p.filter.acceptsShape(c.area, c.rect) {
			continue
		}
		rect := c.rect.Intersect(bounds)
		if rect.Empty() {
			continue
		}

		crop := frame.Region(rect)
		hits, err := p.recognizer.Recognize(crop)
		crop.Close()
		if err != nil {
			return nil, fmt.Errorf("recognize candidate at %v: %w", rect, err)
		}

		for _, hit := range hits {
			hit.Text = strings.TrimSpace(hit.Text)
			if !p.filter.acceptsText(hit) {
				continue
			}
			box := c.rect
			if p.filter.Box == BoxRecognizer && !hit.Box.Empty() {
				box = hit.Box.Add(rect.Min)
			}
			plates = append(plates, types.PlateRegion{
				X:          box.Min.X,
				Y:          box.Min.Y,
				W:          box.Dx(),
				H:          box.Dy(),
				Text:       hit.Text,
				Confidence: hit.Confidence,
			})
		}
	}
	return plates, nil
}

func (p *PlateLocator) Close() error {
	if p.recognizer == nil {
		return nil
	}
	return p.recognizer.Close()
}
