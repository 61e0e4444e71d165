package detect

import (
	"errors"
	"fmt"
	"image"

	"github.com/andresmejia3/shroud/internal/types"
	"gocv.io/x/gocv"
)

// FaceLocator finds faces on a BGR frame. Implementations are not required to be goroutine safe.
type FaceLocator interface {
	LocateFaces(frame gocv.Mat) ([]types.FaceRegion, error)
	Close() error
}

// Recognition is one text hit inside an image handed to a TextRecognizer.
// Box is relative to that image.
type Recognition struct {
	Box        image.Rectangle
	Text       string
	Confidence float64 // 0.0 - 1.0
}

// TextRecognizer reads text from a (cropped) BGR image.
type TextRecognizer interface {
	Recognize(img gocv.Mat) ([]Recognition, error)
	Close() error
}

// Engine runs face and plate localization on one frame.
type Engine struct {
	Faces  FaceLocator
	Plates *PlateLocator
}

func NewEngine(faces FaceLocator, plates *PlateLocator) *Engine {
	return &Engine{Faces: faces, Plates: plates}
}

// Detect never mutates frame. Either locator failing fails the whole frame.
func (e *Engine) Detect(frame gocv.Mat) (types.DetectionResult, error) {
	var res types.DetectionResult
	if frame.Empty() {
		return res, fmt.Errorf("empty frame")
	}

	if e.Faces != nil {
		faces, err := e.Faces.LocateFaces(frame)
		if err != nil {
			return types.DetectionResult{}, fmt.Errorf("face locator: %w", err)
		}
		res.Faces = faces
	}

	if e.Plates != nil {
		plates, err := e.Plates.Locate(frame)
		if err != nil {
			return types.DetectionResult{}, fmt.Errorf("plate locator: %w", err)
		}
		res.Plates = plates
	}
	return res, nil
}

func (e *Engine) Close() error {
	var errs []error
	if e.Faces != nil {
		if err := e.Faces.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close face locator: %w", err))
		}
	}
	if e.Plates != nil {
		if err := e.Plates.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close text recognizer: %w", err))
		}
	}
	return errors.Join(errs...)
}
