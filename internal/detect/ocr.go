package detect

import (
	"fmt"

	"github.com/otiai10/gosseract/v2"
	"gocv.io/x/gocv"
)

// TesseractRecognizer reads text lines with Tesseract. One instance per goroutine.
type TesseractRecognizer struct {
	client *gosseract.Client
}

type OCROptions struct {
	Language  string
	Whitelist string
}

func NewTesseractRecognizer(opts OCROptions) (*TesseractRecognizer, error) {
	client := gosseract.NewClient()

	lang := opts.Language
	if lang == "" {
		lang = "eng"
	}
	if err := client.SetLanguage(lang); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set OCR language: %w", err)
	}
	// A plate crop is a single line of text
	if err := client.SetPageSegMode(gosseract.PSM_SINGLE_LINE); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to set page segmentation mode: %w", err)
	}
	if opts.Whitelist != "" {
		if err := client.SetWhitelist(opts.Whitelist); err != nil {
			client.Close()
			return nil, fmt.Errorf("failed to set OCR whitelist: %w", err)
		}
	}
	return &TesseractRecognizer{client: client}, nil
}

func (t *TesseractRecognizer) Recognize(img gocv.Mat) ([]Recognition, error) {
	if img.Empty() {
		return nil, nil
	}

	buf, err := gocv.IMEncode(gocv.PNGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode crop: %w", err)
	}
	defer buf.Close()

	if err := t.client.SetImageFromBytes(buf.GetBytes()); err != nil {
		return nil, fmt.Errorf("set OCR image: %w", err)
	}

	boxes, err := t.client.GetBoundingBoxes(gosseract.RIL_TEXTLINE)
	if err != nil {
		return nil, fmt.Errorf("get bounding boxes: %w", err)
	}

	out := make([]Recognition, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, Recognition{
			Box:        b.Box,
			Text:       b.Word,
			Confidence: b.Confidence / 100.0,
		})
	}
	return out, nil
}

func (t *TesseractRecognizer) Close() error {
	return t.client.Close()
}
