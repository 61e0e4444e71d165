package detect

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/andresmejia3/shroud/internal/types"
	"github.com/andresmejia3/shroud/internal/worker"
	"gocv.io/x/gocv"
)

// CascadeLocator finds frontal faces with an OpenCV Haar cascade.
type CascadeLocator struct {
	classifier gocv.CascadeClassifier
}

func NewCascadeLocator(modelPath string) (*CascadeLocator, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(modelPath) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade model %s", modelPath)
	}
	return &CascadeLocator{classifier: classifier}, nil
}

func (c *CascadeLocator) LocateFaces(frame gocv.Mat) ([]types.FaceRegion, error) {
	rects := c.classifier.DetectMultiScale(frame)
	return facesFromRects(rects), nil
}

func (c *CascadeLocator) Close() error {
	return c.classifier.Close()
}

func facesFromRects(rects []image.Rectangle) []types.FaceRegion {
	faces := make([]types.FaceRegion, 0, len(rects))
	for _, r := range rects {
		faces = append(faces, types.FaceRegion{
			Top:    r.Min.Y,
			Right:  r.Max.X,
			Bottom: r.Max.Y,
			Left:   r.Min.X,
		})
	}
	return faces
}

// WorkerLocator hands each frame to an external detector process as a JPEG.
type WorkerLocator struct {
	w *worker.FaceWorker
}

const workerJPEGQuality = 90

func NewWorkerLocator(ctx context.Context, command string, timeout time.Duration) (*WorkerLocator, error) {
	w, err := worker.NewFaceWorker(ctx, 0, command, timeout)
	if err != nil {
		return nil, err
	}
	return &WorkerLocator{w: w}, nil
}

func (l *WorkerLocator) LocateFaces(frame gocv.Mat) ([]types.FaceRegion, error) {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, frame, []int{gocv.IMWriteJpegQuality, workerJPEGQuality})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	return l.w.ProcessFrame(buf.GetBytes())
}

func (l *WorkerLocator) Close() error {
	return l.w.Close()
}
