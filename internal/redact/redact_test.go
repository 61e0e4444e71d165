package redact

import (
	"bytes"
	"image"
	"testing"

	"github.com/andresmejia3/shroud/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// checkerboard builds a high-frequency BGR frame so that any blur is visible.
func checkerboard(t *testing.T, w, h int) gocv.Mat {
	t.Helper()
	data := make([]byte, w*h*3)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := byte(0)
			if (x/2+y/2)%2 == 0 {
				v = 255
			}
			off := (y*w + x) * 3
			data[off], data[off+1], data[off+2] = v, v, 255-v
		}
	}
	m, err := gocv.NewMatFromBytes(h, w, gocv.MatTypeCV8UC3, data)
	require.NoError(t, err)
	owned := m.Clone()
	m.Close()
	return owned
}

func regionBytes(m gocv.Mat, r image.Rectangle) []byte {
	roi := m.Region(r)
	defer roi.Close()
	c := roi.Clone()
	defer c.Close()
	return c.ToBytes()
}

func TestRedact_BlursOnlyRegions(t *testing.T) {
	frame := checkerboard(t, 160, 120)
	defer frame.Close()
	original := frame.Clone()
	defer original.Close()

	face := types.FaceRegion{Top: 20, Right: 60, Bottom: 60, Left: 20}
	res := types.DetectionResult{Faces: []types.FaceRegion{face}}

	out := New(99, 30, false).Redact(frame, res)
	defer out.Close()

	assert.False(t, bytes.Equal(regionBytes(original, face.Rect()), regionBytes(out, face.Rect())), "face region should change")

	outside := image.Rect(80, 70, 160, 120)
	assert.Equal(t, regionBytes(original, outside), regionBytes(out, outside), "pixels outside regions must be identical")

	assert.Equal(t, original.ToBytes(), frame.ToBytes(), "input frame must not be mutated")
}

func TestRedact_NoRegionsIsIdentity(t *testing.T) {
	frame := checkerboard(t, 64, 48)
	defer frame.Close()

	out := New(99, 30, false).Redact(frame, types.DetectionResult{})
	defer out.Close()

	assert.Equal(t, frame.ToBytes(), out.ToBytes())
}

func TestRedact_ClipsAndSkipsDegenerateRegions(t *testing.T) {
	frame := checkerboard(t, 64, 48)
	defer frame.Close()

	res := types.DetectionResult{
		Faces: []types.FaceRegion{
			{Top: 10, Right: 10, Bottom: 10, Left: 10},    // zero area
			{Top: 100, Right: 300, Bottom: 200, Left: 200}, // fully outside
		},
		Plates: []types.PlateRegion{{X: 50, Y: 40, W: 40, H: 20, Text: "ABC123"}}, // partially outside
	}

	out := New(99, 30, false).Redact(frame, res)
	defer out.Close()

	inside := image.Rect(0, 0, 40, 30)
	assert.Equal(t, regionBytes(frame, inside), regionBytes(out, inside))
	assert.False(t, bytes.Equal(regionBytes(frame, image.Rect(50, 40, 64, 48)), regionBytes(out, image.Rect(50, 40, 64, 48))))
}

func TestProcess(t *testing.T) {
	frame := checkerboard(t, 64, 48)
	defer frame.Close()
	res := types.DetectionResult{Faces: []types.FaceRegion{{Top: 0, Right: 20, Bottom: 20, Left: 0}}}

	t.Run("Passthrough", func(t *testing.T) {
		_, ok := New(99, 30, false).Process(frame, res, false)
		assert.False(t, ok)
	})

	t.Run("Overlay without blur", func(t *testing.T) {
		out, ok := New(99, 30, true).Process(frame, res, false)
		require.True(t, ok)
		defer out.Close()
		assert.False(t, bytes.Equal(frame.ToBytes(), out.ToBytes()))
	})

	t.Run("Blur", func(t *testing.T) {
		out, ok := New(99, 30, false).Process(frame, res, true)
		require.True(t, ok)
		defer out.Close()
		assert.Equal(t, 64, out.Cols())
		assert.Equal(t, 48, out.Rows())
	})
}

func TestValidate(t *testing.T) {
	assert.NoError(t, New(99, 30, false).Validate())
	assert.Error(t, New(98, 30, false).Validate())
	assert.Error(t, New(0, 30, false).Validate())
	assert.Error(t, New(5, -1, false).Validate())
}

func TestRedact_Deterministic(t *testing.T) {
	frame := checkerboard(t, 320, 240)
	defer frame.Close()

	face := types.FaceRegion{Top: 30, Right: 130, Bottom: 130, Left: 30}
	plate := types.PlateRegion{X: 180, Y: 150, W: 120, H: 40, Text: "AB1234", Confidence: 0.6}
	res := types.DetectionResult{Faces: []types.FaceRegion{face}, Plates: []types.PlateRegion{plate}}

	r := New(99, 30, false)
	first := r.Redact(frame, res)
	defer first.Close()
	second := r.Redact(frame, res)
	defer second.Close()

	require.Equal(t, first.Cols(), second.Cols())
	require.Equal(t, first.Rows(), second.Rows())
	for _, rect := range []image.Rectangle{face.Rect(), plate.Rect()} {
		assert.Equal(t, regionBytes(first, rect), regionBytes(second, rect), "region %v must blur identically", rect)
	}
	assert.Equal(t, first.ToBytes(), second.ToBytes())
}
