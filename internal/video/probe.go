package video

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"
)

// Geometry describes the decoded stream. FPS may be 0 when the container does not report it.
// FrameCount is 0 when unknown (live streams, containers without nb_frames).
type Geometry struct {
	FPS        float64
	Width      int
	Height     int
	FrameCount int
}

func (g Geometry) FrameSize() int { return g.Width * g.Height * 3 }

type probeOutput struct {
	Streams []struct {
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		RFrameRate   string `json:"r_frame_rate"`
		AvgFrameRate string `json:"avg_frame_rate"`
		NbFrames     string `json:"nb_frames"`
		Tags         struct {
			Rotate string `json:"rotate"`
		} `json:"tags"`
		SideDataList []struct {
			Rotation float64 `json:"rotation"`
		} `json:"side_data_list"`
	} `json:"streams"`
}

// Probe asks ffprobe for the first video stream's geometry.
func Probe(ctx context.Context, descriptor string, timeout time.Duration) (Geometry, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	args := ffmpeg.KwArgs{"select_streams": "v:0"}
	if isRTSP(descriptor) {
		args["rtsp_transport"] = "tcp"
	}
	raw, err := ffmpeg.ProbeWithTimeout(descriptor, timeout, args)
	if err != nil {
		return Geometry{}, fmt.Errorf("ffprobe %s: %w", descriptor, err)
	}
	return parseProbe(raw)
}

func parseProbe(raw string) (Geometry, error) {
	var out probeOutput
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Geometry{}, fmt.Errorf("decode ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 {
		return Geometry{}, fmt.Errorf("no video stream found")
	}

	s := out.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return Geometry{}, fmt.Errorf("invalid dimensions %dx%d", s.Width, s.Height)
	}

	fps := parseRate(s.RFrameRate)
	if fps <= 0 {
		fps = parseRate(s.AvgFrameRate)
	}

	// nb_frames is "N/A" for streams and some containers
	frames, _ := strconv.Atoi(strings.TrimSpace(s.NbFrames))

	// The decoder autorotates, so a quarter-turned stream comes out as height x width
	rotation, _ := strconv.ParseFloat(strings.TrimSpace(s.Tags.Rotate), 64)
	for _, sd := range s.SideDataList {
		if sd.Rotation != 0 {
			rotation = sd.Rotation
		}
	}
	width, height := s.Width, s.Height
	if quarterTurn(rotation) {
		width, height = height, width
	}

	return Geometry{FPS: fps, Width: width, Height: height, FrameCount: frames}, nil
}

func quarterTurn(degrees float64) bool {
	d := int(math.Round(degrees)) % 360
	if d < 0 {
		d += 360
	}
	return d == 90 || d == 270
}

// parseRate handles ffprobe's "30000/1001" style rates as well as plain decimals.
func parseRate(rate string) float64 {
	rate = strings.TrimSpace(rate)
	if rate == "" {
		return 0
	}
	num, den, found := strings.Cut(rate, "/")
	if !found {
		v, err := strconv.ParseFloat(rate, 64)
		if err != nil {
			return 0
		}
		return v
	}
	n, err1 := strconv.ParseFloat(num, 64)
	d, err2 := strconv.ParseFloat(den, 64)
	if err1 != nil || err2 != nil || d == 0 {
		return 0
	}
	return n / d
}

func isRTSP(descriptor string) bool {
	return strings.HasPrefix(strings.ToLower(descriptor), "rtsp://")
}
