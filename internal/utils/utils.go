package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (detector logs)
// This ensures we don't lose critical crash information if a worker dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps child process logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 SHROUD ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nPROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// --- 2. Artifact Naming ---

// TimestampLayout is the suffix used for output videos and thumbnails.
const TimestampLayout = "20060102_150405"

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// SanitizeName turns a camera name or file name into something safe to embed in a file name.
func SanitizeName(name string) string {
	name = strings.TrimSpace(name)
	name = unsafeNameChars.ReplaceAllString(name, "_")
	name = strings.Trim(name, "_")
	if name == "" {
		return "source"
	}
	return name
}

// SourceName derives a display name from a stream URL or file path
// e.g. rtsp://user:pw@10.0.0.4:554/stream1 -> 10.0.0.4_stream1, /videos/lot.mp4 -> lot
func SourceName(descriptor string) string {
	if i := strings.Index(descriptor, "://"); i >= 0 {
		rest := descriptor[i+3:]
		if at := strings.LastIndex(rest, "@"); at >= 0 {
			rest = rest[at+1:]
		}
		if q := strings.IndexAny(rest, "?#"); q >= 0 {
			rest = rest[:q]
		}
		host, path, _ := strings.Cut(rest, "/")
		if h, _, found := strings.Cut(host, ":"); found {
			host = h
		}
		return SanitizeName(host + "_" + path)
	}
	base := filepath.Base(descriptor)
	return SanitizeName(strings.TrimSuffix(base, filepath.Ext(base)))
}

// OutputFilename follows processed_<source-name>_<timestamp>.<ext>
func OutputFilename(sourceName string, t time.Time, ext string) string {
	return fmt.Sprintf("processed_%s_%s.%s", SanitizeName(sourceName), t.Format(TimestampLayout), strings.TrimPrefix(ext, "."))
}

// ThumbnailFilename follows <source-name>_<timestamp>.<ext>
func ThumbnailFilename(sourceName string, t time.Time, ext string) string {
	return fmt.Sprintf("%s_%s.%s", SanitizeName(sourceName), t.Format(TimestampLayout), strings.TrimPrefix(ext, "."))
}

// FmtTime renders seconds as HH:MM:SS
func FmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
