// Package audio inspects and transcodes chime files with ffprobe and ffmpeg.
package audio

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// maxProbeSeconds keeps reported lengths inside time.Duration.
const maxProbeSeconds = float64(math.MaxInt64/int64(time.Second)) - 1

// ErrUnreadable is returned when a file is not decodable audio.
var ErrUnreadable = errors.New("audio: unreadable data")

// Tools locates the external binaries. Empty fields resolve from PATH.
type Tools struct {
	FFmpeg  string
	FFprobe string
}

func (t Tools) ffmpeg() string {
	if t.FFmpeg == "" {
		return "ffmpeg"
	}
	return t.FFmpeg
}

func (t Tools) ffprobe() string {
	if t.FFprobe == "" {
		return "ffprobe"
	}
	return t.FFprobe
}

// Probe returns the playback length of the file at path. WAV files are read
// natively; everything else goes through ffprobe.
func (t Tools) Probe(ctx context.Context, path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	d, wavErr := WAVDuration(f)
	f.Close()
	if wavErr == nil {
		return d, nil
	}

	cmd := exec.CommandContext(ctx, t.ffprobe(),
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return 0, fmt.Errorf("%w: %s", ErrUnreadable, strings.TrimSpace(stderr.String()))
		}
		return 0, fmt.Errorf("run ffprobe: %w", err)
	}
	return parseProbeDuration(string(out))
}

func parseProbeDuration(out string) (time.Duration, error) {
	s := strings.TrimSpace(out)
	if s == "" || s == "N/A" {
		return 0, fmt.Errorf("%w: no duration reported", ErrUnreadable)
	}
	secs, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(secs) || secs < 0 || secs > maxProbeSeconds {
		return 0, fmt.Errorf("%w: bad duration %q", ErrUnreadable, s)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
