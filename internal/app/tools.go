package app

import (
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/ent0n29/chimebot/internal/audio"
	"github.com/ent0n29/chimebot/internal/config"
)

type toolsSetup struct {
	tools  audio.Tools
	detail string
}

// resolveAudioTools locates ffmpeg and ffprobe. Missing binaries are not
// fatal: WAV chimes still probe natively, and /v1/status reports the gap.
func resolveAudioTools(cfg config.Audio, log *zap.Logger) toolsSetup {
	tools := audio.Tools{FFmpeg: cfg.FFmpeg, FFprobe: cfg.FFprobe}
	var found, missing []string
	for _, bin := range []string{tools.FFmpeg, tools.FFprobe} {
		if strings.TrimSpace(bin) == "" {
			continue
		}
		if p, err := exec.LookPath(bin); err == nil {
			found = append(found, p)
		} else {
			missing = append(missing, bin)
		}
	}
	if len(missing) > 0 {
		log.Warn("audio tools missing, chime playback and probing will fail", zap.Strings("missing", missing))
		return toolsSetup{tools: tools, detail: "missing " + strings.Join(missing, ", ")}
	}
	log.Info("audio tools found", zap.Strings("paths", found))
	return toolsSetup{tools: tools, detail: strings.Join(found, ", ")}
}
