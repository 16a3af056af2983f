package httpapi

import (
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

// StatusSource describes the runtime environment reported by /v1/status.
type StatusSource struct {
	FFmpeg    string
	FFprobe   string
	ChimeDir  string
	Volatile  bool
	StoreMode string
	Locales   []string
}

type statusResponse struct {
	Ready     bool          `json:"ready"`
	StoreMode string        `json:"store_mode"`
	Locales   []string      `json:"locales"`
	Checks    []statusCheck `json:"checks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]statusCheck, 0, 6)
	checks = append(checks, s.gatewayCheck())
	checks = append(checks, toolCheck("ffmpeg", "Audio transcoder", s.status.FFmpeg))
	checks = append(checks, toolCheck("ffprobe", "Audio probe", s.status.FFprobe))
	checks = append(checks, s.chimeDirCheck())
	checks = append(checks, s.storeCheck())

	respondJSON(w, http.StatusOK, statusResponse{
		Ready:     s.dispatch.Ready(),
		StoreMode: s.status.StoreMode,
		Locales:   s.status.Locales,
		Checks:    checks,
	})
}

func (s *Server) gatewayCheck() statusCheck {
	if s.dispatch.Ready() {
		return statusCheck{ID: "gateway", Status: "ok", Label: "Discord gateway", Detail: "ready"}
	}
	return statusCheck{
		ID:     "gateway",
		Status: "warn",
		Label:  "Discord gateway",
		Detail: "waiting for ready event",
		Fix:    "Check discord.token and network access to the gateway.",
	}
}

func toolCheck(id, label, bin string) statusCheck {
	if strings.TrimSpace(bin) == "" {
		bin = id
	}
	path, err := exec.LookPath(bin)
	if err != nil {
		return statusCheck{
			ID:     id,
			Status: "error",
			Label:  label,
			Detail: bin + " not found",
			Fix:    "Install ffmpeg and make sure it is on PATH.",
		}
	}
	return statusCheck{ID: id, Status: "ok", Label: label, Detail: path}
}

func (s *Server) chimeDirCheck() statusCheck {
	dir := s.status.ChimeDir
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return statusCheck{ID: "chime_dir", Status: "error", Label: "Chime directory", Detail: dir + " is not a directory"}
	}
	probe := filepath.Join(dir, ".probe-"+uuid.NewString())
	if err := os.WriteFile(probe, nil, 0o600); err != nil {
		return statusCheck{
			ID:     "chime_dir",
			Status: "error",
			Label:  "Chime directory",
			Detail: "not writable: " + err.Error(),
			Fix:    "Grant the bot write access to chimes.dir.",
		}
	}
	_ = os.Remove(probe)
	if s.status.Volatile {
		return statusCheck{
			ID:     "chime_dir",
			Status: "warn",
			Label:  "Chime directory",
			Detail: dir + " (volatile, cleared on shutdown)",
			Fix:    "Set chimes.volatile = false to keep chimes across restarts.",
		}
	}
	return statusCheck{ID: "chime_dir", Status: "ok", Label: "Chime directory", Detail: dir}
}

func (s *Server) storeCheck() statusCheck {
	switch s.status.StoreMode {
	case "postgres", "sqlite":
		return statusCheck{ID: "policy_store", Status: "ok", Label: "Server settings persistence", Detail: s.status.StoreMode}
	default:
		return statusCheck{
			ID:     "policy_store",
			Status: "warn",
			Label:  "Server settings persistence",
			Detail: "in-memory only",
			Fix:    "Set database.url to persist server settings across restarts.",
		}
	}
}
