package web

import (
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/pilot/internal/sessions"
	"github.com/haasonsaas/pilot/internal/store"
	"github.com/haasonsaas/pilot/pkg/models"
)

// handleBrowser routes /browser/, /browser/{id} and /browser/{id}/{action}.
// The id is the provider's remote session id, matching what the metadata
// event reports as browserSessionId's remote counterpart.
func (s *Server) handleBrowser(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/browser/"), "/")
	if rest == "" {
		if r.Method != http.MethodGet {
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		infos := s.browser.List()
		s.jsonResponse(w, map[string]any{"sessions": infos, "total": len(infos)})
		return
	}

	remoteID, action, hasAction := strings.Cut(rest, "/")
	if !hasAction {
		if r.Method != http.MethodGet {
			s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		info, err := s.browser.Get(remoteID)
		if err != nil {
			s.jsonError(w, "browser session not found", http.StatusNotFound)
			return
		}
		s.jsonResponse(w, info)
		return
	}

	if r.Method != http.MethodPost {
		s.jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.browserAction(w, r, remoteID, action)
}

func (s *Server) browserAction(w http.ResponseWriter, r *http.Request, remoteID, action string) {
	ctx := r.Context()
	var (
		row    *models.BrowserSession
		err    error
		status string
	)
	switch action {
	case "disconnect-cdp":
		err = s.browser.DisconnectCDP(ctx, remoteID)
		status = "disconnected"
	case "reconnect-cdp":
		row, err = s.browser.ReconnectCDP(ctx, remoteID)
	case "destroy":
		err = s.browser.Destroy(ctx, remoteID)
		status = "destroyed"
	case "stop":
		err = s.browser.Stop(ctx, remoteID)
		status = "stopped"
	case "pause":
		err = s.browser.Pause(ctx, remoteID)
		status = "paused"
	case "resume":
		row, err = s.browser.Resume(ctx, remoteID)
	case "screenshot":
		s.browserScreenshot(w, r, remoteID)
		return
	default:
		s.jsonError(w, "unknown action", http.StatusNotFound)
		return
	}
	if err != nil {
		s.browserError(w, r, remoteID, action, err)
		return
	}
	if row != nil {
		s.jsonResponse(w, row)
		return
	}
	s.jsonResponse(w, map[string]string{"status": status, "remote_id": remoteID})
}

func (s *Server) browserScreenshot(w http.ResponseWriter, r *http.Request, remoteID string) {
	png, err := s.browser.Screenshot(r.Context(), remoteID)
	if err != nil {
		s.browserError(w, r, remoteID, "screenshot", err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

func (s *Server) browserError(w http.ResponseWriter, r *http.Request, remoteID, action string, err error) {
	if errors.Is(err, sessions.ErrSessionNotFound) || errors.Is(err, store.ErrNotFound) {
		s.jsonError(w, "browser session not found", http.StatusNotFound)
		return
	}
	s.logger.Error(r.Context(), "browser action failed",
		"remote_id", remoteID, "action", action, "error", err)
	s.jsonError(w, "browser action failed", http.StatusBadGateway)
}
