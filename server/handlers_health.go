package server

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/onnwee/tvyt/backend/bridge"
	"github.com/onnwee/tvyt/backend/chat"
	"github.com/onnwee/tvyt/backend/db"
)

// HandleHealthz responds to liveness probe requests by checking database connectivity.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.DB != nil {
		if err := h.DB.PingContext(r.Context()); err != nil {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with detailed system checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.DB == nil {
				return nil
			}
			return h.DB.PingContext(r.Context())
		}},
		{"migrations", func() error {
			if h.DB == nil {
				return nil
			}
			version, dirty, err := db.MigrationVersion(h.DB)
			if err != nil {
				return err
			}
			if dirty {
				return fmt.Errorf("schema version %d is dirty", version)
			}
			return nil
		}},
		{"platforms", func() error {
			if len(h.Manager.Platforms()) == 0 {
				return errors.New("no chat platforms enabled")
			}
			return nil
		}},
	}

	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type statusResponse struct {
	Uptime      string              `json:"uptime"`
	Platforms   []chat.Platform     `json:"platforms"`
	Subscribed  int                 `json:"subscribedRooms"`
	BridgeRooms []bridge.RoomStatus `json:"rooms"`
}

// HandleStatus reports every bridged room with its per-platform session state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Uptime:      time.Since(h.startedAt).Round(time.Second).String(),
		Platforms:   h.Manager.Platforms(),
		Subscribed:  h.Hub.Rooms(),
		BridgeRooms: h.Manager.Snapshot(),
	})
}
