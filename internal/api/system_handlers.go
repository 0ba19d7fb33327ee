package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// statusResponse is the shape returned by GET /api/v1/status.
type statusResponse struct {
	Listen      listenResponse          `json:"listen"`
	Sessions    sessionStatsResponse    `json:"sessions"`
	Conferences conferenceStatsResponse `json:"conferences"`
	Relay       relayStatsResponse      `json:"relay"`
	Composite   compositeResponse       `json:"composite"`
	Uptime      uptimeResponse          `json:"uptime"`
}

type listenResponse struct {
	ControlPort int `json:"control_port"`
	MediaPort   int `json:"media_port"`
}

type sessionStatsResponse struct {
	Active   int    `json:"active"`
	Accepted uint64 `json:"accepted"`
	Ended    uint64 `json:"ended"`
}

type conferenceStatsResponse struct {
	Active       int `json:"active"`
	Participants int `json:"participants"`
}

type relayStatsResponse struct {
	Received      uint64             `json:"received"`
	ReceivedBytes uint64             `json:"received_bytes"`
	Forwarded     uint64             `json:"forwarded"`
	Drops         relayDropsResponse `json:"drops"`
}

type relayDropsResponse struct {
	Malformed  uint64 `json:"malformed"`
	Unknown    uint64 `json:"unknown_sender"`
	Mismatched uint64 `json:"conference_mismatch"`
	Unattached uint64 `json:"unattached"`
	P2P        uint64 `json:"p2p"`
}

type compositeResponse struct {
	Forced      bool `json:"forced"`
	ActiveTasks int  `json:"active_tasks"`
}

type uptimeResponse struct {
	StartedAt  string `json:"started_at"`
	UptimeSec  int64  `json:"uptime_sec"`
	UptimeText string `json:"uptime_text"`
}

// handleStatus returns listener configuration, session and conference
// counts, relay counters, composite state, and uptime.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Listen: listenResponse{
			ControlPort: s.cfg.ControlPort,
			MediaPort:   s.cfg.MediaPort,
		},
	}

	if s.ctrl != nil {
		st := s.ctrl.Stats()
		resp.Sessions = sessionStatsResponse{
			Active:   st.Active,
			Accepted: st.Accepted,
			Ended:    st.Ended,
		}
	}

	if s.dir != nil {
		confs, parts := s.dir.Stats()
		resp.Conferences = conferenceStatsResponse{
			Active:       confs,
			Participants: parts,
		}
	}

	if s.relay != nil {
		resp.Listen.MediaPort = s.relay.Port()
		st := s.relay.Stats()
		resp.Relay = relayStatsResponse{
			Received:      st.Received,
			ReceivedBytes: st.ReceivedBytes,
			Forwarded:     st.Forwarded,
			Drops: relayDropsResponse{
				Malformed:  st.Drops.Malformed,
				Unknown:    st.Drops.Unknown,
				Mismatched: st.Drops.Mismatched,
				Unattached: st.Drops.Unattached,
				P2P:        st.Drops.P2P,
			},
		}
	}

	if s.mode != nil {
		resp.Composite.Forced = s.mode.Forced()
	}
	if s.tasks != nil {
		resp.Composite.ActiveTasks = s.tasks.ActiveTasks()
	}

	now := time.Now()
	uptimeDur := now.Sub(s.startTime)
	resp.Uptime = uptimeResponse{
		StartedAt:  s.startTime.Format(time.RFC3339),
		UptimeSec:  int64(uptimeDur.Seconds()),
		UptimeText: formatUptime(uptimeDur),
	}

	writeJSON(w, http.StatusOK, resp)
}

// modeRequest is the body accepted by PUT /api/v1/mode.
type modeRequest struct {
	Composite *bool `json:"composite"`
}

type modeResponse struct {
	Composite bool `json:"composite"`
}

// handleSetMode flips forced-composite mode. When on, every conference
// is served the composed grid view regardless of participant count.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if msg := readJSON(r, &req); msg != "" {
		writeError(w, http.StatusBadRequest, msg)
		return
	}
	if req.Composite == nil {
		writeError(w, http.StatusBadRequest, "composite is required")
		return
	}
	if s.mode == nil {
		writeError(w, http.StatusServiceUnavailable, "mode control not available")
		return
	}

	// The controller applies the flip on its own goroutine, so echo the
	// requested value rather than reading back possibly-stale state.
	s.mode.ForceComposite(*req.Composite)
	slog.Info("composite mode set via api", "composite", *req.Composite)

	writeJSON(w, http.StatusOK, modeResponse{Composite: *req.Composite})
}

// formatUptime returns a human-readable uptime string like "2d 5h 30m 12s".
func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
