package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/meshconf/meshconf/internal/registry"
)

// meetingResponse is one conference in list and detail responses.
type meetingResponse struct {
	ID           string                `json:"id"`
	Creator      string                `json:"creator"`
	Topology     string                `json:"topology"`
	CreatedAt    string                `json:"created_at"`
	Participants []participantResponse `json:"participants"`
}

type participantResponse struct {
	ClientID string `json:"client_id"`
	Role     string `json:"role"`
	Endpoint string `json:"endpoint,omitempty"`
	JoinedAt string `json:"joined_at"`
}

func meetingFromInfo(info registry.ConferenceInfo) meetingResponse {
	m := meetingResponse{
		ID:           info.ID,
		Creator:      info.Creator.String(),
		Topology:     info.Topology.String(),
		CreatedAt:    info.CreatedAt.Format(time.RFC3339),
		Participants: make([]participantResponse, 0, len(info.Participants)),
	}
	for _, p := range info.Participants {
		item := participantResponse{
			ClientID: p.ClientID.String(),
			Role:     p.Role.String(),
			JoinedAt: p.JoinedAt.Format(time.RFC3339),
		}
		if p.Endpoint != nil {
			item.Endpoint = p.Endpoint.String()
		}
		m.Participants = append(m.Participants, item)
	}
	return m
}

// handleListMeetings returns live conferences, oldest first, paginated.
func (s *Server) handleListMeetings(w http.ResponseWriter, r *http.Request) {
	p, errMsg := parsePagination(r)
	if errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	infos := s.dir.List()
	total := len(infos)

	start := p.Offset
	if start > total {
		start = total
	}
	end := start + p.Limit
	if end > total {
		end = total
	}

	items := make([]meetingResponse, 0, end-start)
	for _, info := range infos[start:end] {
		items = append(items, meetingFromInfo(info))
	}

	writeJSON(w, http.StatusOK, PaginatedResponse{
		Items:  items,
		Total:  total,
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

// handleGetMeeting returns a single conference by id.
func (s *Server) handleGetMeeting(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	info, ok := s.dir.Snapshot(id)
	if !ok {
		writeError(w, http.StatusNotFound, "meeting not found")
		return
	}

	writeJSON(w, http.StatusOK, meetingFromInfo(info))
}
