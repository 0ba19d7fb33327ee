package control

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/meshconf/meshconf/internal/registry"
)

// MediaPlane is what the control plane needs from the media relay:
// egress binding at REGISTER_RTP time and teardown when a client goes
// away.
type MediaPlane interface {
	Bind(client uuid.UUID, remote *net.UDPAddr) (int, error)
	DetachClient(client uuid.UUID, conferenceID string)
}

// ModeControl flips the server-wide composite override.
type ModeControl interface {
	ForceComposite(on bool)
}

// Hub owns every control session, routes their requests into the
// registry, and delivers server pushes (chat, cancellation, topology
// directives) to sessions by client id.
type Hub struct {
	reg    *registry.Registry
	plane  MediaPlane
	logger *slog.Logger

	heartbeat  time.Duration
	maxStrikes int

	// mode is wired after construction, before the hub serves traffic.
	mode ModeControl

	upgrader websocket.Upgrader

	mu       sync.RWMutex
	sessions map[uuid.UUID]*Session

	accepted atomic.Uint64
	ended    atomic.Uint64
}

// NewHub creates the session hub. heartbeat and maxStrikes configure
// the liveness policy applied to every session.
func NewHub(reg *registry.Registry, plane MediaPlane, heartbeat time.Duration, maxStrikes int, logger *slog.Logger) *Hub {
	return &Hub{
		reg:        reg,
		plane:      plane,
		logger:     logger.With("subsystem", "control"),
		heartbeat:  heartbeat,
		maxStrikes: maxStrikes,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are native applications, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		sessions: make(map[uuid.UUID]*Session),
	}
}

// SetModeControl wires the composite-mode override target. Must be
// called before the hub serves traffic.
func (h *Hub) SetModeControl(mc ModeControl) { h.mode = mc }

// ServeWS upgrades the request into a control session and blocks until
// that session ends.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	h.accepted.Add(1)

	s := newSession(h, conn)
	go s.writeLoop()
	s.readLoop()
}

// dispatch routes one request. Before INIT completes only INIT itself
// is accepted.
func (h *Hub) dispatch(s *Session, msg Message) {
	if s.State() != StateActive {
		if msg.Action == ActionInit {
			h.handleInit(s, msg)
		} else {
			s.Queue(errorMessage("Session not initialised"))
		}
		return
	}

	switch msg.Action {
	case ActionInit:
		s.Queue(errorMessage("Session already initialised"))
	case ActionPing:
		s.Queue(Message{Action: ActionPong, Message: "Server is alive"})
	case ActionCreateMeeting:
		h.handleCreate(s)
	case ActionJoinMeeting:
		h.handleJoin(s, msg)
	case ActionExitMeeting:
		h.handleExit(s, msg)
	case ActionCancelMeeting:
		h.handleCancel(s, msg)
	case ActionRegisterRTP:
		h.handleRegisterRTP(s, msg)
	case ActionSendMessage:
		h.handleSendMessage(s, msg)
	case ActionForceComposite:
		h.handleForceComposite(s)
	case ActionListMeetings:
		h.handleListMeetings(s)
	default:
		s.Queue(errorMessage(fmt.Sprintf("Unknown action: %s", msg.Action)))
	}
}

// handleInit assigns or echoes the client id, registers the session,
// and promotes it to Active. A client id that is not a UUID is replaced
// with a fresh one.
func (h *Hub) handleInit(s *Session, msg Message) {
	s.setState(StateInitialising)

	id, err := uuid.Parse(msg.ClientID)
	if msg.ClientID == "" || err != nil {
		id = uuid.New()
	}
	s.setClientID(id)

	h.mu.Lock()
	old := h.sessions[id]
	h.sessions[id] = s
	h.mu.Unlock()
	if old != nil && old != s {
		h.logger.Info("replacing stale session", "client", id)
		old.close()
	}

	s.Queue(Message{Action: ActionInitAck, ClientID: id.String(), Message: "Connection established"})
	s.setState(StateActive)
	h.logger.Info("session initialised", "client", id, "remote", s.conn.RemoteAddr().String())
}

func (h *Hub) handleCreate(s *Session) {
	id, err := h.reg.CreateConference(s.ClientID())
	if err != nil {
		h.logger.Warn("meeting creation failed", "client", s.ClientID(), "error", err)
		s.Queue(errorMessage("Meeting creation failed"))
		return
	}
	s.Queue(Message{Action: ActionCreateMeetingAck, MeetingID: id, Message: "Meeting created successfully"})
}

func (h *Hub) handleJoin(s *Session, msg Message) {
	if msg.MeetingID == "" {
		s.Queue(errorMessage("Meeting ID is required"))
		return
	}

	status, _, members := h.reg.Join(msg.MeetingID, s.ClientID())
	switch status {
	case registry.Joined:
		s.Queue(Message{
			Action:       ActionJoinMeetingAck,
			MeetingID:    msg.MeetingID,
			Participants: idStrings(members),
			Message:      "Joined meeting successfully",
		})
	case registry.AlreadyIn:
		s.Queue(errorMessage("You are already in the meeting"))
	case registry.InAnother:
		s.Queue(errorMessage("You are already in another meeting"))
	case registry.NotFound:
		s.Queue(errorMessage(fmt.Sprintf("Meeting %s not found", msg.MeetingID)))
	}
}

func (h *Hub) handleExit(s *Session, msg Message) {
	if msg.MeetingID == "" {
		s.Queue(errorMessage("Meeting ID is required"))
		return
	}

	h.reg.Exit(msg.MeetingID, s.ClientID())
	h.plane.DetachClient(s.ClientID(), msg.MeetingID)
	s.Queue(Message{Action: ActionExitMeetingAck, MeetingID: msg.MeetingID, Message: "Exited meeting successfully"})
}

func (h *Hub) handleCancel(s *Session, msg Message) {
	if msg.MeetingID == "" {
		s.Queue(errorMessage("Meeting ID is required"))
		return
	}

	members, err := h.reg.Cancel(msg.MeetingID, s.ClientID())
	if err != nil {
		h.logger.Warn("meeting cancel refused",
			"client", s.ClientID(), "meeting", msg.MeetingID, "error", err)
		s.Queue(errorMessage("Failed to cancel meeting"))
		return
	}

	for _, member := range members {
		h.plane.DetachClient(member, msg.MeetingID)

		text := "Meeting has been canceled by the creator"
		if member == s.ClientID() {
			text = "Meeting has been canceled successfully"
		}
		h.sendTo(member, Message{Action: ActionMeetingCanceled, MeetingID: msg.MeetingID, Message: text})
	}
}

// handleRegisterRTP records the client's media address. The egress
// socket is bound before the endpoint is attached so that fan-out can
// start the moment the topology reacts.
func (h *Hub) handleRegisterRTP(s *Session, msg Message) {
	if msg.RTPIP == "" || msg.RTPPort == 0 || msg.MeetingID == "" {
		s.Queue(errorMessage("RTP IP and Port are required"))
		return
	}
	ip := net.ParseIP(msg.RTPIP)
	if ip == nil || msg.RTPPort < 1 || msg.RTPPort > 65535 {
		s.Queue(errorMessage("Invalid RTP address"))
		return
	}
	remote := &net.UDPAddr{IP: ip, Port: msg.RTPPort}

	if _, err := h.plane.Bind(s.ClientID(), remote); err != nil {
		h.logger.Error("egress bind failed", "client", s.ClientID(), "error", err)
		s.Queue(errorMessage("Failed to allocate a media port"))
		return
	}

	if err := h.reg.AttachEndpoint(msg.MeetingID, s.ClientID(), remote); err != nil {
		h.plane.DetachClient(s.ClientID(), msg.MeetingID)
		if errors.Is(err, registry.ErrNotFound) {
			s.Queue(errorMessage(fmt.Sprintf("Meeting %s not found", msg.MeetingID)))
		} else {
			s.Queue(errorMessage("You are not in this meeting"))
		}
		return
	}

	s.Queue(Message{
		Action:  ActionRegisterRTPAck,
		Message: fmt.Sprintf("RTP address registered: %s:%d", msg.RTPIP, msg.RTPPort),
	})
}

func (h *Hub) handleSendMessage(s *Session, msg Message) {
	if msg.MeetingID == "" || msg.Message == "" {
		s.Queue(errorMessage("Meeting ID and message are required"))
		return
	}
	if conf, ok := h.reg.ConferenceOf(s.ClientID()); !ok || conf != msg.MeetingID {
		s.Queue(errorMessage("You are not in this meeting"))
		return
	}

	out := Message{
		Action:    ActionNewMessage,
		MeetingID: msg.MeetingID,
		Sender:    s.ClientID().String(),
		Message:   msg.Message,
	}
	// Everyone in the meeting sees the message, the sender included.
	for _, member := range h.reg.MemberIDs(msg.MeetingID, uuid.Nil) {
		h.sendTo(member, out)
	}
}

// handleForceComposite flips the server-wide composite override. The
// protocol defines no acknowledgement for it.
func (h *Hub) handleForceComposite(s *Session) {
	h.logger.Info("composite mode forced on", "client", s.ClientID())
	if h.mode != nil {
		h.mode.ForceComposite(true)
	}
}

func (h *Hub) handleListMeetings(s *Session) {
	meetings := make(map[string][]string)
	for _, info := range h.reg.List() {
		ids := make([]string, 0, len(info.Participants))
		for _, p := range info.Participants {
			ids = append(ids, p.ClientID.String())
		}
		meetings[info.ID] = ids
	}
	s.Queue(Message{Action: ActionMeetingList, Meetings: meetings})
}

// sendTo queues msg on the client's live session, if it has one.
func (h *Hub) sendTo(client uuid.UUID, msg Message) bool {
	h.mu.RLock()
	s := h.sessions[client]
	h.mu.RUnlock()
	if s == nil {
		return false
	}
	return s.Queue(msg)
}

// SendP2PAddress tells `to` to exchange media with peer directly at
// addr.
func (h *Hub) SendP2PAddress(to, peer uuid.UUID, addr *net.UDPAddr) {
	h.sendTo(to, Message{
		Action:   ActionP2PAddress,
		ClientID: peer.String(),
		IP:       addr.IP.String(),
		Port:     addr.Port,
		Message:  "P2P address received",
	})
}

// SendStopP2P tells `to` to stop direct peer traffic and use the relay.
func (h *Hub) SendStopP2P(to uuid.UUID) {
	h.sendTo(to, Message{Action: ActionStopP2P, Message: "P2P connection stopped"})
}

// unregister runs the departure cascade after a session's read loop
// ends. A session replaced during INIT is no longer the registered one
// and must not tear down its successor's state.
func (h *Hub) unregister(s *Session) {
	h.ended.Add(1)

	id := s.ClientID()
	if id == uuid.Nil {
		return
	}

	h.mu.Lock()
	current := h.sessions[id] == s
	if current {
		delete(h.sessions, id)
	}
	h.mu.Unlock()
	if !current {
		return
	}

	conferenceID, wasEnrolled := h.reg.RemoveEverywhere(id)
	h.plane.DetachClient(id, conferenceID)
	if wasEnrolled {
		h.logger.Info("session closed, removed from conference",
			"client", id, "conference", conferenceID)
	} else {
		h.logger.Info("session closed", "client", id)
	}
}

// Close terminates every live session.
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// HubStats is a snapshot of session counters.
type HubStats struct {
	Active   int
	Accepted uint64
	Ended    uint64
}

// Stats returns current session counters.
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	active := len(h.sessions)
	h.mu.RUnlock()
	return HubStats{
		Active:   active,
		Accepted: h.accepted.Load(),
		Ended:    h.ended.Load(),
	}
}

func idStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
