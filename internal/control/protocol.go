// Package control terminates the WebSocket control plane: one session
// per endpoint, JSON messages with an action discriminator, registry
// mutations on behalf of clients, and server-pushed directives.
package control

// Client-to-server actions.
const (
	ActionInit           = "INIT"
	ActionCreateMeeting  = "CREATE_MEETING"
	ActionJoinMeeting    = "JOIN_MEETING"
	ActionExitMeeting    = "EXIT_MEETING"
	ActionCancelMeeting  = "CANCEL_MEETING"
	ActionRegisterRTP    = "REGISTER_RTP"
	ActionSendMessage    = "SEND_MESSAGE"
	ActionForceComposite = "CHANGE_CS_MODE_TO_SAME"
	ActionListMeetings   = "CHECK_MEETING_ALL"
	ActionPing           = "PING"
)

// Server-to-client actions.
const (
	ActionInitAck          = "INIT_ACK"
	ActionCreateMeetingAck = "CREATE_MEETING_ACK"
	ActionJoinMeetingAck   = "JOIN_MEETING_ACK"
	ActionExitMeetingAck   = "EXIT_MEETING_ACK"
	ActionMeetingCanceled  = "MEETING_CANCELED"
	ActionNewMessage       = "NEW_MESSAGE"
	ActionRegisterRTPAck   = "REGISTER_RTP_ACK"
	ActionP2PAddress       = "P2P_ADDRESS"
	ActionStopP2P          = "STOP_P2P"
	ActionMeetingList      = "MEETING_LIST"
	ActionPong             = "PONG"
	ActionError            = "ERROR"
)

// Message is the wire envelope shared by requests and server pushes.
// Which fields are populated depends on Action.
type Message struct {
	Action string `json:"action"`

	// INIT / INIT_ACK carry the session's client id; P2P_ADDRESS carries
	// the peer's.
	ClientID string `json:"client_id,omitempty"`

	MeetingID    string              `json:"meeting_id,omitempty"`
	Participants []string            `json:"participants,omitempty"`
	Meetings     map[string][]string `json:"meetings,omitempty"`

	// NEW_MESSAGE attribution and chat text. Most replies also carry a
	// human-readable Message.
	Sender  string `json:"sender,omitempty"`
	Message string `json:"message,omitempty"`

	// REGISTER_RTP request fields.
	RTPIP   string `json:"rtp_ip,omitempty"`
	RTPPort int    `json:"rtp_port,omitempty"`

	// P2P_ADDRESS peer endpoint.
	IP   string `json:"ip,omitempty"`
	Port int    `json:"port,omitempty"`
}

func errorMessage(text string) Message {
	return Message{Action: ActionError, Message: text}
}
