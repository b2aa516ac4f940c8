package protocol

// Inbound endpoints served by the gateway.
const (
	PathMessageEvent  = "/v1/events/message"
	PathReactionEvent = "/v1/events/reaction"
	PathCommandEvent  = "/v1/events/command"
)

// Outbound actions sent to the callback URL.
const (
	ActionSendMessage  = "send_message"
	ActionSendReaction = "send_reaction"
	ActionRemoveEvent  = "remove_event"
)

// HeaderAuthorization carries "Bearer <token>" in both directions: the
// gateway token on inbound events, the callback secret on outbound calls.
const HeaderAuthorization = "Authorization"
