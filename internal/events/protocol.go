package events

// Control actions accepted from transport clients.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// Ack types returned to transport clients.
const (
	AckSubscribed   = "system.subscribed"
	AckUnsubscribed = "system.unsubscribed"
	AckPong         = "system.pong"
	AckError        = "system.error"
)

// ControlMessage is the subscription protocol message sent by a client.
type ControlMessage struct {
	Action     string            `json:"action"`
	EventTypes []string          `json:"event_types,omitempty"`
	ProjectID  string            `json:"project_id,omitempty"`
	Filters    map[string]string `json:"filters,omitempty"`
}

// ControlAck is the hub's response to a control message.
type ControlAck struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	Message        string `json:"message,omitempty"`
}

// HandleControl processes one protocol message on behalf of a transport
// connection. A subscribe returns the new subscription (for the transport to
// drain) plus its ack; unsubscribe and ping return only an ack. Unrecognized
// actions return a system.error ack.
func (h *Hub) HandleControl(msg ControlMessage, currentSubID string) (*Subscription, ControlAck) {
	switch msg.Action {
	case ActionSubscribe:
		patterns := msg.EventTypes
		if len(patterns) == 0 {
			patterns = []string{"*"}
		}
		sub := h.Subscribe(patterns, msg.ProjectID)
		return sub, ControlAck{Type: AckSubscribed, SubscriptionID: sub.ID}
	case ActionUnsubscribe:
		if currentSubID == "" || !h.Unsubscribe(currentSubID) {
			return nil, ControlAck{Type: AckError, Message: "no active subscription"}
		}
		return nil, ControlAck{Type: AckUnsubscribed, SubscriptionID: currentSubID}
	case ActionPing:
		return nil, ControlAck{Type: AckPong}
	default:
		return nil, ControlAck{Type: AckError, Message: "unrecognized action: " + msg.Action}
	}
}
