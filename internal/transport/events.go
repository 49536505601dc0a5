package transport

// Event names fixed by the chat socket contract.
const (
	EventJoin         = "join"          // client -> server: subscribe to a conversation room
	EventMessageSend  = "message:send"  // client -> server: persist and echo a message
	EventMessageNew   = "message:new"   // server -> client: canonical persisted message
	EventTyping       = "typing"        // both directions
	EventMessagesRead = "messages:read" // server -> client: counterpart read the conversation
)

// JoinPayload subscribes the connection to a conversation's broadcasts.
type JoinPayload struct {
	ConversationID string `json:"conversation_id"`
}

// SendPayload carries an outgoing message body. The server assigns identity
// and timestamp; the canonical message comes back as EventMessageNew.
type SendPayload struct {
	ConversationID string `json:"conversation_id"`
	Body           string `json:"body"`
}

// ReadPayload announces that a conversation's messages were read.
type ReadPayload struct {
	ConversationID string `json:"conversation_id"`
}
