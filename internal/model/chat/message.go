package chat

import "time"

// Sender identifies who authored a message.
type Sender string

const (
	SenderUser Sender = "user"
	SenderBot  Sender = "bot"
)

// Message is one entry of the session transcript. Text is sanitized HTML
// for bot messages and the raw utterance for user messages. While
// IsStreaming is true the message is replaced in place under the same ID.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"sessionId"`
	Sender      Sender    `json:"sender"`
	Text        string    `json:"text"`
	IsStreaming bool      `json:"isStreaming"`
	Timestamp   time.Time `json:"timestamp"`
}
