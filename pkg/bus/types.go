package bus

import "time"

// InboundMessage is one text message observed on an account's connection.
type InboundMessage struct {
	AccountID  int64     `json:"account_id"`
	ChatID     int64     `json:"chat_id"`
	MessageID  int64     `json:"message_id"`
	SenderID   int64     `json:"sender_id,omitempty"`
	Text       string    `json:"text"`
	ReceivedAt time.Time `json:"received_at"`
}
