package types

import (
	"time"
)

type User struct {
	Id           string    `json:"id"`
	Username     string    `json:"username"`
	FullName     string    `json:"full_name,omitempty"`
	EmailAddress string    `json:"email_address,omitempty"`
	Password     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
}

// Message is a single direct message between two users. Text and Image are
// both optional but at least one is set on anything the store accepts.
type Message struct {
	Id         string    `json:"id"`
	SenderId   string    `json:"sender_id"`
	ReceiverId string    `json:"receiver_id"`
	Text       string    `json:"text,omitempty"`
	Image      string    `json:"image,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Between reports whether m was exchanged by a and b, in either direction.
func (m Message) Between(a, b string) bool {
	return (m.SenderId == a && m.ReceiverId == b) ||
		(m.SenderId == b && m.ReceiverId == a)
}
