package models

import "time"

// Message is a persisted chat message. Rows are immutable once written.
type Message struct {
	ID        int64     `db:"id"`
	Author    string    `db:"author"`
	Nick      string    `db:"nick"`
	Body      string    `db:"body"`
	OriginIP  string    `db:"origin_ip"`
	Latitude  float64   `db:"latitude"`
	Longitude float64   `db:"longitude"`
	CreatedAt time.Time `db:"created_at"`
}

// MessageView is the projection of a Message sent to clients, both in
// playback and in live pushes.
type MessageView struct {
	User      string  `json:"user"`
	Nick      string  `json:"nick"`
	Msg       string  `json:"msg"`
	Latitude  float64 `json:"lat"`
	Longitude float64 `json:"lon"`
	// Timestamp is milliseconds since the Unix epoch.
	Timestamp int64 `json:"ts"`
}

// View builds the client projection of m.
func (m *Message) View() MessageView {
	return MessageView{
		User:      m.Author,
		Nick:      m.Nick,
		Msg:       m.Body,
		Latitude:  m.Latitude,
		Longitude: m.Longitude,
		Timestamp: m.CreatedAt.UnixMilli(),
	}
}

// Presence is the heartbeat response.
type Presence struct {
	Users   int `json:"users"`
	Version int `json:"version"`
}
