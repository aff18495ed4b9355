package model

import (
	"encoding/json"
	"time"
)

// Message is a stored payload with its headers and content type.
// A child flow step reuses its parent's Message when the content is unchanged.
type Message struct {
	ID          int64     `json:"id" db:"id"`
	Content     string    `json:"content" db:"content"`
	Headers     string    `json:"headers" db:"headers"` // JSON object of string values
	ContentType string    `json:"contentType" db:"content_type"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}

// TableName returns the database table name for Message.
func (m Message) TableName() string {
	return tablePrefix + "message"
}

// NewMessage creates a new message. Headers are encoded as JSON.
func NewMessage(content, contentType string, headers map[string]string) (Message, error) {
	m := Message{
		ID:          0,
		Content:     content,
		ContentType: contentType,
		CreatedAt:   time.Now(),
	}
	if err := m.SetHeaderMap(headers); err != nil {
		return m, err
	}
	return m, nil
}

// HeaderMap decodes the stored headers.
func (m Message) HeaderMap() (map[string]string, error) {
	headers := make(map[string]string)
	if m.Headers == "" {
		return headers, nil
	}
	if err := json.Unmarshal([]byte(m.Headers), &headers); err != nil {
		return nil, err
	}
	return headers, nil
}

// SetHeaderMap encodes headers into the message.
func (m *Message) SetHeaderMap(headers map[string]string) error {
	if len(headers) == 0 {
		m.Headers = "{}"
		return nil
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return err
	}
	m.Headers = string(data)
	return nil
}

// SameContent reports whether the message carries exactly the given content.
func (m Message) SameContent(content string) bool {
	return m.Content == content
}

// MergeHeaders merges parent headers over the given ones. The parent wins on conflicts.
func MergeHeaders(own, parent map[string]string) map[string]string {
	merged := make(map[string]string, len(own)+len(parent))
	for k, v := range own {
		merged[k] = v
	}
	for k, v := range parent {
		merged[k] = v
	}
	return merged
}
