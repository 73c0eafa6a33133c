package v1

import "time"

// BusMessage is the wire form of a bus history entry.
type BusMessage struct {
	Topic         string    `json:"topic"`
	Sender        string    `json:"sender,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Payload       any       `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
}

// BusHistoryResponse wraps a bus history query.
type BusHistoryResponse struct {
	Messages []BusMessage `json:"messages"`
	Total    int          `json:"total"`
}

// JournalEntry is one persisted event row.
type JournalEntry struct {
	Seq           int64     `json:"seq"`
	Topic         string    `json:"topic"`
	Sender        string    `json:"sender,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	TaskID        string    `json:"task_id,omitempty"`
	Payload       any       `json:"payload"`
	Timestamp     time.Time `json:"timestamp"`
}

// JournalResponse wraps a journal query.
type JournalResponse struct {
	Entries []JournalEntry `json:"entries"`
	Total   int            `json:"total"`
}
