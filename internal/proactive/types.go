package proactive

// Status of a scheduled message. Sent and cancelled are terminal.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
	StatusCancelled Status = "cancelled"
)

// Message is one self-initiated message a persona wants to send later.
// Rows are never hard-deleted; cancelled rows remain for audit.
type Message struct {
	PublicID        string            `json:"public_id"`
	ConversationKey string            `json:"conversation_key"`
	PersonaID       string            `json:"persona_id"`
	Content         string            `json:"content"`
	ScheduledAt     int64             `json:"scheduled_at"` // unix milliseconds
	Status          Status            `json:"status"`
	Reason          string            `json:"reason,omitempty"`
	Recur           string            `json:"recur,omitempty"` // cron spec, empty = one-shot
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// Directive is a schedule request extracted from model output. The sender is
// resolved later; the model only names the what and when.
type Directive struct {
	Content  string `json:"content"`
	SendAtMs int64  `json:"send_at_ms"`
	Reason   string `json:"reason,omitempty"`
	Recur    string `json:"recur,omitempty"`
}
