// Package goals persists the per-conversation active goal that carries
// a multi-turn intent (schedule a call, send an email) across turns
// until it is confirmed, cancelled, or expires.
package goals

import (
	"time"

	"github.com/google/uuid"
)

// Goal types the intent classifier can start.
const (
	TypeScheduleCall   = "schedule_call"
	TypeBookMeeting    = "book_meeting"
	TypeSendEmail      = "send_email"
	TypeCreateReminder = "create_reminder"
)

// Goal statuses.
const (
	StatusAwaitingInput       = "awaiting_input"
	StatusPendingConfirmation = "pending_confirmation"
)

// DefaultTTL is how long a goal stays active without resolution.
const DefaultTTL = 15 * time.Minute

// DateTime is an extracted date and time slot.
type DateTime struct {
	// Date is the calendar date in YYYY-MM-DD form.
	Date string `json:"date"`
	// Time is the 24-hour clock time in HH:MM form.
	Time string `json:"time"`
	// Timestamp is the resolved instant in the local zone.
	Timestamp time.Time `json:"timestamp"`
}

// ExtractedData holds the slots filled so far for a goal.
type ExtractedData struct {
	RawText  string         `json:"raw_text"`
	Lead     string         `json:"lead,omitempty"`
	LeadID   string         `json:"lead_id,omitempty"`
	DateTime *DateTime      `json:"date_time,omitempty"`
	Extra    map[string]any `json:"extra,omitempty"`
}

// Goal is the persistent record of one active multi-turn intent. At
// most one goal exists per conversation.
type Goal struct {
	ID                  string        `json:"goal_id"`
	Type                string        `json:"goal_type"`
	ConversationID      string        `json:"conversation_id"`
	TenantID            string        `json:"tenant_id"`
	Extracted           ExtractedData `json:"extracted_data"`
	Status              string        `json:"status"`
	ConfirmationMessage string        `json:"confirmation_message,omitempty"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
	ExpiresAt           time.Time     `json:"expires_at"`
}

// New builds a goal with fresh identifiers and the given TTL. TTLs at
// or below zero fall back to DefaultTTL.
func New(goalType, conversationID, tenantID string, ttl time.Duration) *Goal {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := time.Now()
	return &Goal{
		ID:             uuid.NewString(),
		Type:           goalType,
		ConversationID: conversationID,
		TenantID:       tenantID,
		Status:         StatusAwaitingInput,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
}

// Expired reports whether the goal's TTL has passed at the given
// instant.
func (g *Goal) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// MissingSlots names the required slots not yet filled for the goal's
// type.
func (g *Goal) MissingSlots() []string {
	var missing []string
	switch g.Type {
	case TypeScheduleCall, TypeBookMeeting:
		if g.Extracted.Lead == "" {
			missing = append(missing, "lead")
		}
		if g.Extracted.DateTime == nil {
			missing = append(missing, "date_time")
		}
	case TypeSendEmail:
		if g.Extracted.Lead == "" {
			missing = append(missing, "lead")
		}
	case TypeCreateReminder:
		if g.Extracted.DateTime == nil {
			missing = append(missing, "date_time")
		}
	}
	return missing
}
