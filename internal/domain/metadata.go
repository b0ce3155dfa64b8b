package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Comment is a single entry in a ticket's conversation thread.
type Comment struct {
	Author    string    `json:"author"`
	Role      Role      `json:"role"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}

// TicketMetadata holds TAT, thread and lifecycle bookkeeping stored
// alongside a ticket. TATPauseStart is set only while the ticket is
// awaiting the student; TATPausedMillis holds finalized pauses only.
type TicketMetadata struct {
	Comments        []Comment  `json:"comments,omitempty"`
	TAT             *string    `json:"tat,omitempty"`
	TATDate         *time.Time `json:"tatDate,omitempty"`
	TATSetAt        *time.Time `json:"tatSetAt,omitempty"`
	TATPauseStart   *time.Time `json:"tatPauseStart,omitempty"`
	TATPausedMillis *int64     `json:"tatPausedDuration,omitempty"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ReopenedAt      *time.Time `json:"reopenedAt,omitempty"`
	ReopenCount     int        `json:"reopenCount,omitempty"`
	ChatChannel     *string    `json:"chatChannel,omitempty"`
	ChatThreadID    *string    `json:"chatThreadId,omitempty"`
	EmailThreadID   *string    `json:"emailThreadId,omitempty"`
}

// ParseMetadata decodes and validates a persisted metadata document.
func ParseMetadata(raw []byte) (TicketMetadata, error) {
	var meta TicketMetadata
	if len(raw) == 0 || string(raw) == "null" {
		return meta, nil
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return TicketMetadata{}, fmt.Errorf("decode ticket metadata: %w", err)
	}
	if err := meta.Validate(); err != nil {
		return TicketMetadata{}, err
	}
	return meta, nil
}

// Validate checks value ranges that JSON decoding cannot enforce.
func (m TicketMetadata) Validate() error {
	if m.TATPausedMillis != nil && *m.TATPausedMillis < 0 {
		return errors.New("ticket metadata: tatPausedDuration must not be negative")
	}
	if m.ReopenCount < 0 {
		return errors.New("ticket metadata: reopenCount must not be negative")
	}
	if m.TAT != nil && m.TATDate == nil {
		return errors.New("ticket metadata: tat set without tatDate")
	}
	return nil
}

// Encode serializes metadata for persistence.
func (m TicketMetadata) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// PausedDuration returns the total of finalized pause intervals.
func (m TicketMetadata) PausedDuration() time.Duration {
	if m.TATPausedMillis == nil {
		return 0
	}
	return time.Duration(*m.TATPausedMillis) * time.Millisecond
}

// IsPaused reports whether a pause window is open.
func (m TicketMetadata) IsPaused() bool {
	return m.TATPauseStart != nil
}

// StartPause opens a pause window at now. No-op when already paused.
func (m *TicketMetadata) StartPause(now time.Time) {
	if m.TATPauseStart != nil {
		return
	}
	start := now
	m.TATPauseStart = &start
	if m.TATPausedMillis == nil {
		zero := int64(0)
		m.TATPausedMillis = &zero
	}
}

// EndPause folds the open pause window into the accumulated duration.
func (m *TicketMetadata) EndPause(now time.Time) {
	if m.TATPauseStart == nil {
		return
	}
	elapsed := now.Sub(*m.TATPauseStart)
	if elapsed < 0 {
		elapsed = 0
	}
	total := m.PausedDuration() + elapsed
	millis := total.Milliseconds()
	m.TATPausedMillis = &millis
	m.TATPauseStart = nil
}

// ResetTAT clears the TAT cycle so a fresh one must be set by a person.
func (m *TicketMetadata) ResetTAT() {
	m.TAT = nil
	m.TATDate = nil
	m.TATSetAt = nil
	m.TATPauseStart = nil
	m.TATPausedMillis = nil
}

// SetTAT starts a new TAT cycle with the given label and deadline.
func (m *TicketMetadata) SetTAT(label string, deadline, now time.Time) {
	m.ResetTAT()
	m.TAT = &label
	d := deadline
	m.TATDate = &d
	setAt := now
	m.TATSetAt = &setAt
}

// EffectiveTATDeadline returns tatDate shifted by paused time. An open
// pause keeps pushing the deadline out until it is finalized.
func (m TicketMetadata) EffectiveTATDeadline(now time.Time) (time.Time, bool) {
	if m.TATDate == nil {
		return time.Time{}, false
	}
	deadline := m.TATDate.Add(m.PausedDuration())
	if m.TATPauseStart != nil && now.After(*m.TATPauseStart) {
		deadline = deadline.Add(now.Sub(*m.TATPauseStart))
	}
	return deadline, true
}

// Clone returns a deep copy.
func (m TicketMetadata) Clone() TicketMetadata {
	out := m
	if m.Comments != nil {
		out.Comments = append([]Comment(nil), m.Comments...)
	}
	out.TAT = clonePtr(m.TAT)
	out.TATDate = clonePtr(m.TATDate)
	out.TATSetAt = clonePtr(m.TATSetAt)
	out.TATPauseStart = clonePtr(m.TATPauseStart)
	out.TATPausedMillis = clonePtr(m.TATPausedMillis)
	out.ResolvedAt = clonePtr(m.ResolvedAt)
	out.ReopenedAt = clonePtr(m.ReopenedAt)
	out.ChatChannel = clonePtr(m.ChatChannel)
	out.ChatThreadID = clonePtr(m.ChatThreadID)
	out.EmailThreadID = clonePtr(m.EmailThreadID)
	return out
}
