package model

import "time"

// Huddle — звонок в канале; активен, пока EndedAt == nil.
type Huddle struct {
	ChannelKey string     `json:"channel_key"`
	HuddleID   string     `json:"huddle_id"`
	StartedBy  string     `json:"started_by"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

func (h *Huddle) Active() bool { return h.EndedAt == nil }
