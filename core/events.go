package core

import "time"

// EventType enumerates domain events.
type EventType string

const (
	EventLoginRecorded EventType = "login_recorded"
	EventXPGranted     EventType = "xp_granted"
	EventLevelUp       EventType = "level_up"
	EventTriggerFired  EventType = "trigger_fired"
	EventNotification  EventType = "notification"
)

// Event represents an immutable domain event.
type Event struct {
	Type         EventType      `json:"type"`
	Time         time.Time      `json:"time"`
	UserID       UserID         `json:"user_id"`
	Activity     string         `json:"activity,omitempty"`
	Delta        int64          `json:"delta,omitempty"`
	Total        int64          `json:"total,omitempty"`
	Level        int            `json:"level,omitempty"`
	Streak       int            `json:"streak,omitempty"`
	TriggerID    string         `json:"trigger_id,omitempty"`
	Notification *Notification  `json:"notification,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

func NewLoginRecorded(user UserID, streak int, bonus int64) Event {
	return Event{Type: EventLoginRecorded, Time: time.Now().UTC(), UserID: user, Streak: streak, Delta: bonus}
}

func NewXPGranted(user UserID, activity string, delta, total int64) Event {
	return Event{Type: EventXPGranted, Time: time.Now().UTC(), UserID: user, Activity: activity, Delta: delta, Total: total}
}

func NewLevelUp(user UserID, level int) Event {
	return Event{Type: EventLevelUp, Time: time.Now().UTC(), UserID: user, Level: level}
}

func NewTriggerFired(user UserID, triggerID string) Event {
	return Event{Type: EventTriggerFired, Time: time.Now().UTC(), UserID: user, TriggerID: triggerID}
}

func NewNotificationQueued(user UserID, n Notification) Event {
	return Event{Type: EventNotification, Time: time.Now().UTC(), UserID: user, Notification: &n}
}
