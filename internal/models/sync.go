// Package models defines types shared across internal packages.
package models

// EventSync is the name of the lifecycle event sent on the UI channel.
const EventSync = "sync_event"

// SyncStatus is the lifecycle state reported to UI subscribers.
type SyncStatus string

const (
	StatusInProgress    SyncStatus = "InProgress"
	StatusRequireReload SyncStatus = "RequireReload"
	StatusFinished      SyncStatus = "Finished"
	StatusError         SyncStatus = "Error"
)

// SyncPayload is the body of a sync_event notification.
type SyncPayload struct {
	Status       SyncStatus `json:"status"`
	ErrorMessage *string    `json:"error_message"`
}

// ErrorPayload builds an Error notification carrying msg.
func ErrorPayload(msg string) SyncPayload {
	return SyncPayload{Status: StatusError, ErrorMessage: &msg}
}
