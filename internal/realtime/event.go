// Package realtime fans out activity change events to live subscribers.
// Delivery is best-effort: a write is complete once committed, and a slow or
// disconnected subscriber never blocks the write path.
package realtime

const (
	EventActivityCreated         = "activity-created"
	EventActivityUpdated         = "activity-updated"
	EventActivityReply           = "activity-reply"
	EventActivityDeleted         = "activity-deleted"
	EventActivityReactionChanged = "activity-reaction-changed"
)

// Event is the payload pushed on thread and user channels. Delta carries a
// partial view of the change; clients reconcile by re-fetching when in doubt.
type Event struct {
	Type       string         `json:"type"`
	ActivityID string         `json:"activityId"`
	RootID     string         `json:"rootId,omitempty"`
	Delta      map[string]any `json:"delta,omitempty"`
}

// ThreadChannel receives every create/update/delete for a root and its replies.
func ThreadChannel(rootID string) string {
	return "activity:" + rootID
}

// UserChannel receives events for activities the user participates in.
func UserChannel(userID string) string {
	return "user:" + userID
}
