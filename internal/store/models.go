package store

import "time"

// Activity is the unified record for tasks, events, messages, kudos and
// anything else a thread can carry. Roots have ParentID and RootID both nil;
// replies always point at a true root, never at another reply.
type Activity struct {
	ID             string
	Type           string
	Title          string
	Content        string
	CreatedBy      string
	AssignedTo     []string
	Status         string
	Priority       string
	ParentID       *string
	RootID         *string
	ContextType    string
	ContextID      string
	Metadata       map[string]any
	IsDeleted      bool
	ThreadCount    int
	LastActivityAt time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Participant struct {
	ActivityID           string
	UserID               string
	Role                 string
	LastReadAt           *time.Time
	NotificationsEnabled bool
	CreatedAt            time.Time
}

// Reaction and ReactionCount are served to clients as-is, hence the tags.
type Reaction struct {
	ActivityID string    `json:"activityId"`
	UserID     string    `json:"userId"`
	Type       string    `json:"type"`
	CreatedAt  time.Time `json:"createdAt"`
}

type ReactionCount struct {
	Type  string   `json:"type"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

type Attachment struct {
	ID         string
	ActivityID string
	FileURL    string
	FileType   string
	FileName   string
	UploadedBy string
	UploadedAt time.Time
}

// ActivityFilter narrows ListActivities. RootsOnly selects activities with
// parent_id IS NULL; ParentID selects direct children of one parent. Limit
// must be set by the caller (the service applies the default).
type ActivityFilter struct {
	Types          []string
	ContextType    string
	ContextID      string
	CreatedBy      string
	AssignedTo     string
	Statuses       []string
	ParentID       *string
	RootsOnly      bool
	IncludeDeleted bool
	OrderByCreated bool
	Limit          int
	Offset         int
}

// ActivityPatch carries partial updates; nil fields are left untouched.
type ActivityPatch struct {
	Title      *string
	Content    *string
	AssignedTo *[]string
	Status     *string
	Priority   *string
	Metadata   *map[string]any
}
