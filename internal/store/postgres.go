package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// roleRank orders participant roles for widening upserts. A role is only
// replaced by one that appears later in this list.
const roleRankArray = `ARRAY['follower','mentioned','assignee','creator']`

const activityColumns = `
	id, type, title, content, created_by, assigned_to::text,
	COALESCE(status, ''), COALESCE(priority, ''),
	parent_id, root_id, context_type, context_id, metadata::text,
	is_deleted, thread_count, last_activity_at, created_at, updated_at
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanActivity(row rowScanner) (Activity, error) {
	var item Activity
	var assignedRaw, metadataRaw string
	err := row.Scan(
		&item.ID,
		&item.Type,
		&item.Title,
		&item.Content,
		&item.CreatedBy,
		&assignedRaw,
		&item.Status,
		&item.Priority,
		&item.ParentID,
		&item.RootID,
		&item.ContextType,
		&item.ContextID,
		&metadataRaw,
		&item.IsDeleted,
		&item.ThreadCount,
		&item.LastActivityAt,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return Activity{}, err
	}
	item.AssignedTo = []string{}
	_ = json.Unmarshal([]byte(assignedRaw), &item.AssignedTo)
	_ = json.Unmarshal([]byte(metadataRaw), &item.Metadata)
	return item, nil
}

func encodeJSON(value any) (string, error) {
	encoded, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("encode json: %w", err)
	}
	return string(encoded), nil
}

// InsertActivity persists an activity. When the activity is a reply
// (RootID set), the root's thread_count is incremented and its
// last_activity_at advanced in the same transaction; the bump is a single
// UPDATE so concurrent replies to one root never lose counts.
func (s *PostgresStore) InsertActivity(ctx context.Context, item Activity) error {
	assigned := item.AssignedTo
	if assigned == nil {
		assigned = []string{}
	}
	assignedJSON, err := encodeJSON(assigned)
	if err != nil {
		return err
	}
	metadata := item.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadataJSON, err := encodeJSON(metadata)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert activity: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO activities (id, type, title, content, created_by, assigned_to, status, priority, parent_id, root_id, context_type, context_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, NULLIF($7, ''), NULLIF($8, ''), $9, $10, $11, $12, $13::jsonb)
	`, item.ID, item.Type, item.Title, item.Content, item.CreatedBy, assignedJSON, item.Status, item.Priority, item.ParentID, item.RootID, item.ContextType, item.ContextID, metadataJSON); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}

	if item.RootID != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE activities
			SET thread_count = thread_count + 1,
				last_activity_at = GREATEST(last_activity_at, NOW())
			WHERE id = $1
		`, *item.RootID); err != nil {
			return fmt.Errorf("bump root thread count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetActivity(ctx context.Context, activityID string) (Activity, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+activityColumns+`
		FROM activities
		WHERE id = $1
	`, activityID)
	item, err := scanActivity(row)
	if err != nil {
		return Activity{}, err
	}
	return item, nil
}

func (s *PostgresStore) ListActivities(ctx context.Context, filter ActivityFilter) ([]Activity, error) {
	conditions := []string{"TRUE"}
	args := []any{}
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if !filter.IncludeDeleted {
		conditions = append(conditions, "is_deleted = FALSE")
	}
	if len(filter.Types) > 0 {
		conditions = append(conditions, "type = ANY("+arg(filter.Types)+")")
	}
	if filter.ContextType != "" {
		conditions = append(conditions, "context_type = "+arg(filter.ContextType))
	}
	if filter.ContextID != "" {
		conditions = append(conditions, "context_id = "+arg(filter.ContextID))
	}
	if filter.CreatedBy != "" {
		conditions = append(conditions, "created_by = "+arg(filter.CreatedBy))
	}
	if filter.AssignedTo != "" {
		conditions = append(conditions, "assigned_to @> to_jsonb("+arg(filter.AssignedTo)+"::text)")
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, "status = ANY("+arg(filter.Statuses)+")")
	}
	if filter.RootsOnly {
		conditions = append(conditions, "parent_id IS NULL")
	} else if filter.ParentID != nil {
		conditions = append(conditions, "parent_id = "+arg(*filter.ParentID))
	}

	order := "last_activity_at DESC, id ASC"
	if filter.OrderByCreated {
		order = "created_at ASC, id ASC"
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT ` + activityColumns + `
		FROM activities
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY ` + order + `
		LIMIT ` + arg(limit) + ` OFFSET ` + arg(filter.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list activities: %w", err)
	}
	defer rows.Close()

	items := make([]Activity, 0)
	for rows.Next() {
		item, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activities: %w", err)
	}
	return items, nil
}

// UpdateActivity applies a partial patch. When the patched activity is a
// reply, its root's last_activity_at is advanced in the same transaction so
// thread ordering reflects the edit.
func (s *PostgresStore) UpdateActivity(ctx context.Context, activityID string, patch ActivityPatch) (bool, error) {
	sets := []string{"updated_at = NOW()", "last_activity_at = GREATEST(last_activity_at, NOW())"}
	args := []any{activityID}
	arg := func(value any) string {
		args = append(args, value)
		return fmt.Sprintf("$%d", len(args))
	}

	if patch.Title != nil {
		sets = append(sets, "title = "+arg(*patch.Title))
	}
	if patch.Content != nil {
		sets = append(sets, "content = "+arg(*patch.Content))
	}
	if patch.AssignedTo != nil {
		assignedJSON, err := encodeJSON(*patch.AssignedTo)
		if err != nil {
			return false, err
		}
		sets = append(sets, "assigned_to = "+arg(assignedJSON)+"::jsonb")
	}
	if patch.Status != nil {
		sets = append(sets, "status = NULLIF("+arg(*patch.Status)+", '')")
	}
	if patch.Priority != nil {
		sets = append(sets, "priority = NULLIF("+arg(*patch.Priority)+", '')")
	}
	if patch.Metadata != nil {
		metadataJSON, err := encodeJSON(*patch.Metadata)
		if err != nil {
			return false, err
		}
		sets = append(sets, "metadata = "+arg(metadataJSON)+"::jsonb")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin update activity: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rootID *string
	err = tx.QueryRowContext(ctx, `
		UPDATE activities
		SET `+strings.Join(sets, ", ")+`
		WHERE id = $1 AND is_deleted = FALSE
		RETURNING root_id
	`, args...).Scan(&rootID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update activity: %w", err)
	}

	if rootID != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE activities
			SET last_activity_at = GREATEST(last_activity_at, NOW())
			WHERE id = $1
		`, *rootID); err != nil {
			return false, fmt.Errorf("bump root activity time: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit update activity: %w", err)
	}
	return true, nil
}

// SoftDeleteActivity flags the activity and, when it is a reply, decrements
// the root's thread_count (floored at zero) in the same transaction. The
// root's last_activity_at is left alone: it is monotonic and never rolled
// back. Participants, reactions and attachments are untouched.
func (s *PostgresStore) SoftDeleteActivity(ctx context.Context, activityID string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin soft delete: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var rootID *string
	err = tx.QueryRowContext(ctx, `
		UPDATE activities
		SET is_deleted = TRUE, updated_at = NOW()
		WHERE id = $1 AND is_deleted = FALSE
		RETURNING root_id
	`, activityID).Scan(&rootID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("soft delete activity: %w", err)
	}

	if rootID != nil {
		if _, err := tx.ExecContext(ctx, `
			UPDATE activities
			SET thread_count = GREATEST(thread_count - 1, 0)
			WHERE id = $1
		`, *rootID); err != nil {
			return false, fmt.Errorf("decrement root thread count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit soft delete: %w", err)
	}
	return true, nil
}

// ListThread returns the non-deleted replies of a root in creation order.
// The root itself is fetched separately so a deleted root can still anchor
// an archived-but-readable thread.
func (s *PostgresStore) ListThread(ctx context.Context, rootID string) ([]Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activityColumns+`
		FROM activities
		WHERE root_id = $1 AND is_deleted = FALSE
		ORDER BY created_at ASC, id ASC
	`, rootID)
	if err != nil {
		return nil, fmt.Errorf("list thread: %w", err)
	}
	defer rows.Close()

	items := make([]Activity, 0)
	for rows.Next() {
		item, err := scanActivity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread activity: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate thread: %w", err)
	}
	return items, nil
}

// UpsertParticipant adds a user to an activity's roster. An existing row
// keeps its last_read_at and notification setting; the role is only widened,
// never narrowed.
func (s *PostgresStore) UpsertParticipant(ctx context.Context, activityID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_participants (activity_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (activity_id, user_id) DO UPDATE
		SET role = CASE
			WHEN array_position(`+roleRankArray+`, EXCLUDED.role)
				> array_position(`+roleRankArray+`, activity_participants.role)
			THEN EXCLUDED.role
			ELSE activity_participants.role
		END
	`, activityID, userID, role)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context, activityID string) ([]Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_id, user_id, role, last_read_at, notifications_enabled, created_at
		FROM activity_participants
		WHERE activity_id = $1
		ORDER BY created_at ASC, user_id ASC
	`, activityID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	items := make([]Participant, 0)
	for rows.Next() {
		var item Participant
		if err := rows.Scan(&item.ActivityID, &item.UserID, &item.Role, &item.LastReadAt, &item.NotificationsEnabled, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan participant: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participants: %w", err)
	}
	return items, nil
}

// MarkRead stamps the participant's watermark for one activity. Last writer
// wins; there is no ordering guarantee between concurrent marks.
func (s *PostgresStore) MarkRead(ctx context.Context, activityID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE activity_participants
		SET last_read_at = NOW()
		WHERE activity_id = $1 AND user_id = $2
	`, activityID, userID)
	if err != nil {
		return false, fmt.Errorf("mark read: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark read rows: %w", err)
	}
	return affected > 0, nil
}

// UnreadCount compares each participation's watermark against the
// activity's last_activity_at. Computed on read; there is no stored unread
// counter to drift.
func (s *PostgresStore) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM activity_participants p
		JOIN activities a ON a.id = p.activity_id
		WHERE p.user_id = $1
		  AND a.is_deleted = FALSE
		  AND a.last_activity_at > COALESCE(p.last_read_at, 'epoch'::timestamptz)
	`, userID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// AddReaction is idempotent: re-adding an existing triple is a no-op.
func (s *PostgresStore) AddReaction(ctx context.Context, activityID, userID, reactionType string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_reactions (activity_id, user_id, reaction_type)
		VALUES ($1, $2, $3)
		ON CONFLICT (activity_id, user_id, reaction_type) DO NOTHING
	`, activityID, userID, reactionType)
	if err != nil {
		return false, fmt.Errorf("add reaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("add reaction rows: %w", err)
	}
	return affected > 0, nil
}

// RemoveReaction deletes the triple if present; absence is not an error.
func (s *PostgresStore) RemoveReaction(ctx context.Context, activityID, userID, reactionType string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM activity_reactions
		WHERE activity_id = $1 AND user_id = $2 AND reaction_type = $3
	`, activityID, userID, reactionType)
	if err != nil {
		return false, fmt.Errorf("remove reaction: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("remove reaction rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListReactionCounts(ctx context.Context, activityID string) ([]ReactionCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT reaction_type, COUNT(*)::int, jsonb_agg(user_id ORDER BY created_at ASC)::text
		FROM activity_reactions
		WHERE activity_id = $1
		GROUP BY reaction_type
		ORDER BY reaction_type ASC
	`, activityID)
	if err != nil {
		return nil, fmt.Errorf("list reaction counts: %w", err)
	}
	defer rows.Close()

	items := make([]ReactionCount, 0)
	for rows.Next() {
		var item ReactionCount
		var usersRaw string
		if err := rows.Scan(&item.Type, &item.Count, &usersRaw); err != nil {
			return nil, fmt.Errorf("scan reaction count: %w", err)
		}
		item.Users = []string{}
		_ = json.Unmarshal([]byte(usersRaw), &item.Users)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reaction counts: %w", err)
	}
	return items, nil
}

// ListReactions returns the raw ledger rows for one activity, oldest first.
func (s *PostgresStore) ListReactions(ctx context.Context, activityID string) ([]Reaction, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT activity_id, user_id, reaction_type, created_at
		FROM activity_reactions
		WHERE activity_id = $1
		ORDER BY created_at ASC, user_id ASC
	`, activityID)
	if err != nil {
		return nil, fmt.Errorf("list reactions: %w", err)
	}
	defer rows.Close()

	items := make([]Reaction, 0)
	for rows.Next() {
		var item Reaction
		if err := rows.Scan(&item.ActivityID, &item.UserID, &item.Type, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan reaction: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reactions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) InsertAttachment(ctx context.Context, item Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_attachments (id, activity_id, file_url, file_type, file_name, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, item.ID, item.ActivityID, item.FileURL, item.FileType, item.FileName, item.UploadedBy)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, activityID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, activity_id, file_url, file_type, file_name, uploaded_by, uploaded_at
		FROM activity_attachments
		WHERE activity_id = $1
		ORDER BY uploaded_at ASC, id ASC
	`, activityID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	items := make([]Attachment, 0)
	for rows.Next() {
		var item Attachment
		if err := rows.Scan(&item.ID, &item.ActivityID, &item.FileURL, &item.FileType, &item.FileName, &item.UploadedBy, &item.UploadedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return items, nil
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
