package app

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"pulse/api/internal/auth"
	"pulse/api/internal/config"
	"pulse/api/internal/realtime"
	"pulse/api/internal/store"
	"pulse/api/internal/util"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	JTI       string
	ExpiresAt time.Time
}

type CreateActivityInput struct {
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Content     string         `json:"content"`
	AssignedTo  []string       `json:"assignedTo"`
	Status      string         `json:"status"`
	Priority    string         `json:"priority"`
	ParentID    *string        `json:"parentId"`
	ContextType string         `json:"contextType"`
	ContextID   string         `json:"contextId"`
	Metadata    map[string]any `json:"metadata"`
	Mentions    []string       `json:"mentions"`
}

type ActivityPatchInput struct {
	Title      *string         `json:"title"`
	Content    *string         `json:"content"`
	AssignedTo *[]string       `json:"assignedTo"`
	Status     *string         `json:"status"`
	Priority   *string         `json:"priority"`
	Metadata   *map[string]any `json:"metadata"`
	ParentID   *string         `json:"parentId"`
}

type ListActivitiesInput struct {
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
	LimitSet       bool
	Offset         int
}

type AddAttachmentInput struct {
	FileURL  string `json:"fileUrl"`
	FileType string `json:"fileType"`
	FileName string `json:"fileName"`
}

type ActivityView struct {
	ID             string         `json:"id"`
	Type           string         `json:"type"`
	Title          string         `json:"title"`
	Content        string         `json:"content,omitempty"`
	CreatedBy      string         `json:"createdBy"`
	AssignedTo     []string       `json:"assignedTo"`
	Status         string         `json:"status,omitempty"`
	Priority       string         `json:"priority,omitempty"`
	ParentID       *string        `json:"parentId"`
	RootID         *string        `json:"rootId"`
	ContextType    string         `json:"contextType,omitempty"`
	ContextID      string         `json:"contextId,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	IsDeleted      bool           `json:"isDeleted"`
	ThreadCount    int            `json:"threadCount"`
	LastActivityAt time.Time      `json:"lastActivityAt"`
	CreatedAt      time.Time      `json:"createdAt"`
	UpdatedAt      time.Time      `json:"updatedAt"`
}

type ThreadView struct {
	Root         ActivityView   `json:"root"`
	Replies      []ActivityView `json:"replies"`
	TotalReplies int            `json:"totalReplies"`
}

type AttachmentView struct {
	ID          string `json:"id"`
	ActivityID  string `json:"activityId"`
	FileURL     string `json:"fileUrl"`
	FileType    string `json:"fileType,omitempty"`
	FileName    string `json:"fileName,omitempty"`
	UploadedBy  string `json:"uploadedBy"`
	UploadedAt  time.Time `json:"uploadedAt"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// typeRule is the per-type capability entry of the validation dispatch
// table. Unknown types fall back to the message-like zero rule, so new
// activity types need no schema or code change unless they want task
// semantics.
type typeRule struct {
	AllowStatus   bool
	AllowPriority bool
}

var activityTypeRules = map[string]typeRule{
	"task":       {AllowStatus: true, AllowPriority: true},
	"event":      {AllowStatus: true},
	"message":    {},
	"kudos":      {},
	"system_log": {},
}

var allowedPriorities = map[string]struct{}{
	"low":    {},
	"medium": {},
	"high":   {},
	"urgent": {},
}

var allowedReactionTypes = map[string]struct{}{
	"like":      {},
	"celebrate": {},
	"helpful":   {},
	"complete":  {},
	"question":  {},
}

var allowedParticipantRoles = map[string]struct{}{
	"creator":   {},
	"assignee":  {},
	"follower":  {},
	"mentioned": {},
}

type dataStore interface {
	InsertActivity(context.Context, store.Activity) error
	GetActivity(context.Context, string) (store.Activity, error)
	ListActivities(context.Context, store.ActivityFilter) ([]store.Activity, error)
	UpdateActivity(context.Context, string, store.ActivityPatch) (bool, error)
	SoftDeleteActivity(context.Context, string) (bool, error)
	ListThread(context.Context, string) ([]store.Activity, error)
	UpsertParticipant(context.Context, string, string, string) error
	ListParticipants(context.Context, string) ([]store.Participant, error)
	MarkRead(context.Context, string, string) (bool, error)
	UnreadCount(context.Context, string) (int, error)
	AddReaction(context.Context, string, string, string) (bool, error)
	RemoveReaction(context.Context, string, string, string) (bool, error)
	ListReactionCounts(context.Context, string) ([]store.ReactionCount, error)
	ListReactions(context.Context, string) ([]store.Reaction, error)
	InsertAttachment(context.Context, store.Attachment) error
	ListAttachments(context.Context, string) ([]store.Attachment, error)
	Ping(ctx context.Context) error
}

type publisher interface {
	Publish(ctx context.Context, channel string, event realtime.Event) error
}

type objectStore interface {
	PresignUpload(ctx context.Context, objectKey string) (string, error)
	PresignDownload(ctx context.Context, objectKey, fileName string) (string, error)
	ObjectURL(objectKey string) string
}

type Service struct {
	cfg       config.Config
	store     dataStore
	hub       *realtime.Hub
	publisher publisher
	objects   objectStore
}

// New wires the service. The publisher is the hub itself for single-process
// deployments or the Redis broker when fan-out must cross processes; objects
// may be nil, in which case attachments only accept caller-supplied URLs.
func New(cfg config.Config, dataStore dataStore, hub *realtime.Hub, eventPublisher publisher, objects objectStore) *Service {
	if eventPublisher == nil {
		eventPublisher = hub
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		hub:       hub,
		publisher: eventPublisher,
		objects:   objects,
	}
}

// Hub exposes the subscription registry to the transport layer.
func (s *Service) Hub() *realtime.Hub {
	return s.hub
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Login issues a dev session for a display name. Real deployments resolve
// identity upstream and mint the same token shape there.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")
	userID := actorID(userName)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  userID,
		Name: userName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    userID,
		UserName:  userName,
		JTI:       jti,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(_ context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func actorID(name string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(name))))
	return "usr_" + hex.EncodeToString(sum[:8])
}

// CreateActivity validates, resolves threading, persists and fans out. The
// actor always comes from the session, never from the body.
func (s *Service) CreateActivity(ctx context.Context, session Session, input CreateActivityInput) (ActivityView, error) {
	fieldErrors := map[string]string{}
	if strings.TrimSpace(input.Type) == "" {
		fieldErrors["type"] = "type is required"
	}
	if strings.TrimSpace(input.Title) == "" {
		fieldErrors["title"] = "title is required"
	}
	if len(fieldErrors) > 0 {
		return ActivityView{}, validationError("missing required fields", fieldErrors)
	}
	if err := validateTypeFields(input.Type, input.Status, input.Priority); err != nil {
		return ActivityView{}, err
	}

	item := store.Activity{
		ID:          util.NewID("act"),
		Type:        input.Type,
		Title:       input.Title,
		Content:     input.Content,
		CreatedBy:   session.UserID,
		AssignedTo:  dedupe(input.AssignedTo),
		Status:      input.Status,
		Priority:    input.Priority,
		ContextType: input.ContextType,
		ContextID:   input.ContextID,
		Metadata:    input.Metadata,
	}

	if input.ParentID != nil && *input.ParentID != "" {
		rootID, err := s.resolveRoot(ctx, *input.ParentID)
		if err != nil {
			return ActivityView{}, err
		}
		parentID := *input.ParentID
		item.ParentID = &parentID
		item.RootID = &rootID
	}

	if err := s.withMetricRetry(func() error { return s.store.InsertActivity(ctx, item) }); err != nil {
		return ActivityView{}, err
	}

	if err := s.enrollParticipants(ctx, item, session.UserID, input.Mentions); err != nil {
		return ActivityView{}, err
	}
	// The actor has obviously seen their own write.
	if _, err := s.store.MarkRead(ctx, item.ID, session.UserID); err != nil {
		return ActivityView{}, err
	}

	created, err := s.store.GetActivity(ctx, item.ID)
	if err != nil {
		return ActivityView{}, err
	}

	eventType := realtime.EventActivityCreated
	if created.RootID != nil {
		eventType = realtime.EventActivityReply
	}
	s.fanOut(ctx, eventType, created, map[string]any{
		"title": created.Title,
		"type":  created.Type,
	})

	return activityView(created), nil
}

// resolveRoot flattens reply chains onto the original root: replying to a
// reply threads under that reply's root, so no activity's rootId ever points
// at another reply.
func (s *Service) resolveRoot(ctx context.Context, parentID string) (string, error) {
	parent, err := s.store.GetActivity(ctx, parentID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", invalidReference("parent activity not found")
	}
	if err != nil {
		return "", err
	}
	if parent.IsDeleted {
		return "", invalidReference("parent activity is deleted")
	}
	if parent.RootID != nil {
		return *parent.RootID, nil
	}
	return parent.ID, nil
}

func (s *Service) enrollParticipants(ctx context.Context, item store.Activity, actorID string, mentions []string) error {
	if err := s.store.UpsertParticipant(ctx, item.ID, actorID, "creator"); err != nil {
		return err
	}
	for _, userID := range item.AssignedTo {
		if err := s.store.UpsertParticipant(ctx, item.ID, userID, "assignee"); err != nil {
			return err
		}
	}
	for _, userID := range dedupe(mentions) {
		if err := s.store.UpsertParticipant(ctx, item.ID, userID, "mentioned"); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) GetActivity(ctx context.Context, activityID string) (ActivityView, error) {
	item, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return ActivityView{}, err
	}
	return activityView(item), nil
}

func (s *Service) ListActivities(ctx context.Context, input ListActivitiesInput) ([]ActivityView, error) {
	limit := input.Limit
	if !input.LimitSet {
		limit = s.cfg.DefaultPageSize
	}
	if limit <= 0 {
		return nil, validationError("limit must be a positive integer", nil)
	}
	if limit > s.cfg.MaxPageSize {
		limit = s.cfg.MaxPageSize
	}
	if input.Offset < 0 {
		return nil, validationError("offset must not be negative", nil)
	}

	items, err := s.store.ListActivities(ctx, store.ActivityFilter{
		Types:          input.Types,
		ContextType:    input.ContextType,
		ContextID:      input.ContextID,
		CreatedBy:      input.CreatedBy,
		AssignedTo:     input.AssignedTo,
		Statuses:       input.Statuses,
		ParentID:       input.ParentID,
		RootsOnly:      input.RootsOnly,
		IncludeDeleted: input.IncludeDeleted,
		OrderByCreated: input.OrderByCreated,
		Limit:          limit,
		Offset:         input.Offset,
	})
	if err != nil {
		return nil, err
	}

	views := make([]ActivityView, 0, len(items))
	for _, item := range items {
		views = append(views, activityView(item))
	}
	return views, nil
}

// GetThread returns the root plus its live replies in creation order. A
// soft-deleted root still anchors a readable, archived thread. Fetching a
// thread never advances anyone's read watermark.
func (s *Service) GetThread(ctx context.Context, rootID string) (ThreadView, error) {
	root, err := s.store.GetActivity(ctx, rootID)
	if err != nil {
		return ThreadView{}, err
	}
	if root.ParentID != nil {
		return ThreadView{}, invalidReference("activity is not a thread root")
	}

	replies, err := s.store.ListThread(ctx, rootID)
	if err != nil {
		return ThreadView{}, err
	}

	replyViews := make([]ActivityView, 0, len(replies))
	for _, reply := range replies {
		replyViews = append(replyViews, activityView(reply))
	}
	return ThreadView{
		Root:         activityView(root),
		Replies:      replyViews,
		TotalReplies: root.ThreadCount,
	}, nil
}

func (s *Service) UpdateActivity(ctx context.Context, session Session, activityID string, input ActivityPatchInput) (ActivityView, error) {
	if input.ParentID != nil {
		return ActivityView{}, validationError("parentId is immutable; threading is fixed at creation", nil)
	}

	current, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return ActivityView{}, err
	}
	if current.IsDeleted {
		return ActivityView{}, notFound("activity is deleted")
	}
	if err := s.requireActorCanMutate(session, current); err != nil {
		return ActivityView{}, err
	}

	status := current.Status
	if input.Status != nil {
		status = *input.Status
	}
	priority := current.Priority
	if input.Priority != nil {
		priority = *input.Priority
	}
	if err := validateTypeFields(current.Type, status, priority); err != nil {
		return ActivityView{}, err
	}

	patch := store.ActivityPatch{
		Title:    input.Title,
		Content:  input.Content,
		Status:   input.Status,
		Priority: input.Priority,
		Metadata: input.Metadata,
	}
	var addedAssignees []string
	if input.AssignedTo != nil {
		next := dedupe(*input.AssignedTo)
		patch.AssignedTo = &next
		addedAssignees = difference(next, current.AssignedTo)
	}

	ok, err := s.withMetricRetryBool(func() (bool, error) { return s.store.UpdateActivity(ctx, activityID, patch) })
	if err != nil {
		return ActivityView{}, err
	}
	if !ok {
		return ActivityView{}, notFound("activity not found")
	}

	// Users newly assigned join the roster; removed users keep their
	// participation so history survives reassignment.
	for _, userID := range addedAssignees {
		if err := s.store.UpsertParticipant(ctx, activityID, userID, "assignee"); err != nil {
			return ActivityView{}, err
		}
	}

	updated, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return ActivityView{}, err
	}

	s.fanOut(ctx, realtime.EventActivityUpdated, updated, map[string]any{
		"updatedAt": updated.UpdatedAt,
	})
	return activityView(updated), nil
}

// DeleteActivity soft-deletes. Deleting an already-deleted activity is a
// no-op; deleting a root with live replies leaves them readable as an
// archived thread.
func (s *Service) DeleteActivity(ctx context.Context, session Session, activityID string) error {
	current, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	if err := s.requireActorCanMutate(session, current); err != nil {
		return err
	}

	affected, err := s.withMetricRetryBool(func() (bool, error) { return s.store.SoftDeleteActivity(ctx, activityID) })
	if err != nil {
		return err
	}
	if !affected {
		return nil
	}

	s.fanOut(ctx, realtime.EventActivityDeleted, current, nil)
	return nil
}

// requireActorCanMutate is the in-core ownership floor: creator and current
// assignees may mutate. Richer role checks belong to the upstream
// authorization collaborator and surface here untouched.
func (s *Service) requireActorCanMutate(session Session, item store.Activity) error {
	if session.UserID == item.CreatedBy {
		return nil
	}
	for _, userID := range item.AssignedTo {
		if userID == session.UserID {
			return nil
		}
	}
	return forbidden("only the creator or an assignee may modify this activity")
}

func (s *Service) AddParticipant(ctx context.Context, activityID, userID, role string) error {
	if _, ok := allowedParticipantRoles[role]; !ok {
		return validationError(fmt.Sprintf("unknown participant role %q", role), nil)
	}
	if strings.TrimSpace(userID) == "" {
		return validationError("userId is required", nil)
	}
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return err
	}
	return s.store.UpsertParticipant(ctx, activityID, userID, role)
}

// MarkRead stamps the actor's watermark for one activity. Callers wanting a
// whole thread read must mark the root and iterate replies themselves. A
// non-participant is enrolled as a follower first.
func (s *Service) MarkRead(ctx context.Context, session Session, activityID string) error {
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return err
	}
	affected, err := s.store.MarkRead(ctx, activityID, session.UserID)
	if err != nil {
		return err
	}
	if affected {
		return nil
	}
	if err := s.store.UpsertParticipant(ctx, activityID, session.UserID, "follower"); err != nil {
		return err
	}
	_, err = s.store.MarkRead(ctx, activityID, session.UserID)
	return err
}

func (s *Service) GetUnreadCount(ctx context.Context, userID string) (int, error) {
	return s.store.UnreadCount(ctx, userID)
}

func (s *Service) AddReaction(ctx context.Context, session Session, activityID, reactionType string) error {
	if err := validateReactionType(reactionType); err != nil {
		return err
	}
	item, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	changed, err := s.store.AddReaction(ctx, activityID, session.UserID, reactionType)
	if err != nil {
		return err
	}
	if changed {
		s.fanOut(ctx, realtime.EventActivityReactionChanged, item, map[string]any{
			"reactionType": reactionType,
			"userId":       session.UserID,
			"added":        true,
		})
	}
	return nil
}

func (s *Service) RemoveReaction(ctx context.Context, session Session, activityID, reactionType string) error {
	if err := validateReactionType(reactionType); err != nil {
		return err
	}
	item, err := s.store.GetActivity(ctx, activityID)
	if err != nil {
		return err
	}
	changed, err := s.store.RemoveReaction(ctx, activityID, session.UserID, reactionType)
	if err != nil {
		return err
	}
	if changed {
		s.fanOut(ctx, realtime.EventActivityReactionChanged, item, map[string]any{
			"reactionType": reactionType,
			"userId":       session.UserID,
			"added":        false,
		})
	}
	return nil
}

func (s *Service) GetReactions(ctx context.Context, activityID string) ([]store.ReactionCount, error) {
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return nil, err
	}
	return s.store.ListReactionCounts(ctx, activityID)
}

// GetReactionEntries returns the raw ledger rows instead of the grouped
// counts, for clients that render per-user reaction history.
func (s *Service) GetReactionEntries(ctx context.Context, activityID string) ([]store.Reaction, error) {
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return nil, err
	}
	return s.store.ListReactions(ctx, activityID)
}

// AddAttachment records an external file reference. When no URL is supplied
// and an object store is configured, a presigned upload URL is issued and
// the object's stable URL becomes the recorded reference. Bytes are never
// touched here.
func (s *Service) AddAttachment(ctx context.Context, session Session, activityID string, input AddAttachmentInput) (AttachmentView, string, error) {
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return AttachmentView{}, "", err
	}

	fileURL := strings.TrimSpace(input.FileURL)
	uploadURL := ""
	if fileURL == "" {
		if s.objects == nil {
			return AttachmentView{}, "", validationError("fileUrl is required when no object store is configured", nil)
		}
		if strings.TrimSpace(input.FileName) == "" {
			return AttachmentView{}, "", validationError("fileName is required to upload to the object store", nil)
		}
		objectKey := activityID + "/" + util.NewID("obj") + "/" + input.FileName
		presigned, err := s.objects.PresignUpload(ctx, objectKey)
		if err != nil {
			return AttachmentView{}, "", err
		}
		uploadURL = presigned
		fileURL = s.objects.ObjectURL(objectKey)
	}

	item := store.Attachment{
		ID:         util.NewID("att"),
		ActivityID: activityID,
		FileURL:    fileURL,
		FileType:   input.FileType,
		FileName:   input.FileName,
		UploadedBy: session.UserID,
	}
	if err := s.store.InsertAttachment(ctx, item); err != nil {
		return AttachmentView{}, "", err
	}

	stored, err := s.store.ListAttachments(ctx, activityID)
	if err != nil {
		return AttachmentView{}, "", err
	}
	for _, attachment := range stored {
		if attachment.ID == item.ID {
			return attachmentView(attachment, ""), uploadURL, nil
		}
	}
	return attachmentView(item, ""), uploadURL, nil
}

// GetAttachments lists the records. With presign set and an object store
// configured, references that live in our bucket also get a short-lived
// download URL.
func (s *Service) GetAttachments(ctx context.Context, activityID string, presign bool) ([]AttachmentView, error) {
	if _, err := s.store.GetActivity(ctx, activityID); err != nil {
		return nil, err
	}
	items, err := s.store.ListAttachments(ctx, activityID)
	if err != nil {
		return nil, err
	}

	objectRoot := ""
	if s.objects != nil {
		objectRoot = s.objects.ObjectURL("")
	}

	views := make([]AttachmentView, 0, len(items))
	for _, item := range items {
		downloadURL := ""
		if presign && objectRoot != "" && strings.HasPrefix(item.FileURL, objectRoot) {
			objectKey := strings.TrimPrefix(item.FileURL, objectRoot)
			if presigned, err := s.objects.PresignDownload(ctx, objectKey, item.FileName); err == nil {
				downloadURL = presigned
			} else {
				log.Printf("attachments: presign download %s failed: %v", item.ID, err)
			}
		}
		views = append(views, attachmentView(item, downloadURL))
	}
	return views, nil
}

// fanOut publishes the change to the thread channel and to each
// participant's user channel. A change to a reply also touches the root
// (thread count, last activity), so user events go to the union of both
// rosters; each user hears about it once. Runs strictly after the write
// committed and never fails the originating call.
func (s *Service) fanOut(ctx context.Context, eventType string, item store.Activity, delta map[string]any) {
	rootID := item.ID
	if item.RootID != nil {
		rootID = *item.RootID
	}
	event := realtime.Event{
		Type:       eventType,
		ActivityID: item.ID,
		RootID:     rootID,
		Delta:      delta,
	}

	s.publish(ctx, realtime.ThreadChannel(rootID), event)

	notified := map[string]struct{}{}
	notifyRoster := func(activityID string) {
		roster, err := s.store.ListParticipants(ctx, activityID)
		if err != nil {
			log.Printf("fan-out: list participants for %s failed: %v", activityID, err)
			return
		}
		for _, participant := range roster {
			if _, ok := notified[participant.UserID]; ok {
				continue
			}
			notified[participant.UserID] = struct{}{}
			s.publish(ctx, realtime.UserChannel(participant.UserID), event)
		}
	}
	notifyRoster(item.ID)
	if rootID != item.ID {
		notifyRoster(rootID)
	}
}

func (s *Service) publish(ctx context.Context, channel string, event realtime.Event) {
	if err := s.publisher.Publish(ctx, channel, event); err != nil {
		log.Printf("fan-out: publish to %s failed: %v", channel, err)
	}
}

const metricRetryAttempts = 3

// withMetricRetry absorbs transient serialization failures on the shared
// root counters. The increment itself is a single atomic UPDATE; retries
// only cover transaction-level aborts, and contention past the budget
// surfaces as Conflict.
func (s *Service) withMetricRetry(op func() error) error {
	var err error
	for attempt := 0; attempt < metricRetryAttempts; attempt++ {
		err = op()
		if err == nil || !isRetryableTxError(err) {
			return err
		}
	}
	return conflict("concurrent thread update contention; retry the request")
}

func (s *Service) withMetricRetryBool(op func() (bool, error)) (bool, error) {
	var ok bool
	var err error
	for attempt := 0; attempt < metricRetryAttempts; attempt++ {
		ok, err = op()
		if err == nil || !isRetryableTxError(err) {
			return ok, err
		}
	}
	return false, conflict("concurrent thread update contention; retry the request")
}

func isRetryableTxError(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	// serialization_failure and deadlock_detected
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

func validateTypeFields(activityType, status, priority string) error {
	rule := activityTypeRules[activityType]
	if status != "" && !rule.AllowStatus {
		return validationError(fmt.Sprintf("status is not supported for type %q", activityType), nil)
	}
	if priority != "" && !rule.AllowPriority {
		return validationError(fmt.Sprintf("priority is not supported for type %q", activityType), nil)
	}
	if priority != "" {
		if _, ok := allowedPriorities[priority]; !ok {
			return validationError(fmt.Sprintf("unknown priority %q", priority), nil)
		}
	}
	return nil
}

func validateReactionType(reactionType string) error {
	if _, ok := allowedReactionTypes[reactionType]; !ok {
		return validationError(fmt.Sprintf("unknown reaction type %q", reactionType), nil)
	}
	return nil
}

func activityView(item store.Activity) ActivityView {
	assigned := item.AssignedTo
	if assigned == nil {
		assigned = []string{}
	}
	return ActivityView{
		ID:             item.ID,
		Type:           item.Type,
		Title:          item.Title,
		Content:        item.Content,
		CreatedBy:      item.CreatedBy,
		AssignedTo:     assigned,
		Status:         item.Status,
		Priority:       item.Priority,
		ParentID:       item.ParentID,
		RootID:         item.RootID,
		ContextType:    item.ContextType,
		ContextID:      item.ContextID,
		Metadata:       item.Metadata,
		IsDeleted:      item.IsDeleted,
		ThreadCount:    item.ThreadCount,
		LastActivityAt: item.LastActivityAt,
		CreatedAt:      item.CreatedAt,
		UpdatedAt:      item.UpdatedAt,
	}
}

func attachmentView(item store.Attachment, downloadURL string) AttachmentView {
	return AttachmentView{
		ID:          item.ID,
		ActivityID:  item.ActivityID,
		FileURL:     item.FileURL,
		FileType:    item.FileType,
		FileName:    item.FileName,
		UploadedBy:  item.UploadedBy,
		UploadedAt:  item.UploadedAt,
		DownloadURL: downloadURL,
	}
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	result := make([]string, 0, len(values))
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, ok := seen[value]; ok {
			continue
		}
		seen[value] = struct{}{}
		result = append(result, value)
	}
	return result
}

func difference(next, previous []string) []string {
	existing := make(map[string]struct{}, len(previous))
	for _, value := range previous {
		existing[value] = struct{}{}
	}
	added := make([]string, 0)
	for _, value := range next {
		if _, ok := existing[value]; !ok {
			added = append(added, value)
		}
	}
	return added
}
