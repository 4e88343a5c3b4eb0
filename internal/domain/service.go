// Package domain implements the offline-first reconciliation engine for
// workout data: mutation envelopes, conflict resolution, the idempotency
// contract backed by the client_id uniqueness constraint, and the append-only
// sync event log.
package domain

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrDuplicateClientID is returned by storage when an insert loses the
	// uniqueness race on (owner, client_id). The engine degrades it to an
	// idempotent replay rather than a failure.
	ErrDuplicateClientID = errors.New("client_id already mapped to a server record")
	// ErrStaleWrite is returned by storage when the in-transaction timestamp
	// guard rejects a write that raced a newer mutation.
	ErrStaleWrite = errors.New("stored entity is newer than the mutation")
	// ErrParentMissing is returned by storage when the parent row is absent
	// or tombstoned at write time.
	ErrParentMissing = errors.New("parent entity is missing or deleted")
	// ErrTransientStorage wraps retryable storage failures such as
	// serialization conflicts and dropped connections.
	ErrTransientStorage = errors.New("transient storage failure")
	// ErrWorkoutNotFound is returned when a workout cannot be located or is
	// tombstoned.
	ErrWorkoutNotFound = errors.New("workout not found")
)

// Status is the per-item outcome reported back to the client.
type Status string

const (
	StatusAccepted         Status = "accepted"
	StatusIgnoredStale     Status = "ignored_stale"
	StatusIgnoredDuplicate Status = "ignored_duplicate"
	StatusRejected         Status = "rejected"
	StatusFailed           Status = "failed"
)

// Write is a fully resolved mutation handed to storage. Target and parent
// references have been reduced to server ids and the timestamp is the logical
// write time the server will store.
type Write struct {
	BatchID  uuid.UUID
	Kind     Kind
	Op       Op
	ClientID string
	ServerID int64 // target for update/delete, zero for create
	ParentID int64 // parent server id, creates of child kinds only
	At       time.Time
	Workout  *WorkoutData
	Exercise *WorkoutExerciseData
	Set      *WorkoutSetData
}

// Applied reports the canonical result of an accepted write.
type Applied struct {
	ServerID  int64
	UpdatedAt time.Time
}

// Repository captures the storage operations the engine depends on. Apply
// must perform the entity write and the sync event append in one transaction.
type Repository interface {
	FindByClientID(ctx context.Context, owner string, kind Kind, clientID string) (*EntityState, error)
	FindByServerID(ctx context.Context, owner string, kind Kind, serverID int64) (*EntityState, error)
	Apply(ctx context.Context, owner string, write Write) (*Applied, error)
	ChangesSince(ctx context.Context, owner string, since time.Time) (*Changeset, error)
	ListWorkouts(ctx context.Context, owner string, cursor *Cursor, limit int) ([]Workout, *Cursor, error)
	GetWorkout(ctx context.Context, owner string, serverID int64) (*Workout, error)
}

// ObserverFunc receives the outcome of every processed item, used to feed
// metrics without coupling the engine to a metrics registry.
type ObserverFunc func(kind Kind, status Status)

// Service orchestrates sync batches end to end.
type Service struct {
	repo          Repository
	retryAttempts int
	retryBase     time.Duration
	observe       ObserverFunc
	logger        *log.Logger
	now           func() time.Time
}

// Option configures optional Service behaviour.
type Option func(*Service)

// WithRetry overrides the bounded retry policy for transient storage errors.
func WithRetry(attempts int, base time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.retryAttempts = attempts
		}
		if base > 0 {
			s.retryBase = base
		}
	}
}

// WithObserver registers an outcome observer.
func WithObserver(fn ObserverFunc) Option {
	return func(s *Service) { s.observe = fn }
}

// WithLogger overrides the logger used for per-item failures.
func WithLogger(logger *log.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService constructs a Service.
func NewService(repo Repository, opts ...Option) *Service {
	s := &Service{
		repo:          repo,
		retryAttempts: 3,
		retryBase:     50 * time.Millisecond,
		logger:        log.New(log.Writer(), "[sync] ", log.LstdFlags),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ItemResult is the outcome of a single batch item.
type ItemResult struct {
	ClientID string `json:"client_id,omitempty"`
	Status   Status `json:"status"`
	ServerID int64  `json:"server_id,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// BatchResult aggregates per-item outcomes with the server-side changeset the
// client merges locally.
type BatchResult struct {
	BatchID      uuid.UUID
	Results      []ItemResult
	Changes      *Changeset
	NewWatermark time.Time
}

// Reconcile processes one client batch in its declared order: items for a
// child created earlier in the same batch must see the parent's real id, so
// cross-item reordering is not attempted. Each accepted item commits its own
// transaction; one item's failure never rolls back another's success.
func (s *Service) Reconcile(ctx context.Context, owner string, batch []Envelope, watermark time.Time) (*BatchResult, error) {
	result := &BatchResult{
		BatchID: uuid.New(),
		Results: make([]ItemResult, 0, len(batch)),
	}

	// Maps client ids accepted (or recognized as replays) earlier in this
	// batch to real server ids, so children can reference a parent that was
	// created a few items before. Never persisted.
	batchIDs := map[Kind]map[string]int64{
		KindWorkout:         {},
		KindWorkoutExercise: {},
		KindWorkoutSet:      {},
	}

	for i := range batch {
		item := s.processItem(ctx, owner, result.BatchID, &batch[i], batchIDs)
		if s.observe != nil {
			s.observe(batch[i].Kind, item.Status)
		}
		result.Results = append(result.Results, item)
	}

	changes, err := s.repo.ChangesSince(ctx, owner, watermark)
	if err != nil {
		return nil, fmt.Errorf("computing changeset: %w", err)
	}
	result.Changes = changes
	result.NewWatermark = changes.Watermark(watermark)
	return result, nil
}

func (s *Service) processItem(ctx context.Context, owner string, batchID uuid.UUID, env *Envelope, batchIDs map[Kind]map[string]int64) ItemResult {
	payload, err := env.Validate()
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			return ItemResult{ClientID: env.ClientID, Status: StatusRejected, Reason: verr.Reason}
		}
		return ItemResult{ClientID: env.ClientID, Status: StatusRejected, Reason: ReasonMalformedPayload}
	}

	state, err := s.lookupTarget(ctx, owner, env)
	if err != nil {
		return s.storageFailure(env, err)
	}

	// The server stores the mutation's logical time, clamped so a skewed
	// client clock cannot park an entity in the future.
	at := env.UpdatedAt
	if now := s.now().UTC(); at.After(now) {
		at = now
	}

	switch decision := Resolve(env.Op, at, state); decision {
	case DecisionIgnoreDuplicate:
		batchIDs[env.Kind][env.ClientID] = state.ServerID
		return ItemResult{ClientID: env.ClientID, Status: StatusIgnoredDuplicate, ServerID: state.ServerID}

	case DecisionIgnoreStale:
		res := ItemResult{ClientID: env.ClientID, Status: StatusIgnoredStale}
		if state != nil {
			res.ServerID = state.ServerID
		}
		return res

	case DecisionRejectInvalidParent:
		return ItemResult{ClientID: env.ClientID, Status: StatusRejected, Reason: ReasonUnknownEntity}

	case DecisionApply:
		// fall through to the write path below
	}

	write := Write{
		BatchID:  batchID,
		Kind:     env.Kind,
		Op:       env.Op,
		ClientID: env.ClientID,
		At:       at,
		Workout:  payload.Workout,
		Exercise: payload.Exercise,
		Set:      payload.Set,
	}
	if state != nil {
		write.ServerID = state.ServerID
	}

	if env.Op == OpCreate {
		if parentKind, ok := env.Kind.Parent(); ok {
			parentID, reason, err := s.resolveParent(ctx, owner, parentKind, payload, batchIDs)
			if err != nil {
				return s.storageFailure(env, err)
			}
			if reason != "" {
				return ItemResult{ClientID: env.ClientID, Status: StatusRejected, Reason: reason}
			}
			write.ParentID = parentID
		}
	}

	applied, err := s.applyWithRetry(ctx, owner, write)
	switch {
	case err == nil:
		if env.Op == OpCreate {
			batchIDs[env.Kind][env.ClientID] = applied.ServerID
		}
		return ItemResult{ClientID: env.ClientID, Status: StatusAccepted, ServerID: applied.ServerID}

	case errors.Is(err, ErrDuplicateClientID):
		// Lost the create race to a concurrent batch: the uniqueness
		// constraint turned the loser into a detected replay.
		existing, lookupErr := s.repo.FindByClientID(ctx, owner, env.Kind, env.ClientID)
		if lookupErr != nil || existing == nil {
			return s.storageFailure(env, err)
		}
		batchIDs[env.Kind][env.ClientID] = existing.ServerID
		return ItemResult{ClientID: env.ClientID, Status: StatusIgnoredDuplicate, ServerID: existing.ServerID}

	case errors.Is(err, ErrStaleWrite):
		return ItemResult{ClientID: env.ClientID, Status: StatusIgnoredStale, ServerID: write.ServerID}

	case errors.Is(err, ErrParentMissing):
		// On update/delete the child row exists and references its parent, so
		// the only way the guard trips is a tombstoned parent.
		reason := ReasonParentMissing
		if env.Op != OpCreate {
			reason = ReasonParentDeleted
		}
		return ItemResult{ClientID: env.ClientID, Status: StatusRejected, Reason: reason}

	default:
		return s.storageFailure(env, err)
	}
}

// lookupTarget resolves the current stored state of the envelope's target
// entity: by client id for creates, by server id (preferred) or client id for
// update/delete.
func (s *Service) lookupTarget(ctx context.Context, owner string, env *Envelope) (*EntityState, error) {
	if env.Op == OpCreate {
		return s.repo.FindByClientID(ctx, owner, env.Kind, env.ClientID)
	}
	if env.ServerID > 0 {
		return s.repo.FindByServerID(ctx, owner, env.Kind, env.ServerID)
	}
	return s.repo.FindByClientID(ctx, owner, env.Kind, env.ClientID)
}

// resolveParent reduces a child create's parent reference to a live server id.
// A same-batch client id is consulted first so children can follow the parent
// created a few items earlier.
func (s *Service) resolveParent(ctx context.Context, owner string, parentKind Kind, payload Payload, batchIDs map[Kind]map[string]int64) (int64, string, error) {
	serverID, clientID := payload.ParentRef()

	if serverID == 0 && clientID != "" {
		if id, ok := batchIDs[parentKind][clientID]; ok {
			// Created in this batch, known live.
			return id, "", nil
		}
		state, err := s.repo.FindByClientID(ctx, owner, parentKind, clientID)
		if err != nil {
			return 0, "", err
		}
		if state == nil {
			return 0, ReasonParentMissing, nil
		}
		if state.IsDeleted() {
			return 0, ReasonParentDeleted, nil
		}
		return state.ServerID, "", nil
	}

	state, err := s.repo.FindByServerID(ctx, owner, parentKind, serverID)
	if err != nil {
		return 0, "", err
	}
	if state == nil {
		return 0, ReasonParentMissing, nil
	}
	if state.IsDeleted() {
		return 0, ReasonParentDeleted, nil
	}
	return state.ServerID, "", nil
}

// applyWithRetry performs the transactional write, retrying transient storage
// failures a bounded number of times with exponential backoff. Anything still
// failing is reported per-item; the batch is never aborted.
func (s *Service) applyWithRetry(ctx context.Context, owner string, write Write) (*Applied, error) {
	var lastErr error
	for attempt := 1; attempt <= s.retryAttempts; attempt++ {
		applied, err := s.repo.Apply(ctx, owner, write)
		if err == nil {
			return applied, nil
		}
		if !errors.Is(err, ErrTransientStorage) {
			return nil, err
		}
		lastErr = err
		s.logger.Printf("transient apply failure (kind=%s, client_id=%s, attempt=%d): %v", write.Kind, write.ClientID, attempt, err)

		if attempt == s.retryAttempts {
			break
		}
		delay := time.Duration(1<<uint(attempt-1)) * s.retryBase
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}

func (s *Service) storageFailure(env *Envelope, err error) ItemResult {
	s.logger.Printf("storage failure (kind=%s, op=%s, client_id=%s): %v", env.Kind, env.Op, env.ClientID, err)
	return ItemResult{ClientID: env.ClientID, Status: StatusFailed, Reason: ReasonStorageFailed}
}

// ListWorkouts fetches live workouts with cursor pagination.
func (s *Service) ListWorkouts(ctx context.Context, owner string, cursor *Cursor, limit int) ([]Workout, *Cursor, error) {
	return s.repo.ListWorkouts(ctx, owner, cursor, limit)
}

// GetWorkout fetches a live workout by server id. Tombstoned rows are treated
// as not present.
func (s *Service) GetWorkout(ctx context.Context, owner string, serverID int64) (*Workout, error) {
	workout, err := s.repo.GetWorkout(ctx, owner, serverID)
	if err != nil {
		return nil, err
	}
	if workout == nil || workout.IsDeleted() {
		return nil, ErrWorkoutNotFound
	}
	return workout, nil
}
