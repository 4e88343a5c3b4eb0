// Package postgres provides pgx-backed persistence for syncable entities and
// the append-only sync event log.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Arthur-destb38/Appli-V2/internal/domain"
	"github.com/Arthur-destb38/Appli-V2/internal/observability"
)

// Repository implements domain.Repository on top of a pgx pool.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

var tables = map[domain.Kind]string{
	domain.KindWorkout:         "workouts",
	domain.KindWorkoutExercise: "workout_exercises",
	domain.KindWorkoutSet:      "workout_sets",
}

// FindByClientID looks up the stored state of the entity the client id maps
// to. This is the idempotency ledger lookup: the mapping lives in the entity
// table itself, backed by the (owner_id, client_id) uniqueness constraint.
func (r *Repository) FindByClientID(ctx context.Context, owner string, kind domain.Kind, clientID string) (*domain.EntityState, error) {
	if clientID == "" {
		return nil, nil
	}
	table, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}
	query := fmt.Sprintf(`SELECT id, updated_at, deleted_at FROM %s WHERE owner_id=$1 AND client_id=$2`, table)
	return r.findState(ctx, query, owner, clientID)
}

// FindByServerID looks up the stored state of an entity by its server id.
func (r *Repository) FindByServerID(ctx context.Context, owner string, kind domain.Kind, serverID int64) (*domain.EntityState, error) {
	if serverID <= 0 {
		return nil, nil
	}
	table, ok := tables[kind]
	if !ok {
		return nil, fmt.Errorf("unknown entity kind: %s", kind)
	}
	query := fmt.Sprintf(`SELECT id, updated_at, deleted_at FROM %s WHERE owner_id=$1 AND id=$2`, table)
	return r.findState(ctx, query, owner, serverID)
}

func (r *Repository) findState(ctx context.Context, query string, args ...interface{}) (*domain.EntityState, error) {
	row := r.pool.QueryRow(ctx, query, args...)
	var state domain.EntityState
	if err := row.Scan(&state.ServerID, &state.UpdatedAt, &state.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	return &state, nil
}

// Apply performs the entity write and the sync event append inside a single
// snapshot-isolated transaction, so a crash between the two can never leave
// an accepted mutation without its audit record.
func (r *Repository) Apply(ctx context.Context, owner string, write domain.Write) (*domain.Applied, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead})
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	applied, err := r.applyWrite(ctx, tx, owner, write)
	if err != nil {
		return nil, classify(err)
	}

	if err := r.appendEvent(ctx, tx, owner, write, applied); err != nil {
		return nil, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}

	observability.RecordMutationPersisted(applied.UpdatedAt)
	return applied, nil
}

func (r *Repository) applyWrite(ctx context.Context, tx pgx.Tx, owner string, write domain.Write) (*domain.Applied, error) {
	switch write.Kind {
	case domain.KindWorkout:
		return r.applyWorkout(ctx, tx, owner, write)
	case domain.KindWorkoutExercise:
		return r.applyWorkoutExercise(ctx, tx, owner, write)
	case domain.KindWorkoutSet:
		return r.applyWorkoutSet(ctx, tx, owner, write)
	}
	return nil, fmt.Errorf("unknown entity kind: %s", write.Kind)
}

func (r *Repository) applyWorkout(ctx context.Context, tx pgx.Tx, owner string, write domain.Write) (*domain.Applied, error) {
	switch write.Op {
	case domain.OpCreate:
		const stmt = `INSERT INTO workouts (owner_id, client_id, title, status, created_at, updated_at)
            VALUES ($1,$2,$3,$4,$5,$5) RETURNING id`
		return scanApplied(tx.QueryRow(ctx, stmt, owner, nullIfEmpty(write.ClientID), write.Workout.Title, write.Workout.Status, write.At), write.At, nil)

	case domain.OpUpdate:
		const stmt = `UPDATE workouts SET title=$3, status=$4, updated_at=$5
            WHERE owner_id=$1 AND id=$2 AND deleted_at IS NULL AND updated_at <= $5
            RETURNING id`
		return scanApplied(tx.QueryRow(ctx, stmt, owner, write.ServerID, write.Workout.Title, write.Workout.Status, write.At), write.At, domain.ErrStaleWrite)

	case domain.OpDelete:
		const stmt = `UPDATE workouts SET deleted_at=$3, updated_at=$3
            WHERE owner_id=$1 AND id=$2 AND deleted_at IS NULL AND updated_at <= $3
            RETURNING id`
		return scanApplied(tx.QueryRow(ctx, stmt, owner, write.ServerID, write.At), write.At, domain.ErrStaleWrite)
	}
	return nil, fmt.Errorf("unknown op: %s", write.Op)
}

func (r *Repository) applyWorkoutExercise(ctx context.Context, tx pgx.Tx, owner string, write domain.Write) (*domain.Applied, error) {
	switch write.Op {
	case domain.OpCreate:
		// The parent guard re-checks liveness inside the transaction: a
		// workout tombstoned between validation and write yields no row.
		const stmt = `INSERT INTO workout_exercises (owner_id, client_id, workout_id, exercise_id, order_index, planned_sets, created_at, updated_at)
            SELECT $1,$2,w.id,$4,$5,$6,$7,$7 FROM workouts w
            WHERE w.id=$3 AND w.owner_id=$1 AND w.deleted_at IS NULL
            RETURNING id`
		return scanApplied(tx.QueryRow(ctx, stmt, owner, nullIfEmpty(write.ClientID), write.ParentID, write.Exercise.ExerciseID, write.Exercise.OrderIndex, write.Exercise.PlannedSets, write.At), write.At, domain.ErrParentMissing)

	case domain.OpUpdate:
		if err := parentAlive(ctx, tx, owner, write.Kind, write.ServerID); err != nil {
			return nil, err
		}
		const stmt = `UPDATE workout_exercises SET exercise_id=$3, order_index=$4, planned_sets=$5, updated_at=$6
            WHERE owner_id=$1 AND id=$2 AND deleted_at IS NULL AND updated_at <= $6
            RETURNING id`
		return scanApplied(tx.QueryRow(ctx, stmt, owner, write.ServerID, write.Exercise.ExerciseID, write.Exercise.OrderIndex, write.Exercise.PlannedSets, write.At), write.At, domain.ErrStaleWrite)

	case domain.OpDelete:
		if err := parentAlive(ctx, tx, owner, write.Kind, write.ServerID); err != nil {
			return nil, err
		}
		const stmt = `UPDATE workout_exercises SET deleted_at=$3, updated_at=$3
            WHERE owner_id=$1 AND id=$2 AND deleted_at IS NULL AND updated_at <= $3
            RETURNING id`
		return scanApplied(tx.QueryRow(ctx, stmt, owner, write.ServerID, write.At), write.At, domain.ErrStaleWrite)
	}
	return nil, fmt.Errorf("unknown op: %s", write.Op)
}

func (r *Repository) applyWorkoutSet(ctx context.Context, tx pgx.Tx, owner string, write domain.Write) (*domain.Applied, error) {
	switch write.Op {
	case domain.OpCreate:
		const stmt = `INSERT INTO workout_sets (owner_id, client_id, workout_exercise_id, reps, weight, rpe, done_at, created_at, updated_at)
            SELECT $1,$2,we.id,$4,$5,$6,$7,$8,$8 FROM workout_exercises we
            WHERE we.id=$3 AND we.owner_id=$1 AND we.deleted_at IS NULL
            RETURNING id`
		return scanApplied(tx.QueryRow(ctx, stmt, owner, nullIfEmpty(write.ClientID), write.ParentID, write.Set.Reps, write.Set.Weight, write.Set.RPE, write.Set.DoneAt, write.At), write.At, domain.ErrParentMissing)

	case domain.OpUpdate:
		if err := parentAlive(ctx, tx, owner, write.Kind, write.ServerID); err != nil {
			return nil, err
		}
		const stmt = `UPDATE workout_sets SET reps=$3, weight=$4, rpe=$5, done_at=$6, updated_at=$7
            WHERE owner_id=$1 AND id=$2 AND deleted_at IS NULL AND updated_at <= $7
            RETURNING id`
		return scanApplied(tx.QueryRow(ctx, stmt, owner, write.ServerID, write.Set.Reps, write.Set.Weight, write.Set.RPE, write.Set.DoneAt, write.At), write.At, domain.ErrStaleWrite)

	case domain.OpDelete:
		if err := parentAlive(ctx, tx, owner, write.Kind, write.ServerID); err != nil {
			return nil, err
		}
		const stmt = `UPDATE workout_sets SET deleted_at=$3, updated_at=$3
            WHERE owner_id=$1 AND id=$2 AND deleted_at IS NULL AND updated_at <= $3
            RETURNING id`
		return scanApplied(tx.QueryRow(ctx, stmt, owner, write.ServerID, write.At), write.At, domain.ErrStaleWrite)
	}
	return nil, fmt.Errorf("unknown op: %s", write.Op)
}

// parentAlive verifies inside the write transaction that the child's parent
// row is not tombstoned. Mutations of a child under a deleted parent are
// rejected, never silently applied. A missing child row returns nil here and
// falls through to the guarded update, which reports it as a stale write.
func parentAlive(ctx context.Context, tx pgx.Tx, owner string, kind domain.Kind, childID int64) error {
	var query string
	switch kind {
	case domain.KindWorkoutExercise:
		query = `SELECT w.deleted_at FROM workout_exercises we
            JOIN workouts w ON w.id = we.workout_id
            WHERE we.owner_id=$1 AND we.id=$2`
	case domain.KindWorkoutSet:
		query = `SELECT we.deleted_at FROM workout_sets ws
            JOIN workout_exercises we ON we.id = ws.workout_exercise_id
            WHERE ws.owner_id=$1 AND ws.id=$2`
	default:
		return nil
	}

	var deletedAt *time.Time
	if err := tx.QueryRow(ctx, query, owner, childID).Scan(&deletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return err
	}
	if deletedAt != nil {
		return domain.ErrParentMissing
	}
	return nil
}

// scanApplied reads the RETURNING id row. A guarded statement that matched no
// row maps to the supplied miss error (stale write or missing parent).
func scanApplied(row pgx.Row, at time.Time, miss error) (*domain.Applied, error) {
	var id int64
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) && miss != nil {
			return nil, miss
		}
		return nil, err
	}
	return &domain.Applied{ServerID: id, UpdatedAt: at}, nil
}

type eventPayload struct {
	ServerID  int64       `json:"server_id"`
	ClientID  string      `json:"client_id,omitempty"`
	Kind      string      `json:"kind"`
	Op        string      `json:"op"`
	UpdatedAt time.Time   `json:"updated_at"`
	Data      interface{} `json:"data,omitempty"`
}

func (r *Repository) appendEvent(ctx context.Context, tx pgx.Tx, owner string, write domain.Write, applied *domain.Applied) error {
	payload := eventPayload{
		ServerID:  applied.ServerID,
		ClientID:  write.ClientID,
		Kind:      string(write.Kind),
		Op:        string(write.Op),
		UpdatedAt: applied.UpdatedAt,
	}
	switch {
	case write.Workout != nil:
		payload.Data = write.Workout
	case write.Exercise != nil:
		payload.Data = write.Exercise
	case write.Set != nil:
		payload.Data = write.Set
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	const stmt = `INSERT INTO sync_events (batch_id, owner_id, action, entity_kind, server_id, client_id, payload, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`
	_, err = tx.Exec(ctx, stmt,
		write.BatchID,
		owner,
		actionName(write.Kind, write.Op),
		string(write.Kind),
		applied.ServerID,
		nullIfEmpty(write.ClientID),
		body,
		time.Now().UTC(),
	)
	return err
}

func actionName(kind domain.Kind, op domain.Op) string {
	verb := map[domain.Op]string{
		domain.OpCreate: "created",
		domain.OpUpdate: "updated",
		domain.OpDelete: "deleted",
	}[op]
	return fmt.Sprintf("%s.%s", kind, verb)
}

// ChangesSince returns every entity of the owner whose updated_at passed the
// watermark, tombstones included so deletions propagate to the client.
func (r *Repository) ChangesSince(ctx context.Context, owner string, since time.Time) (*domain.Changeset, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback(ctx)

	changes := &domain.Changeset{
		Workouts:  []domain.Workout{},
		Exercises: []domain.WorkoutExercise{},
		Sets:      []domain.WorkoutSet{},
	}

	rows, err := tx.Query(ctx, `SELECT id, client_id, title, status, created_at, updated_at, deleted_at
        FROM workouts WHERE owner_id=$1 AND updated_at > $2 ORDER BY updated_at, id`, owner, since)
	if err != nil {
		return nil, classify(err)
	}
	for rows.Next() {
		var w domain.Workout
		var clientID *string
		if err := rows.Scan(&w.ServerID, &clientID, &w.Title, &w.Status, &w.CreatedAt, &w.UpdatedAt, &w.DeletedAt); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		w.ClientID = deref(clientID)
		changes.Workouts = append(changes.Workouts, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	rows, err = tx.Query(ctx, `SELECT id, client_id, workout_id, exercise_id, order_index, planned_sets, created_at, updated_at, deleted_at
        FROM workout_exercises WHERE owner_id=$1 AND updated_at > $2 ORDER BY updated_at, id`, owner, since)
	if err != nil {
		return nil, classify(err)
	}
	for rows.Next() {
		var e domain.WorkoutExercise
		var clientID *string
		if err := rows.Scan(&e.ServerID, &clientID, &e.WorkoutID, &e.ExerciseID, &e.OrderIndex, &e.PlannedSets, &e.CreatedAt, &e.UpdatedAt, &e.DeletedAt); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		e.ClientID = deref(clientID)
		changes.Exercises = append(changes.Exercises, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	rows, err = tx.Query(ctx, `SELECT id, client_id, workout_exercise_id, reps, weight, rpe, done_at, created_at, updated_at, deleted_at
        FROM workout_sets WHERE owner_id=$1 AND updated_at > $2 ORDER BY updated_at, id`, owner, since)
	if err != nil {
		return nil, classify(err)
	}
	for rows.Next() {
		var s domain.WorkoutSet
		var clientID *string
		if err := rows.Scan(&s.ServerID, &clientID, &s.WorkoutExerciseID, &s.Reps, &s.Weight, &s.RPE, &s.DoneAt, &s.CreatedAt, &s.UpdatedAt, &s.DeletedAt); err != nil {
			rows.Close()
			return nil, classify(err)
		}
		s.ClientID = deref(clientID)
		changes.Sets = append(changes.Sets, s)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify(err)
	}
	return changes, nil
}

// ListWorkouts returns live workouts ordered by recency with cursor pagination.
func (r *Repository) ListWorkouts(ctx context.Context, owner string, cursor *domain.Cursor, limit int) ([]domain.Workout, *domain.Cursor, error) {
	args := []interface{}{owner, limit}
	query := `SELECT id, client_id, title, status, created_at, updated_at
        FROM workouts WHERE owner_id=$1 AND deleted_at IS NULL`

	if cursor != nil {
		query += ` AND (updated_at, id) < ($3, $4)`
		args = append(args, cursor.UpdatedAt, cursor.ID)
	}
	query += ` ORDER BY updated_at DESC, id DESC LIMIT $2`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, classify(err)
	}
	defer rows.Close()

	results := make([]domain.Workout, 0, limit)
	for rows.Next() {
		var w domain.Workout
		var clientID *string
		if err := rows.Scan(&w.ServerID, &clientID, &w.Title, &w.Status, &w.CreatedAt, &w.UpdatedAt); err != nil {
			return nil, nil, classify(err)
		}
		w.ClientID = deref(clientID)
		results = append(results, w)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, classify(err)
	}

	var next *domain.Cursor
	if len(results) == limit {
		last := results[len(results)-1]
		next = &domain.Cursor{UpdatedAt: last.UpdatedAt, ID: last.ServerID}
	}
	return results, next, nil
}

// GetWorkout fetches a workout by server id, tombstoned or not; callers
// decide how tombstones surface.
func (r *Repository) GetWorkout(ctx context.Context, owner string, serverID int64) (*domain.Workout, error) {
	const query = `SELECT id, client_id, title, status, created_at, updated_at, deleted_at
        FROM workouts WHERE owner_id=$1 AND id=$2`

	row := r.pool.QueryRow(ctx, query, owner, serverID)
	var w domain.Workout
	var clientID *string
	if err := row.Scan(&w.ServerID, &clientID, &w.Title, &w.Status, &w.CreatedAt, &w.UpdatedAt, &w.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, classify(err)
	}
	w.ClientID = deref(clientID)
	return &w, nil
}

// classify maps pgx errors onto the engine's storage error taxonomy. The
// unique violation on (owner_id, client_id) is the idempotency constraint
// doing its job; serialization conflicts and dropped connections are
// retryable.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%w: %s", domain.ErrDuplicateClientID, pgErr.ConstraintName)
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || pgErr.Code == "57P01":
			return fmt.Errorf("%w: %s", domain.ErrTransientStorage, pgErr.Code)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return fmt.Errorf("%w: %s", domain.ErrTransientStorage, pgErr.Code)
		}
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func deref(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
