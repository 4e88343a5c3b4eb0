package domain

import "time"

// Kind identifies one of the syncable entity types.
type Kind string

const (
	KindWorkout         Kind = "workout"
	KindWorkoutExercise Kind = "workout_exercise"
	KindWorkoutSet      Kind = "workout_set"
)

// Valid reports whether the kind is one of the syncable types.
func (k Kind) Valid() bool {
	switch k {
	case KindWorkout, KindWorkoutExercise, KindWorkoutSet:
		return true
	}
	return false
}

// Parent returns the kind of the entity this kind references, if any.
func (k Kind) Parent() (Kind, bool) {
	switch k {
	case KindWorkoutExercise:
		return KindWorkout, true
	case KindWorkoutSet:
		return KindWorkoutExercise, true
	}
	return "", false
}

// SyncMeta carries the fields shared by every syncable entity. A non-nil
// DeletedAt marks a tombstone: the row is retained so late-arriving mutations
// can be recognized instead of resurrecting data.
type SyncMeta struct {
	ServerID  int64      `json:"server_id"`
	ClientID  string     `json:"client_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// IsDeleted reports whether the entity is tombstoned.
func (m SyncMeta) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Workout is the root of the syncable hierarchy.
type Workout struct {
	SyncMeta
	Title  string `json:"title"`
	Status string `json:"status"`
}

// WorkoutExercise places an exercise inside a workout.
type WorkoutExercise struct {
	SyncMeta
	WorkoutID   int64 `json:"workout_id"`
	ExerciseID  int64 `json:"exercise_id"`
	OrderIndex  int   `json:"order_index"`
	PlannedSets *int  `json:"planned_sets,omitempty"`
}

// WorkoutSet records one performed set of a workout exercise.
type WorkoutSet struct {
	SyncMeta
	WorkoutExerciseID int64      `json:"workout_exercise_id"`
	Reps              int        `json:"reps"`
	Weight            *float64   `json:"weight,omitempty"`
	RPE               *float64   `json:"rpe,omitempty"`
	DoneAt            *time.Time `json:"done_at,omitempty"`
}

// EntityState is the snapshot of stored state the conflict resolver decides
// against. A nil *EntityState means the entity does not exist at all.
type EntityState struct {
	ServerID  int64
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// IsDeleted reports whether the stored entity is tombstoned.
func (s *EntityState) IsDeleted() bool {
	return s != nil && s.DeletedAt != nil
}

// Changeset is the server-side delta returned to a client after a sync batch:
// every entity whose updated_at passed the client's watermark, tombstones
// included so deletions propagate.
type Changeset struct {
	Workouts  []Workout         `json:"workouts"`
	Exercises []WorkoutExercise `json:"workout_exercises"`
	Sets      []WorkoutSet      `json:"workout_sets"`
}

// Watermark returns the greatest updated_at contained in the changeset, or
// the supplied floor when the changeset is empty.
func (c *Changeset) Watermark(floor time.Time) time.Time {
	max := floor
	for _, w := range c.Workouts {
		if w.UpdatedAt.After(max) {
			max = w.UpdatedAt
		}
	}
	for _, e := range c.Exercises {
		if e.UpdatedAt.After(max) {
			max = e.UpdatedAt
		}
	}
	for _, s := range c.Sets {
		if s.UpdatedAt.After(max) {
			max = s.UpdatedAt
		}
	}
	return max
}

// Cursor models the pagination token for workout listings.
type Cursor struct {
	UpdatedAt time.Time
	ID        int64
}
