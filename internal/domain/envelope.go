package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Op is the mutation operation declared by the client.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether the operation is one of create/update/delete.
func (o Op) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Reason codes attached to per-item rejections and failures.
const (
	ReasonMalformedPayload = "malformed_payload"
	ReasonUnknownKind      = "unknown_kind"
	ReasonUnknownOp        = "unknown_op"
	ReasonMissingClientID  = "missing_client_id"
	ReasonMissingTarget    = "missing_target"
	ReasonMissingTimestamp = "missing_timestamp"
	ReasonMissingTitle     = "missing_title"
	ReasonMissingExercise  = "missing_exercise"
	ReasonInvalidReps      = "invalid_reps"
	ReasonMissingParent    = "missing_parent_ref"
	ReasonUnknownEntity    = "unknown_entity"
	ReasonParentMissing    = "parent_missing"
	ReasonParentDeleted    = "parent_deleted"
	ReasonStorageFailed    = "storage_failed"
)

// ValidationError reports a malformed or incomplete envelope. It is always a
// per-item outcome; one bad envelope never fails the batch.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

func invalid(reason, detail string) *ValidationError {
	return &ValidationError{Reason: reason, Detail: detail}
}

// Envelope is the wire representation of one client-originated mutation.
type Envelope struct {
	Kind      Kind            `json:"kind"`
	Op        Op              `json:"op"`
	ClientID  string          `json:"client_id,omitempty"`
	ServerID  int64           `json:"server_id,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// WorkoutData is the field payload for workout mutations.
type WorkoutData struct {
	Title  string `json:"title"`
	Status string `json:"status,omitempty"`
}

// WorkoutExerciseData is the field payload for workout_exercise mutations.
// The parent workout is referenced either by server id or, for a parent
// created earlier in the same batch, by its client id.
type WorkoutExerciseData struct {
	WorkoutID       int64  `json:"workout_id,omitempty"`
	WorkoutClientID string `json:"workout_client_id,omitempty"`
	ExerciseID      int64  `json:"exercise_id"`
	OrderIndex      int    `json:"order_index"`
	PlannedSets     *int   `json:"planned_sets,omitempty"`
}

// WorkoutSetData is the field payload for workout_set mutations.
type WorkoutSetData struct {
	WorkoutExerciseID       int64      `json:"workout_exercise_id,omitempty"`
	WorkoutExerciseClientID string     `json:"workout_exercise_client_id,omitempty"`
	Reps                    int        `json:"reps"`
	Weight                  *float64   `json:"weight,omitempty"`
	RPE                     *float64   `json:"rpe,omitempty"`
	DoneAt                  *time.Time `json:"done_at,omitempty"`
}

// Payload is the decoded, validated form of an envelope's Data field. Exactly
// one of the pointers is set, matching the envelope kind.
type Payload struct {
	Workout  *WorkoutData
	Exercise *WorkoutExerciseData
	Set      *WorkoutSetData
}

// ParentRef returns the declared parent reference for child-kind creates.
func (p Payload) ParentRef() (serverID int64, clientID string) {
	switch {
	case p.Exercise != nil:
		return p.Exercise.WorkoutID, p.Exercise.WorkoutClientID
	case p.Set != nil:
		return p.Set.WorkoutExerciseID, p.Set.WorkoutExerciseClientID
	}
	return 0, ""
}

// Validate checks envelope-level requirements and decodes the payload for
// create/update operations. Parent existence is checked later against storage;
// only the shape of the reference is validated here.
func (e *Envelope) Validate() (Payload, error) {
	if !e.Kind.Valid() {
		return Payload{}, invalid(ReasonUnknownKind, string(e.Kind))
	}
	if !e.Op.Valid() {
		return Payload{}, invalid(ReasonUnknownOp, string(e.Op))
	}
	if e.UpdatedAt.IsZero() {
		return Payload{}, invalid(ReasonMissingTimestamp, "updated_at is required")
	}

	switch e.Op {
	case OpCreate:
		if strings.TrimSpace(e.ClientID) == "" {
			return Payload{}, invalid(ReasonMissingClientID, "create requires client_id")
		}
	case OpUpdate, OpDelete:
		if e.ServerID <= 0 && strings.TrimSpace(e.ClientID) == "" {
			return Payload{}, invalid(ReasonMissingTarget, "update/delete requires server_id or client_id")
		}
	}

	if e.Op == OpDelete {
		return Payload{}, nil
	}
	return e.decodeData()
}

func (e *Envelope) decodeData() (Payload, error) {
	if len(e.Data) == 0 {
		return Payload{}, invalid(ReasonMalformedPayload, "data is required")
	}

	switch e.Kind {
	case KindWorkout:
		var data WorkoutData
		if err := strictUnmarshal(e.Data, &data); err != nil {
			return Payload{}, invalid(ReasonMalformedPayload, err.Error())
		}
		if strings.TrimSpace(data.Title) == "" {
			return Payload{}, invalid(ReasonMissingTitle, "title is required")
		}
		if data.Status == "" {
			data.Status = "draft"
		}
		return Payload{Workout: &data}, nil

	case KindWorkoutExercise:
		var data WorkoutExerciseData
		if err := strictUnmarshal(e.Data, &data); err != nil {
			return Payload{}, invalid(ReasonMalformedPayload, err.Error())
		}
		if data.ExerciseID <= 0 {
			return Payload{}, invalid(ReasonMissingExercise, "exercise_id is required")
		}
		if e.Op == OpCreate && data.WorkoutID <= 0 && data.WorkoutClientID == "" {
			return Payload{}, invalid(ReasonMissingParent, "workout reference is required")
		}
		return Payload{Exercise: &data}, nil

	case KindWorkoutSet:
		var data WorkoutSetData
		if err := strictUnmarshal(e.Data, &data); err != nil {
			return Payload{}, invalid(ReasonMalformedPayload, err.Error())
		}
		if data.Reps <= 0 {
			return Payload{}, invalid(ReasonInvalidReps, "reps must be > 0")
		}
		if e.Op == OpCreate && data.WorkoutExerciseID <= 0 && data.WorkoutExerciseClientID == "" {
			return Payload{}, invalid(ReasonMissingParent, "workout_exercise reference is required")
		}
		return Payload{Set: &data}, nil
	}

	return Payload{}, invalid(ReasonUnknownKind, string(e.Kind))
}

func strictUnmarshal(raw json.RawMessage, v interface{}) error {
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after payload")
	}
	return nil
}
