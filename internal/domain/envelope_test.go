package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnvelopeValidateRejections(t *testing.T) {
	now := time.Now().UTC()

	cases := []struct {
		name   string
		env    Envelope
		reason string
	}{
		{
			name:   "unknown kind",
			env:    Envelope{Kind: "program", Op: OpCreate, ClientID: "c1", UpdatedAt: now},
			reason: ReasonUnknownKind,
		},
		{
			name:   "unknown op",
			env:    Envelope{Kind: KindWorkout, Op: "upsert", ClientID: "c1", UpdatedAt: now},
			reason: ReasonUnknownOp,
		},
		{
			name:   "missing timestamp",
			env:    Envelope{Kind: KindWorkout, Op: OpCreate, ClientID: "c1"},
			reason: ReasonMissingTimestamp,
		},
		{
			name:   "create without client id",
			env:    Envelope{Kind: KindWorkout, Op: OpCreate, UpdatedAt: now, Data: json.RawMessage(`{"title":"Leg Day"}`)},
			reason: ReasonMissingClientID,
		},
		{
			name:   "update without target",
			env:    Envelope{Kind: KindWorkout, Op: OpUpdate, UpdatedAt: now, Data: json.RawMessage(`{"title":"Leg Day"}`)},
			reason: ReasonMissingTarget,
		},
		{
			name:   "create without payload",
			env:    Envelope{Kind: KindWorkout, Op: OpCreate, ClientID: "c1", UpdatedAt: now},
			reason: ReasonMalformedPayload,
		},
		{
			name:   "workout without title",
			env:    Envelope{Kind: KindWorkout, Op: OpCreate, ClientID: "c1", UpdatedAt: now, Data: json.RawMessage(`{"status":"done"}`)},
			reason: ReasonMissingTitle,
		},
		{
			name:   "exercise without exercise id",
			env:    Envelope{Kind: KindWorkoutExercise, Op: OpCreate, ClientID: "c1", UpdatedAt: now, Data: json.RawMessage(`{"workout_id":3}`)},
			reason: ReasonMissingExercise,
		},
		{
			name:   "exercise create without workout reference",
			env:    Envelope{Kind: KindWorkoutExercise, Op: OpCreate, ClientID: "c1", UpdatedAt: now, Data: json.RawMessage(`{"exercise_id":9}`)},
			reason: ReasonMissingParent,
		},
		{
			name:   "set with zero reps",
			env:    Envelope{Kind: KindWorkoutSet, Op: OpCreate, ClientID: "c1", UpdatedAt: now, Data: json.RawMessage(`{"workout_exercise_id":4,"reps":0}`)},
			reason: ReasonInvalidReps,
		},
		{
			name:   "set create without exercise reference",
			env:    Envelope{Kind: KindWorkoutSet, Op: OpCreate, ClientID: "c1", UpdatedAt: now, Data: json.RawMessage(`{"reps":8}`)},
			reason: ReasonMissingParent,
		},
		{
			name:   "garbage payload",
			env:    Envelope{Kind: KindWorkout, Op: OpCreate, ClientID: "c1", UpdatedAt: now, Data: json.RawMessage(`{"title":`)},
			reason: ReasonMalformedPayload,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := tc.env.Validate()
			require.Error(t, err)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			require.Equal(t, tc.reason, verr.Reason)
		})
	}
}

func TestEnvelopeValidateAccepts(t *testing.T) {
	now := time.Now().UTC()

	t.Run("workout create defaults status", func(t *testing.T) {
		env := Envelope{Kind: KindWorkout, Op: OpCreate, ClientID: "c1", UpdatedAt: now, Data: json.RawMessage(`{"title":"Leg Day"}`)}
		payload, err := env.Validate()
		require.NoError(t, err)
		require.NotNil(t, payload.Workout)
		require.Equal(t, "draft", payload.Workout.Status)
	})

	t.Run("delete needs no payload", func(t *testing.T) {
		env := Envelope{Kind: KindWorkout, Op: OpDelete, ServerID: 12, UpdatedAt: now}
		payload, err := env.Validate()
		require.NoError(t, err)
		require.Nil(t, payload.Workout)
	})

	t.Run("exercise create by parent client id", func(t *testing.T) {
		env := Envelope{Kind: KindWorkoutExercise, Op: OpCreate, ClientID: "c2", UpdatedAt: now,
			Data: json.RawMessage(`{"workout_client_id":"c1","exercise_id":9,"order_index":1}`)}
		payload, err := env.Validate()
		require.NoError(t, err)
		require.NotNil(t, payload.Exercise)

		serverID, clientID := payload.ParentRef()
		require.Zero(t, serverID)
		require.Equal(t, "c1", clientID)
	})

	t.Run("set create carries optional fields", func(t *testing.T) {
		env := Envelope{Kind: KindWorkoutSet, Op: OpCreate, ClientID: "c3", UpdatedAt: now,
			Data: json.RawMessage(`{"workout_exercise_id":4,"reps":8,"weight":92.5,"rpe":8.5}`)}
		payload, err := env.Validate()
		require.NoError(t, err)
		require.NotNil(t, payload.Set)
		require.NotNil(t, payload.Set.Weight)
		require.InDelta(t, 92.5, *payload.Set.Weight, 0.001)
	})
}
