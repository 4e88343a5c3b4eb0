package auth

// Known OAuth scopes used by the sync backend.
const (
	ScopeWorkoutsWrite = "workouts:write"
	ScopeWorkoutsRead  = "workouts:read"
)
