package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Arthur-destb38/Appli-V2/internal/auth"
	"github.com/Arthur-destb38/Appli-V2/internal/domain"
)

// stubRepo serves a single pre-seeded workout and records applied writes.
type stubRepo struct {
	nextID   int64
	states   map[string]*domain.EntityState
	workouts map[int64]*domain.Workout
	applied  []domain.Write
}

func newStubRepo() *stubRepo {
	return &stubRepo{
		states:   map[string]*domain.EntityState{},
		workouts: map[int64]*domain.Workout{},
	}
}

func (r *stubRepo) FindByClientID(_ context.Context, _ string, _ domain.Kind, clientID string) (*domain.EntityState, error) {
	return r.states[clientID], nil
}

func (r *stubRepo) FindByServerID(_ context.Context, _ string, _ domain.Kind, serverID int64) (*domain.EntityState, error) {
	for _, state := range r.states {
		if state.ServerID == serverID {
			return state, nil
		}
	}
	return nil, nil
}

func (r *stubRepo) Apply(_ context.Context, _ string, write domain.Write) (*domain.Applied, error) {
	r.nextID++
	r.applied = append(r.applied, write)
	r.states[write.ClientID] = &domain.EntityState{ServerID: r.nextID, UpdatedAt: write.At}
	if write.Kind == domain.KindWorkout && write.Workout != nil {
		r.workouts[r.nextID] = &domain.Workout{
			SyncMeta: domain.SyncMeta{ServerID: r.nextID, ClientID: write.ClientID, CreatedAt: write.At, UpdatedAt: write.At},
			Title:    write.Workout.Title,
			Status:   write.Workout.Status,
		}
	}
	return &domain.Applied{ServerID: r.nextID, UpdatedAt: write.At}, nil
}

func (r *stubRepo) ChangesSince(_ context.Context, _ string, since time.Time) (*domain.Changeset, error) {
	changes := &domain.Changeset{}
	for _, w := range r.workouts {
		if w.UpdatedAt.After(since) {
			changes.Workouts = append(changes.Workouts, *w)
		}
	}
	return changes, nil
}

func (r *stubRepo) ListWorkouts(_ context.Context, _ string, _ *domain.Cursor, limit int) ([]domain.Workout, *domain.Cursor, error) {
	out := []domain.Workout{}
	for _, w := range r.workouts {
		if len(out) < limit {
			out = append(out, *w)
		}
	}
	return out, nil, nil
}

func (r *stubRepo) GetWorkout(_ context.Context, _ string, serverID int64) (*domain.Workout, error) {
	return r.workouts[serverID], nil
}

func writerClaims() *auth.Claims {
	return &auth.Claims{
		Subject: "user-1",
		Scopes:  map[string]struct{}{auth.ScopeWorkoutsWrite: {}},
	}
}

func authedRequest(method, target, body string, claims *auth.Claims) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if claims != nil {
		req = req.WithContext(auth.WithClaims(req.Context(), claims))
	}
	return req
}

func newTestHandler(repo domain.Repository) *http.ServeMux {
	handler := NewHandler(domain.NewService(repo), 10)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	return mux
}

func TestSyncEndpoint(t *testing.T) {
	repo := newStubRepo()
	mux := newTestHandler(repo)

	body := `{"mutations":[{"kind":"workout","op":"create","client_id":"w1","updated_at":"2025-11-03T18:00:00Z","data":{"title":"Push Day"}}]}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/sync", body, writerClaims()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp SyncResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(resp.Results))
	}
	if resp.Results[0].Status != domain.StatusAccepted {
		t.Fatalf("expected accepted, got %s", resp.Results[0].Status)
	}
	if resp.Results[0].ServerID == 0 {
		t.Fatal("expected a server id")
	}
	if len(resp.Changes.Workouts) != 1 {
		t.Fatalf("expected the changeset to include the new workout, got %d", len(resp.Changes.Workouts))
	}
	if resp.NewWatermark.IsZero() {
		t.Fatal("expected a new watermark")
	}
}

func TestSyncRejectsMalformedItemWithoutFailingBatch(t *testing.T) {
	repo := newStubRepo()
	mux := newTestHandler(repo)

	body := `{"mutations":[
		{"kind":"workout","op":"create","client_id":"w1","updated_at":"2025-11-03T18:00:00Z","data":{"title":"Push"}},
		{"kind":"workout","op":"create","client_id":"w2","updated_at":"2025-11-03T18:00:00Z","data":{}}
	]}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/sync", body, writerClaims()))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp SyncResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Results[0].Status != domain.StatusAccepted {
		t.Fatalf("expected first item accepted, got %s", resp.Results[0].Status)
	}
	if resp.Results[1].Status != domain.StatusRejected {
		t.Fatalf("expected second item rejected, got %s", resp.Results[1].Status)
	}
	if resp.Results[1].Reason != domain.ReasonMissingTitle {
		t.Fatalf("expected missing_title, got %s", resp.Results[1].Reason)
	}
}

func TestSyncValidation(t *testing.T) {
	mux := newTestHandler(newStubRepo())

	t.Run("missing claims", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/sync", `{"mutations":[]}`, nil))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401, got %d", rec.Code)
		}
	})

	t.Run("missing scope", func(t *testing.T) {
		claims := &auth.Claims{Subject: "user-1", Scopes: map[string]struct{}{auth.ScopeWorkoutsRead: {}}}
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/sync", `{"mutations":[{"kind":"workout","op":"create"}]}`, claims))
		if rec.Code != http.StatusForbidden {
			t.Fatalf("expected 403, got %d", rec.Code)
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/sync", `{"mutations":[]}`, writerClaims()))
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("oversized batch", func(t *testing.T) {
		items := make([]string, 11)
		for i := range items {
			items[i] = fmt.Sprintf(`{"kind":"workout","op":"create","client_id":"w%d","updated_at":"2025-11-03T18:00:00Z","data":{"title":"x"}}`, i)
		}
		body := `{"mutations":[` + strings.Join(items, ",") + `]}`
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/sync", body, writerClaims()))
		if rec.Code != http.StatusRequestEntityTooLarge {
			t.Fatalf("expected 413, got %d", rec.Code)
		}
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/sync", "", writerClaims()))
		if rec.Code != http.StatusMethodNotAllowed {
			t.Fatalf("expected 405, got %d", rec.Code)
		}
	})
}

func TestListWorkouts(t *testing.T) {
	repo := newStubRepo()
	mux := newTestHandler(repo)

	body := `{"mutations":[{"kind":"workout","op":"create","client_id":"w1","updated_at":"2025-11-03T18:00:00Z","data":{"title":"Push Day"}}]}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/sync", body, writerClaims()))
	if rec.Code != http.StatusOK {
		t.Fatalf("seed sync failed: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/workouts", "", writerClaims()))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp ListWorkoutsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.Items) != 1 {
		t.Fatalf("expected 1 workout, got %d", len(resp.Items))
	}
	if resp.Items[0].Title != "Push Day" {
		t.Fatalf("unexpected title %q", resp.Items[0].Title)
	}
	if resp.Items[0].Status != "draft" {
		t.Fatalf("expected default status draft, got %q", resp.Items[0].Status)
	}
}

func TestGetWorkout(t *testing.T) {
	repo := newStubRepo()
	mux := newTestHandler(repo)

	body := `{"mutations":[{"kind":"workout","op":"create","client_id":"w1","updated_at":"2025-11-03T18:00:00Z","data":{"title":"Push Day"}}]}`
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodPost, "/v1/sync", body, writerClaims()))
	if rec.Code != http.StatusOK {
		t.Fatalf("seed sync failed: %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/workouts/1", "", writerClaims()))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var view WorkoutView
	if err := json.NewDecoder(rec.Body).Decode(&view); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if view.ServerID != 1 || view.Title != "Push Day" {
		t.Fatalf("unexpected view %+v", view)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, authedRequest(http.MethodGet, "/v1/workouts/999", "", writerClaims()))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	mux := newTestHandler(newStubRepo())
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
