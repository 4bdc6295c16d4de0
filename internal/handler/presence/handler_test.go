package presence

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/tripmate/backend/internal/middleware"
	"github.com/zhouzirui/tripmate/backend/internal/model/chat"
	presenceService "github.com/zhouzirui/tripmate/backend/internal/service/presence"
)

func setupRouter(now time.Time) *chi.Mux {
	svc := presenceService.NewService(presenceService.NewMemoryStore(), nil, func() time.Time { return now })
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithActor(r.Context(), r.Header.Get("X-Test-Actor"))))
		})
	})
	New(svc).RegisterRoutes(r)
	return r
}

func send(r http.Handler, actor, method, path string, body any) *httptest.ResponseRecorder {
	data, _ := json.Marshal(body)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-Actor", actor)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHeartbeatThenQuery(t *testing.T) {
	now := time.Date(2024, 6, 12, 15, 0, 0, 0, time.UTC)
	r := setupRouter(now)

	rec := send(r, "tomas", http.MethodPut, "/presence", map[string]bool{"online": true})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var own chat.Presence
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &own))
	assert.Equal(t, "tomas", own.UserID)
	assert.True(t, own.IsOnline)
	assert.True(t, own.LastSeen.Equal(now))

	rec = send(r, "mei", http.MethodPost, "/presence/query", map[string][]string{"userIds": {"tomas", "aiko"}})
	require.Equal(t, http.StatusOK, rec.Code)
	var rows map[string]chat.Presence
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	assert.Contains(t, rows, "tomas")
	assert.NotContains(t, rows, "aiko")
}

func TestQueryEmptyReturnsObject(t *testing.T) {
	r := setupRouter(time.Now())

	rec := send(r, "mei", http.MethodPost, "/presence/query", map[string][]string{"userIds": {}})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{}`, rec.Body.String())
}

func TestHeartbeatRejectsGarbage(t *testing.T) {
	r := setupRouter(time.Now())

	req := httptest.NewRequest(http.MethodPut, "/presence", bytes.NewBufferString("{"))
	req.Header.Set("X-Test-Actor", "mei")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
