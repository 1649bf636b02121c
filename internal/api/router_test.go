package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tle_arena/internal/api"
	"tle_arena/internal/app/broadcast"
	"tle_arena/internal/app/service"
	"tle_arena/internal/common"
	"tle_arena/internal/common/security"
	"tle_arena/internal/domain/model"
	"tle_arena/internal/platform/judge"
	"tle_arena/internal/platform/memstore"
)

type acceptAll struct{}

func (acceptAll) Run(_ context.Context, req judge.Request) (*judge.Result, error) {
	if req.SourceCode == "boom" {
		return nil, fmt.Errorf("judge unreachable: %w", common.ErrGradingTimeout)
	}
	return &judge.Result{Status: model.StatusAccepted}, nil
}

type testServer struct {
	srv    *httptest.Server
	hub    *broadcast.Hub
	tokens map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	security.InitJWT([]byte("test-secret"), time.Hour)

	store := memstore.New()
	for _, u := range []string{"alice", "bob"} {
		store.PutUser(model.UserRating{UserID: u, Username: u, Rating: 1500})
	}
	store.PutProblem(model.Problem{ID: "p1", Title: "Echo", Slug: "echo"}, []model.TestCase{
		{ID: "t1", ProblemID: "p1", Input: "1", ExpectedOutput: "1"},
	})
	store.PutLanguage(model.Language{ID: "go", Name: "Go", Slug: "go", JudgeID: 60, IsActive: true})

	ctx, cancel := context.WithCancel(context.Background())
	hub := broadcast.NewHub(broadcast.HubConfig{PingInterval: time.Minute})
	go hub.Run(ctx)

	arena := service.NewArena(service.ArenaConfig{}, service.Deps{
		Rooms:       store,
		Submissions: store,
		Problems:    store,
		Ratings:     store,
		Profiles:    store,
		Grader:      acceptAll{},
		Publisher:   broadcast.NewSequencer(broadcast.Fanout{hub}),
	})

	srv := httptest.NewServer(api.NewRouter(api.RouterDeps{
		RoomService:  service.NewRoomService(arena),
		MatchService: service.NewMatchService(arena),
		Hub:          hub,
	}))
	t.Cleanup(func() {
		srv.Close()
		arena.Close()
		cancel()
	})

	ts := &testServer{srv: srv, hub: hub, tokens: map[string]string{}}
	for _, u := range []string{"alice", "bob"} {
		tok, err := security.GenerateToken(u, "user")
		require.NoError(t, err)
		ts.tokens[u] = tok
	}
	return ts
}

func (ts *testServer) do(t *testing.T, user, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, &buf)
	require.NoError(t, err)
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+ts.tokens[user])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	return resp, out.Bytes()
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, "", http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "OK", string(body))
}

func TestRoomsRequireToken(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, "", http.MethodGet, "/api/v1/rooms", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRoomLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, "alice", http.MethodPost, "/api/v1/rooms", map[string]interface{}{
		"duration_minutes": 15,
		"min_rating":       1000,
		"max_rating":       2000,
		"visibility":       "private",
		"password":         "s3cret",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var created model.RoomView
	require.NoError(t, json.Unmarshal(body, &created))
	roomID := created.Room.ID
	assert.NotContains(t, string(body), "s3cret")

	resp, _ = ts.do(t, "bob", http.MethodPost, "/api/v1/rooms/"+roomID+"/join", map[string]string{"password": "nope"})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = ts.do(t, "bob", http.MethodPost, "/api/v1/rooms/"+roomID+"/join", map[string]string{"password": "s3cret"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, "bob", http.MethodPost, "/api/v1/rooms/"+roomID+"/start", nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, body = ts.do(t, "alice", http.MethodPost, "/api/v1/rooms/"+roomID+"/start", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = ts.do(t, "bob", http.MethodPost, "/api/v1/rooms/"+roomID+"/submissions", map[string]string{
		"problem_id": "p1", "language": "go", "code": "print(1)",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var result model.SubmitResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, 2, result.Total)
	assert.Empty(t, result.Submission.Code)

	resp, body = ts.do(t, "bob", http.MethodPost, "/api/v1/rooms/"+roomID+"/submissions", map[string]string{
		"problem_id": "p1", "language": "go", "code": "boom",
	})
	assert.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	var failed struct {
		Error      string           `json:"error"`
		Submission model.Submission `json:"submission"`
	}
	require.NoError(t, json.Unmarshal(body, &failed))
	assert.Contains(t, failed.Error, "grading timed out")
	assert.Equal(t, model.StatusGradingTimeout, failed.Submission.Status)
	assert.Empty(t, failed.Submission.Code)

	resp, body = ts.do(t, "bob", http.MethodGet, "/api/v1/rooms/"+roomID+"/match", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view model.MatchView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Len(t, view.Submissions, 2)
	assert.Equal(t, model.RoomStatusStarted, view.Status)

	resp, _ = ts.do(t, "bob", http.MethodPost, "/api/v1/rooms/"+roomID+"/finish", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = ts.do(t, "bob", http.MethodPost, "/api/v1/rooms/"+roomID+"/finish", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListRoomsRejectsBadRating(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, "alice", http.MethodGet, "/api/v1/rooms?rating=high", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := ts.do(t, "alice", http.MethodGet, "/api/v1/rooms?rating=1500&page_size=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"page_size":5`)
}

func TestGetUnknownRoom(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, "alice", http.MethodGet, "/api/v1/rooms/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoomListSocketReceivesRoomCreated(t *testing.T) {
	ts := newTestServer(t)

	url := "ws" + strings.TrimPrefix(ts.srv.URL, "http") + "/api/v1/rooms/ws?token=" + ts.tokens["bob"]
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.Eventually(t, func() bool { return ts.hub.ClientCount(model.GlobalTopic) == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, _ := ts.do(t, "alice", http.MethodPost, "/api/v1/rooms", map[string]interface{}{
		"duration_minutes": 5, "max_rating": 3000,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var ev model.Event
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, model.EventRoomCreated, ev.Type)
	assert.EqualValues(t, 1, ev.Seq)
}
