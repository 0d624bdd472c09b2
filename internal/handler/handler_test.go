package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/viva/internal/i18n"
	"github.com/pavelanni/viva/internal/llm"
	"github.com/pavelanni/viva/internal/llm/prompts"
	"github.com/pavelanni/viva/internal/model"
	"github.com/pavelanni/viva/internal/store"
	"github.com/pavelanni/viva/internal/viva"
)

type stubTranscriber struct {
	text string
}

func (s stubTranscriber) Transcribe(context.Context, []byte) (string, error) {
	return s.text, nil
}

type testEnv struct {
	server   *httptest.Server
	store    *store.Store
	provider *llm.MockProvider
}

func newTestEnv(t *testing.T, cfg model.VivaConfig) *testEnv {
	t.Helper()
	require.NoError(t, i18n.Init("en"))

	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.UpsertChapter(context.Background(), model.Chapter{
		Name:    "Light",
		Grade:   8,
		Subject: "Science",
		Concepts: []model.Concept{
			{Name: "Reflection", Description: "Bouncing of light off a surface"},
		},
	}))

	provider := llm.NewMockProvider()
	client, err := llm.New(provider, prompts.PromptStandard, 0)
	require.NoError(t, err)

	orch, err := viva.New(viva.Dependencies{
		Chapters:    st,
		Questions:   client,
		Transcriber: stubTranscriber{text: "the angle of incidence equals the angle of reflection"},
		Evaluator:   client,
		Feedback:    client,
	}, cfg)
	require.NoError(t, err)

	h, err := New(st, orch, cfg)
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Use(i18n.Middleware("en"))
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testEnv{server: srv, store: st, provider: provider}
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.server.URL, "http") + "/ws/viva"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	msg := readMsg(t, conn)
	assert.JSONEq(t, `"connected"`, string(msg["status"]))
	return conn
}

func readMsg(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]json.RawMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readString(t *testing.T, conn *websocket.Conn, key string) string {
	t.Helper()
	msg := readMsg(t, conn)
	raw, ok := msg[key]
	require.True(t, ok, "expected %q message, got %v", key, msg)
	var s string
	require.NoError(t, json.Unmarshal(raw, &s))
	return s
}

func evalJSON(c, d, cl int, category, rationale string) llm.MockResponse {
	b, _ := json.Marshal(map[string]any{
		"correctness": c,
		"depth":       d,
		"clarity":     cl,
		"error_type":  category,
		"rationale":   rationale,
	})
	return llm.MockResponse{Content: b}
}

var lightSelection = map[string]any{"chapter": "Light", "grade": 8, "subject": "Science"}

func TestVivaEndToEnd(t *testing.T) {
	env := newTestEnv(t, model.VivaConfig{MaxTurns: viva.DefaultHardCap})
	env.provider.AddText("What happens to light when it hits a mirror?")
	env.provider.AddResponse(evalJSON(9, 9, 9, "no_error", "Correct and complete."))
	env.provider.AddText("How would you measure the angle of reflection?")
	env.provider.AddResponse(evalJSON(9, 10, 9, "no_error", "Precise."))
	env.provider.AddText("You understand reflection well.")

	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(lightSelection))

	assert.Equal(t, "What happens to light when it hits a mirror?", readString(t, conn, "question"))
	require.NoError(t, conn.WriteJSON(map[string]string{"answer": "it bounces back"}))
	assert.Equal(t, "Correct and complete.", readString(t, conn, "answer"))

	assert.Equal(t, "How would you measure the angle of reflection?", readString(t, conn, "question"))
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x1a, 0x45, 0xdf, 0xa3}))
	assert.Equal(t, "Precise.", readString(t, conn, "answer"))

	msg := readMsg(t, conn)
	require.Contains(t, msg, "feedback")
	var fb feedbackBody
	require.NoError(t, json.Unmarshal(msg["feedback"], &fb))
	assert.Equal(t, "You understand reflection well.", fb.Feedback)
	assert.Equal(t, model.ScoreTriple{Correctness: 9, Depth: 9.5, Clarity: 9}, fb.Scores["Reflection"])
	require.NotEmpty(t, fb.SessionID)

	assert.Contains(t, readString(t, conn, "message"), fb.SessionID)

	report, err := env.store.GetReport(context.Background(), fb.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Light", report.Selection.Chapter)
	require.Len(t, report.Concepts, 1)
	require.Len(t, report.Concepts[0].Turns, 2)
	assert.Equal(t, "it bounces back", report.Concepts[0].Turns[0].Answer)
	assert.Equal(t, "the angle of incidence equals the angle of reflection", report.Concepts[0].Turns[1].Answer)
	assert.Equal(t, 5, env.provider.CallCount())
}

func TestVivaRejectsBadSelections(t *testing.T) {
	env := newTestEnv(t, model.VivaConfig{})
	conn := env.dial(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("hello")))
	assert.Equal(t, "Send a chapter selection as JSON.", readString(t, conn, "error"))

	require.NoError(t, conn.WriteJSON(map[string]any{"chapter": "Light"}))
	assert.Equal(t, "Please send a chapter, grade and subject.", readString(t, conn, "error"))

	require.NoError(t, conn.WriteJSON(map[string]any{"chapter": "Sound", "grade": 8, "subject": "Science"}))
	assert.Contains(t, readString(t, conn, "error"), "not found")

	// The connection stays usable.
	env.provider.AddText("What is reflection?")
	require.NoError(t, conn.WriteJSON(lightSelection))
	assert.Equal(t, "What is reflection?", readString(t, conn, "question"))
	assert.Equal(t, 1, env.provider.CallCount())
}

func TestVivaInvalidAnswerFrameKeepsWaiting(t *testing.T) {
	env := newTestEnv(t, model.VivaConfig{})
	env.provider.AddText("What is reflection?")
	env.provider.AddResponse(evalJSON(3, 3, 3, "conceptual", "Confused with refraction."))
	env.provider.AddText("Keep working on reflection.")

	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(lightSelection))
	readString(t, conn, "question")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"chapter":"Light"}`)))
	assert.Equal(t, "Send a recorded or typed answer.", readString(t, conn, "error"))

	require.NoError(t, conn.WriteJSON(map[string]string{"answer": "light bends"}))
	assert.Equal(t, "Confused with refraction.", readString(t, conn, "answer"))
}

func TestVivaEmptyAudioFrameKeepsWaiting(t *testing.T) {
	env := newTestEnv(t, model.VivaConfig{})
	env.provider.AddText("What is reflection?")
	env.provider.AddResponse(evalJSON(9, 9, 9, "no_error", "Exactly right."))
	env.provider.AddText("Why do mirrors reverse left and right?")

	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(lightSelection))
	readString(t, conn, "question")

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{}))
	assert.Equal(t, "Send a recorded or typed answer.", readString(t, conn, "error"))

	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x1a, 0x45, 0xdf, 0xa3}))
	assert.Equal(t, "Exactly right.", readString(t, conn, "answer"))
	assert.Equal(t, "Why do mirrors reverse left and right?", readString(t, conn, "question"))
}

func TestVivaAnswerTimeoutEndsConcept(t *testing.T) {
	env := newTestEnv(t, model.VivaConfig{AnswerTimeout: 50 * time.Millisecond})
	env.provider.AddText("What is reflection?")
	env.provider.AddText("Try answering next time.")

	conn := env.dial(t)
	require.NoError(t, conn.WriteJSON(lightSelection))
	readString(t, conn, "question")

	msg := readMsg(t, conn)
	require.Contains(t, msg, "feedback")
	var fb feedbackBody
	require.NoError(t, json.Unmarshal(msg["feedback"], &fb))
	assert.Equal(t, "Try answering next time.", fb.Feedback)
	assert.Contains(t, fb.Scores, "Reflection")
	assert.False(t, fb.Scores["Reflection"].Scored())
}

func TestVivaCapabilityFailureClosesConnection(t *testing.T) {
	env := newTestEnv(t, model.VivaConfig{})
	conn := env.dial(t)

	// No canned responses: question generation fails.
	require.NoError(t, conn.WriteJSON(lightSelection))
	assert.Equal(t, "An error occurred", readString(t, conn, "error"))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseInternalServerErr), "got %v", err)

	summaries, err := env.store.ListReports(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, summaries)
}

func TestVivaOriginAllowList(t *testing.T) {
	env := newTestEnv(t, model.VivaConfig{AllowedOrigins: []string{"https://school.example"}})
	url := "ws" + strings.TrimPrefix(env.server.URL, "http") + "/ws/viva"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://school.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestHTTPEndpoints(t *testing.T) {
	env := newTestEnv(t, model.VivaConfig{})

	get := func(path string, header http.Header) (*http.Response, map[string]any) {
		t.Helper()
		req, err := http.NewRequest(http.MethodGet, env.server.URL+path, nil)
		require.NoError(t, err)
		for k, v := range header {
			req.Header[k] = v
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return resp, body
	}

	t.Run("index", func(t *testing.T) {
		resp, body := get("/", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Viva", body["title"])
		assert.Equal(t, "1 chapter available.", body["chapters"])
	})

	t.Run("index localized", func(t *testing.T) {
		_, body := get("/", http.Header{"Accept-Language": {"ru-RU,ru;q=0.9"}})
		assert.Equal(t, "Устный экзамен", body["title"])
		assert.Equal(t, "Доступна 1 глава.", body["chapters"])

		_, body = get("/?lang=en", http.Header{"Accept-Language": {"ru"}})
		assert.Equal(t, "Viva", body["title"])
	})

	t.Run("healthz", func(t *testing.T) {
		resp, body := get("/healthz", nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "ok", body["status"])
	})

	t.Run("session not found", func(t *testing.T) {
		resp, _ := get("/api/sessions/nope", nil)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("bad limit", func(t *testing.T) {
		resp, _ := get("/api/sessions?limit=abc", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("chapters", func(t *testing.T) {
		resp, err := http.Get(env.server.URL + "/api/chapters")
		require.NoError(t, err)
		defer resp.Body.Close()
		var chapters []model.ChapterSummary
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&chapters))
		require.Len(t, chapters, 1)
		assert.Equal(t, "Light", chapters[0].Name)
		assert.Equal(t, 1, chapters[0].ConceptCount)
	})

	t.Run("sessions", func(t *testing.T) {
		report := &model.SessionReport{
			ID:        "01J0000000000000000000TEST",
			Selection: model.ChapterSelection{Chapter: "Light", Grade: 8, Subject: "Science"},
			Scores:    map[string]model.ScoreTriple{"Reflection": {Correctness: 7, Depth: 7, Clarity: 7}},
			Concepts: []model.ConceptResult{{
				Concept: "Reflection",
				Score:   model.ScoreTriple{Correctness: 7, Depth: 7, Clarity: 7},
			}},
			Feedback:   "Good.",
			StartedAt:  time.Now().Add(-time.Minute),
			FinishedAt: time.Now(),
		}
		require.NoError(t, env.store.SaveReport(context.Background(), report))

		resp, body := get("/api/sessions/"+report.ID, nil)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "Good.", body["feedback"])

		listResp, err := http.Get(env.server.URL + "/api/sessions")
		require.NoError(t, err)
		defer listResp.Body.Close()
		var list []model.SessionSummary
		require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
		require.Len(t, list, 1)
		assert.Equal(t, report.ID, list[0].ID)
	})
}
