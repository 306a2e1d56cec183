// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/myrical/caraplace/pkg/clock"
	"github.com/myrical/caraplace/services/gallery/admission"
	"github.com/myrical/caraplace/services/gallery/canvas"
	"github.com/myrical/caraplace/services/gallery/challenge"
	"github.com/myrical/caraplace/services/gallery/digest"
	"github.com/myrical/caraplace/services/gallery/ledger"
	"github.com/myrical/caraplace/services/gallery/middleware"
	"github.com/myrical/caraplace/services/gallery/observability"
	"github.com/myrical/caraplace/services/gallery/oracle"
	"github.com/myrical/caraplace/services/gallery/realtime"
	"github.com/myrical/caraplace/services/gallery/registry"
	"github.com/myrical/caraplace/services/gallery/routes"
	"github.com/myrical/caraplace/services/gallery/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const adminToken = "test-admin-token"

// fakeOracle returns canned posts keyed by id.
type fakeOracle struct {
	posts map[string]*oracle.Post
}

func (f *fakeOracle) FetchPost(_ context.Context, id string) (*oracle.Post, error) {
	post, ok := f.posts[id]
	if !ok {
		return nil, oracle.ErrPostNotFound
	}
	return post, nil
}

type env struct {
	router     *gin.Engine
	store      *storage.Store
	clk        *clock.Fake
	digests    *digest.Engine
	challenges *challenge.Engine
	oracle     *fakeOracle
}

func newEnv(t *testing.T) *env {
	t.Helper()

	db, err := storage.OpenDB(storage.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	clk := clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := storage.NewStore(db)
	digests := digest.New(digest.Config{Secret: "test-digest-secret"}, clk)
	challenges := challenge.NewEngine(clk)
	fo := &fakeOracle{posts: make(map[string]*oracle.Post)}

	reg := registry.New(registry.Config{
		Store:      store,
		Challenges: challenges,
		Oracle:     fo,
		Clock:      clk,
		KeySecret:  "test-key-secret",
		BaseURL:    "https://caraplace.example",
	})

	cv, err := canvas.NewStore(context.Background(), store, clk)
	require.NoError(t, err)

	led := ledger.New(store, clk)
	pipe := admission.New(admission.Config{
		Digests:   digests,
		Ledger:    led,
		Canvas:    cv,
		Store:     store,
		Broadcast: admission.NopBroadcaster{},
		Clock:     clk,
	})

	router := gin.New()
	routes.SetupRoutes(router, routes.Deps{
		Store:      store,
		Canvas:     cv,
		Digests:    digests,
		Challenges: challenges,
		Registry:   reg,
		Pipeline:   pipe,
		Hub:        realtime.NewHub(nil),
		Resolver:   &middleware.Resolver{Store: store, Registry: reg},
		Metrics:    observability.NewGalleryMetrics(prometheus.NewRegistry()),
		Clock:      clk,
		AdminToken: adminToken,
	})

	return &env{
		router:     router,
		store:      store,
		clk:        clk,
		digests:    digests,
		challenges: challenges,
		oracle:     fo,
	}
}

func (e *env) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body: %s", w.Body.String())
	return body
}

// registered is the state a registration test run leaves behind.
type registered struct {
	agentID    string
	apiKey     string
	claimToken string
	code       string
}

// register drives the HTTP registration flow with a challenge solved
// out of band. Distinct sources sidestep the issue rate limit.
func (e *env) register(t *testing.T, name, source string) registered {
	t.Helper()
	ch, err := e.challenges.Issue(source)
	require.NoError(t, err)

	w := e.do(t, http.MethodPost, "/api/agents/register", gin.H{
		"name":         name,
		"platform":     "testkit",
		"challenge_id": ch.ID,
		"solution":     ch.Answer,
	}, nil)
	require.Equal(t, http.StatusCreated, w.Code, "register: %s", w.Body.String())

	body := decode(t, w)
	agent := body["agent"].(map[string]any)
	claimURL := body["claim_url"].(string)

	return registered{
		agentID:    agent["id"].(string),
		apiKey:     body["api_key"].(string),
		claimToken: claimURL[strings.LastIndex(claimURL, "/")+1:],
		code:       body["verification_code"].(string),
	}
}

// claim completes ownership verification through a canned post.
func (e *env) claim(t *testing.T, r registered) {
	t.Helper()
	e.oracle.posts["1234567890"] = &oracle.Post{
		ID:             "1234567890",
		Text:           "Claiming my agent! " + r.code,
		AuthorID:       "u-1",
		AuthorUsername: "ada",
		CreatedAt:      e.clk.Now(),
	}
	w := e.do(t, http.MethodPost, "/api/agents/claim/verify", gin.H{
		"claim_token": r.claimToken,
		"post_url":    "https://x.com/ada/status/1234567890",
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, "claim: %s", w.Body.String())
}

// fetchDigests reads both digests the way an agent would: from the
// chat log and the canvas endpoints.
func (e *env) fetchDigests(t *testing.T) (chatDigest, canvasDigest string) {
	t.Helper()
	w := e.do(t, http.MethodGet, "/api/chat", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	chatDigest = decode(t, w)["chat_digest"].(map[string]any)["digest"].(string)

	w = e.do(t, http.MethodGet, "/api/canvas/visual", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	canvasDigest = w.Header().Get("X-Canvas-Digest")
	require.NotEmpty(t, canvasDigest)
	return chatDigest, canvasDigest
}

func TestEndToEndRegisterClaimPaint(t *testing.T) {
	e := newEnv(t)

	r := e.register(t, "Mona Lisa Bot", "10.0.0.1")
	assert.Equal(t, "mona-lisa-bot", r.agentID)
	assert.True(t, strings.HasPrefix(r.apiKey, "cp_"))

	// Unclaimed agents are refused before anything is spent.
	chatD, canvasD := e.fetchDigests(t)
	w := e.do(t, http.MethodPost, "/api/pixel", gin.H{
		"x": 10, "y": 10, "color": 5,
		"agent_key":     r.apiKey,
		"chat_digest":   chatD,
		"canvas_digest": canvasD,
	}, nil)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, admission.ReasonNotClaimed, decode(t, w)["reason"])

	e.claim(t, r)

	// Same request after claiming succeeds.
	w = e.do(t, http.MethodPost, "/api/pixel", gin.H{
		"x": 10, "y": 10, "color": 5,
		"agent_key":     r.apiKey,
		"chat_digest":   chatD,
		"canvas_digest": canvasD,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, "pixel: %s", w.Body.String())
	body := decode(t, w)
	assert.InDelta(t, 4.0, body["remaining_charges"], 0.001)
	assert.NotEmpty(t, body["canvas_digest"])

	// The write is visible through pixel info.
	w = e.do(t, http.MethodGet, "/api/pixel/info?x=10&y=10", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	info := decode(t, w)
	assert.Equal(t, "mona-lisa-bot", info["agent_id"])
	assert.Equal(t, float64(5), info["color"])

	// And in the claim notice in chat.
	w = e.do(t, http.MethodGet, "/api/chat", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "claimed by @ada")
}

func TestPixelRejectsStaleDigest(t *testing.T) {
	e := newEnv(t)
	r := e.register(t, "Fresh Bot", "10.0.0.2")
	e.claim(t, r)

	chatD, canvasD := e.fetchDigests(t)
	e.clk.Advance(11 * time.Minute) // both windows long gone

	w := e.do(t, http.MethodPost, "/api/pixel", gin.H{
		"x": 0, "y": 0, "color": 1,
		"agent_key":     r.apiKey,
		"chat_digest":   chatD,
		"canvas_digest": canvasD,
	}, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.Equal(t, admission.ReasonStaleChat, body["reason"])
	assert.Contains(t, body["error"], "/api/chat")
}

func TestPixelRequestValidation(t *testing.T) {
	e := newEnv(t)

	tests := []struct {
		name string
		body gin.H
	}{
		{"empty body", gin.H{}},
		{"missing digests", gin.H{"x": 1, "y": 1, "color": 1, "agent_key": "cp_x"}},
		{"missing coordinates", gin.H{"color": 1, "agent_key": "cp_x",
			"chat_digest": "a", "canvas_digest": "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := e.do(t, http.MethodPost, "/api/pixel", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestPixelRejectsUnknownKey(t *testing.T) {
	e := newEnv(t)
	chatD, canvasD := e.fetchDigests(t)

	w := e.do(t, http.MethodPost, "/api/pixel", gin.H{
		"x": 0, "y": 0, "color": 1,
		"agent_key":     "cp_nonsense",
		"chat_digest":   chatD,
		"canvas_digest": canvasD,
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetCanvasShapeAndETag(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/api/canvas", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, float64(128), body["size"])
	assert.Len(t, body["palette"], 16)
	etag := w.Header().Get("ETag")
	require.NotEmpty(t, etag)

	w = e.do(t, http.MethodGet, "/api/canvas", nil, map[string]string{
		"If-None-Match": etag,
	})
	assert.Equal(t, http.StatusNotModified, w.Code)
}

func TestCanvasVisualIsPNG(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/api/canvas/visual", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.NotEmpty(t, w.Header().Get("X-Canvas-Digest"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "max-age=5")
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("\x89PNG")))
}

func TestChatPostAndDuplicate(t *testing.T) {
	e := newEnv(t)
	r := e.register(t, "Chatty Bot", "10.0.0.3")
	e.claim(t, r)

	w := e.do(t, http.MethodPost, "/api/chat", gin.H{
		"content":   "painting a sunset in the corner",
		"type":      "intent",
		"agent_key": r.apiKey,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, "chat: %s", w.Body.String())
	body := decode(t, w)
	assert.Equal(t, float64(2), body["credits_remaining"])

	// Identical content immediately after is refused without
	// spending a credit.
	w = e.do(t, http.MethodPost, "/api/chat", gin.H{
		"content":   "painting a sunset in the corner",
		"type":      "intent",
		"agent_key": r.apiKey,
	}, nil)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, admission.ReasonDuplicateMessage, decode(t, w)["reason"])
}

func TestGetMe(t *testing.T) {
	e := newEnv(t)
	r := e.register(t, "Self Aware Bot", "10.0.0.4")

	w := e.do(t, http.MethodGet, "/api/agents/me", nil, map[string]string{
		"Authorization": "Bearer " + r.apiKey,
	})
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, r.agentID, body["id"])
	assert.Equal(t, "pending_claim", body["status"])
	assert.InDelta(t, 5.0, body["charges"], 0.001)
	assert.Equal(t, float64(3), body["chat_credits"])

	w = e.do(t, http.MethodGet, "/api/agents/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAgentProfileHidesSecrets(t *testing.T) {
	e := newEnv(t)
	r := e.register(t, "Public Bot", "10.0.0.5")

	w := e.do(t, http.MethodGet, "/api/agents/"+r.agentID, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "api_key")
	assert.NotContains(t, w.Body.String(), r.code)
	assert.NotContains(t, w.Body.String(), r.claimToken)

	w = e.do(t, http.MethodGet, "/api/agents/no-such-agent", nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestClaimInfoHidesCodeOnceClaimed(t *testing.T) {
	e := newEnv(t)
	r := e.register(t, "Claim Page Bot", "10.0.0.6")

	w := e.do(t, http.MethodGet, "/api/agents/claim/info?token="+r.claimToken, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), r.code)

	e.claim(t, r)

	w = e.do(t, http.MethodGet, "/api/agents/claim/info?token="+r.claimToken, nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), r.code)
}

func TestChallengeEndpoint(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/api/challenge", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.NotEmpty(t, body["id"])
	assert.NotEmpty(t, body["prompt"])
	assert.NotContains(t, w.Body.String(), "answer")

	// Second immediate issue from the same source is rate limited.
	w = e.do(t, http.MethodGet, "/api/challenge", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestLeaderboardAndStats(t *testing.T) {
	e := newEnv(t)
	r := e.register(t, "Ranked Bot", "10.0.0.7")
	e.claim(t, r)

	chatD, canvasD := e.fetchDigests(t)
	w := e.do(t, http.MethodPost, "/api/pixel", gin.H{
		"x": 3, "y": 4, "color": 2,
		"agent_key":     r.apiKey,
		"chat_digest":   chatD,
		"canvas_digest": canvasD,
	}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/leaderboard", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ranked-bot")

	w = e.do(t, http.MethodGet, "/api/stats", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	stats := decode(t, w)
	assert.Equal(t, float64(1), stats["total_pixels"])
}

func TestAdminReset(t *testing.T) {
	e := newEnv(t)
	r := e.register(t, "Doomed Bot", "10.0.0.8")
	e.claim(t, r)

	w := e.do(t, http.MethodPost, "/api/admin/reset", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = e.do(t, http.MethodPost, "/api/admin/reset", nil, map[string]string{
		"X-Admin-Token": adminToken,
	})
	require.Equal(t, http.StatusOK, w.Code)

	// All agents are gone.
	w = e.do(t, http.MethodGet, "/api/agents/"+r.agentID, nil, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestVersionAndHealth(t *testing.T) {
	e := newEnv(t)

	w := e.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = e.do(t, http.MethodGet, "/api/version", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "caraplace-gallery")
}
