package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docSyncServer/backend/internal/access"
	"docSyncServer/backend/internal/blame"
	"docSyncServer/backend/internal/cache"
	"docSyncServer/backend/internal/collab"
	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/patch"
	"docSyncServer/backend/internal/store"
)

type testServer struct {
	router *gin.Engine
	deps   Deps
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	db, err := gorm.Open(sqlite.Open("file:"+uuid.NewString()+"?mode=memory&cache=shared"),
		&gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, store.AutoMigrate(db))
	st, err := store.New(db)
	require.NoError(t, err)

	presence := cache.NewMemoryPresence()
	comp := compaction.NewService(st, cache.NewMemoryLocker(), compaction.DefaultConfig())
	mgr := collab.NewManager(st, comp, presence, nil, collab.DefaultConfig())
	bl, err := blame.NewService(st, blame.DefaultConfig())
	require.NoError(t, err)
	deps := Deps{
		Store:     st,
		Gate:      access.NewGate(st, access.NewTokenIssuer("handler-secret")),
		Manager:   mgr,
		Compactor: comp,
		Patches:   patch.NewApplier(mgr, st, patch.ReanchorRebaser{}, patch.DefaultConfig()),
		Blame:     bl,
		Presence:  presence,
	}
	t.Cleanup(func() {
		mgr.Close()
		st.Close()
		_ = sqlDB.Close()
	})

	r := gin.New()
	New(deps).Register(r.Group("/v1"))
	return &testServer{router: r, deps: deps}
}

func (s *testServer) do(t *testing.T, as, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if as != "" {
		tok, _, err := s.deps.Gate.Tokens().SignAccessToken(as, as, store.AuthorHuman, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (s *testServer) createDoc(t *testing.T) string {
	t.Helper()
	w := s.do(t, "alice", http.MethodPost, "/v1/documents", gin.H{"title": "Notes"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode(t, w)["docId"].(string)
}

func (s *testServer) write(t *testing.T, docID, text string) {
	t.Helper()
	_, err := s.deps.Manager.Edit(context.Background(), docID, access.Principal{ID: "alice", Role: access.RoleOwner},
		func(doc *crdt.Doc) ([]byte, error) { return doc.Clone().Insert(doc.Len(), text) })
	require.NoError(t, err)
}

func TestDocumentLifecycle(t *testing.T) {
	s := newTestServer(t)
	docID := s.createDoc(t)

	w := s.do(t, "alice", http.MethodGet, "/v1/documents/"+docID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Notes", body["title"])
	assert.Equal(t, "owner", body["role"])
	assert.Equal(t, "EMPTY", body["roomState"])

	w = s.do(t, "alice", http.MethodPut, "/v1/documents/"+docID+"/title", gin.H{"title": "Plans", "metaVersion": 1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decode(t, w)["metaVersion"])

	w = s.do(t, "alice", http.MethodPut, "/v1/documents/"+docID+"/title", gin.H{"title": "Stale", "metaVersion": 1})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "META_VERSION_CONFLICT", decode(t, w)["code"])

	s.write(t, docID, "hello")
	w = s.do(t, "alice", http.MethodGet, "/v1/documents/"+docID+"/text", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hello", w.Body.String())

	w = s.do(t, "bob", http.MethodGet, "/v1/documents/"+docID, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(t, "", http.MethodGet, "/v1/documents/"+docID, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestPatchEndpoint(t *testing.T) {
	s := newTestServer(t)
	docID := s.createDoc(t)
	s.write(t, docID, "draft")
	sv, err := s.deps.Manager.StateVector(context.Background(), docID)
	require.NoError(t, err)

	op := patch.Operation{Kind: patch.OpInsert, Anchor: patch.Anchor{Kind: patch.AnchorPath, Path: []int{0, 5}}, Text: " v2"}
	w := s.do(t, "alice", http.MethodPost, "/v1/documents/"+docID+"/patches", gin.H{
		"baseStateVector": sv,
		"operations":      []patch.Operation{op},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "applied", body["status"])
	assert.NotEmpty(t, body["newStateVector"])

	// 基线已过期且不允许 rebase
	w = s.do(t, "alice", http.MethodPost, "/v1/documents/"+docID+"/patches", gin.H{
		"baseStateVector": sv,
		"operations":      []patch.Operation{op},
		"rebaseAllowed":   false,
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "rejected_conflict", decode(t, w)["status"])

	text, err := s.deps.Manager.PlainText(context.Background(), docID)
	require.NoError(t, err)
	assert.Equal(t, "draft v2", text)

	w = s.do(t, "alice", http.MethodGet, "/v1/documents/"+docID+"/patches", nil)
	require.Equal(t, http.StatusOK, w.Code)
	audits := decode(t, w)["audits"].([]any)
	assert.Len(t, audits, 2)

	require.NoError(t, s.deps.Gate.Share(context.Background(), docID, "carol", access.RoleViewer, "alice"))
	w = s.do(t, "carol", http.MethodPost, "/v1/documents/"+docID+"/patches", gin.H{"operations": []patch.Operation{op}})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestVersionEndpoints(t *testing.T) {
	s := newTestServer(t)
	docID := s.createDoc(t)
	base := "/v1/documents/" + docID

	w := s.do(t, "alice", http.MethodGet, base+"/blame", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	s.write(t, docID, "first")
	w = s.do(t, "alice", http.MethodPost, base+"/versions", gin.H{"label": "v1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.EqualValues(t, 1, decode(t, w)["contentVersion"])

	s.write(t, docID, " second")
	w = s.do(t, "alice", http.MethodPost, base+"/compact", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.EqualValues(t, 2, decode(t, w)["contentVersion"])

	w = s.do(t, "alice", http.MethodPost, base+"/versions/1/restore", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.EqualValues(t, 3, body["backupVersion"])
	assert.EqualValues(t, 4, body["restoredVersion"])

	w = s.do(t, "alice", http.MethodGet, base+"/versions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["versions"].([]any), 3)
	w = s.do(t, "alice", http.MethodGet, base+"/versions?includeHidden=true", nil)
	assert.Len(t, decode(t, w)["versions"].([]any), 4)

	w = s.do(t, "alice", http.MethodPut, base+"/versions/2/pin", gin.H{"pinned": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, "alice", http.MethodGet, base+"/blame", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body = decode(t, w)
	assert.EqualValues(t, 4, body["contentVersion"])
	assert.Len(t, body["lines"].([]any), 1)

	w = s.do(t, "alice", http.MethodGet, base+"/audit?action=snapshot_created", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["entries"].([]any), 1)
	w = s.do(t, "alice", http.MethodGet, base+"/audit?action=snapshot_restored", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["entries"].([]any), 1)

	w = s.do(t, "alice", http.MethodGet, base+"/versions/abc/blame", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = s.do(t, "alice", http.MethodPost, base+"/versions/42/restore", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSharingEndpoints(t *testing.T) {
	s := newTestServer(t)
	docID := s.createDoc(t)
	base := "/v1/documents/" + docID

	w := s.do(t, "alice", http.MethodPut, base+"/shares/bob", gin.H{"role": "editor"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = s.do(t, "bob", http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "editor", decode(t, w)["role"])

	// editor 不能再授权
	w = s.do(t, "bob", http.MethodPut, base+"/shares/carol", gin.H{"role": "viewer"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = s.do(t, "alice", http.MethodPut, base+"/shares/carol", gin.H{"role": "superuser"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, "alice", http.MethodPost, base+"/links", gin.H{"role": "viewer", "ttlSeconds": 3600})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	link := decode(t, w)
	token := link["token"].(string)
	assert.NotEmpty(t, link["expiresAt"])

	req := httptest.NewRequest(http.MethodGet, base+"/text?link="+token, nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	w = s.do(t, "alice", http.MethodDelete, base+"/links/"+jsonNumber(link["linkId"]), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"/text?link="+token, nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// 限次链接用完后失效
	w = s.do(t, "alice", http.MethodPost, base+"/links", gin.H{"role": "viewer", "maxUses": 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	once := decode(t, w)
	assert.EqualValues(t, 1, once["maxUses"])
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"/text?link="+once["token"].(string), nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	s.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, base+"/text?link="+once["token"].(string), nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	w = s.do(t, "alice", http.MethodGet, base+"/audit?action=role_changed", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	entries := decode(t, w)["entries"].([]any)
	require.Len(t, entries, 1)
	entry := entries[0].(map[string]any)
	assert.Equal(t, "alice", entry["actorId"])
	assert.Equal(t, "bob", entry["metadata"].(map[string]any)["principalId"])

	w = s.do(t, "alice", http.MethodGet, base+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	actions := map[string]int{}
	for _, e := range decode(t, w)["entries"].([]any) {
		actions[e.(map[string]any)["action"].(string)]++
	}
	assert.Equal(t, 2, actions["link_created"])
	assert.Equal(t, 1, actions["link_revoked"])
	assert.Equal(t, 2, actions["link_used"])

	w = s.do(t, "bob", http.MethodGet, base+"/audit", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func jsonNumber(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
