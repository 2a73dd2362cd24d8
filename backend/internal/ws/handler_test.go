package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"docSyncServer/backend/internal/access"
	"docSyncServer/backend/internal/cache"
	"docSyncServer/backend/internal/collab"
	"docSyncServer/backend/internal/compaction"
	"docSyncServer/backend/internal/crdt"
	"docSyncServer/backend/internal/httpapi/middleware"
	"docSyncServer/backend/internal/store"
)

func newTestServer(t *testing.T) (*httptest.Server, *access.Gate, *Hub) {
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
	require.NoError(t, st.CreateDocument(context.Background(), &store.Document{ID: "doc-1", OwnerID: "alice"}))

	gate := access.NewGate(st, access.NewTokenIssuer("ws-secret"))
	comp := compaction.NewService(st, cache.NewMemoryLocker(), compaction.DefaultConfig())
	mgr := collab.NewManager(st, comp, cache.NewMemoryPresence(), nil, collab.DefaultConfig())
	hub := NewHub()
	h := NewHandler(hub, mgr, NewUpgrader(nil))

	r := gin.New()
	r.GET("/v1/documents/:docId/sync", middleware.DocumentAccess(gate, access.RoleViewer), h.Sync)
	srv := httptest.NewServer(r)
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
		st.Close()
		_ = sqlDB.Close()
	})
	return srv, gate, hub
}

func wsURL(srv *httptest.Server, query string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/documents/doc-1/sync?" + query
}

func readMessage(t *testing.T, c *websocket.Conn) collab.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.BinaryMessage, kind)
	msg, err := collab.DecodeMessage(data)
	require.NoError(t, err)
	return msg
}

func TestSyncRejectsMissingCredentialBeforeUpgrade(t *testing.T) {
	srv, gate, _ := newTestServer(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	tok, _, err := gate.Tokens().SignAccessToken("mallory", "mallory", "", time.Hour)
	require.NoError(t, err)
	_, resp, err = websocket.DefaultDialer.Dial(wsURL(srv, "token="+tok), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestSyncOverWebsocket(t *testing.T) {
	srv, gate, hub := newTestServer(t)
	require.NoError(t, gate.Share(context.Background(), "doc-1", "bob", access.RoleEditor, "alice"))

	dial := func(id string) *websocket.Conn {
		tok, _, err := gate.Tokens().SignAccessToken(id, id, "", time.Hour)
		require.NoError(t, err)
		c, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token="+tok), nil)
		require.NoError(t, err)
		t.Cleanup(func() { _ = c.Close() })
		require.Equal(t, collab.MsgSyncStep1, readMessage(t, c).Kind)
		return c
	}
	a := dial("alice")
	b := dial("bob")
	assert.Eventually(t, func() bool { return hub.Count("doc-1") == 2 }, time.Second, 10*time.Millisecond)

	u, err := crdt.New(42).Insert(0, "over the wire")
	require.NoError(t, err)
	require.NoError(t, a.WriteMessage(websocket.BinaryMessage, collab.Message{Kind: collab.MsgUpdate, Payload: u}.Encode()))

	msg := readMessage(t, b)
	assert.Equal(t, collab.MsgUpdate, msg.Kind)
	assert.Equal(t, u, msg.Payload)

	require.NoError(t, a.Close())
	assert.Eventually(t, func() bool { return hub.Count("doc-1") == 1 }, time.Second, 10*time.Millisecond)
}

func TestUpgraderOriginCheck(t *testing.T) {
	up := NewUpgrader([]string{"https://docs.example.com", "http://localhost"})
	cases := []struct {
		origin string
		ok     bool
	}{
		{"", true},
		{"null", true},
		{"https://docs.example.com", true},
		{"HTTPS://Docs.Example.com", true},
		{"http://localhost:5173", true},
		{"http://docs.example.com", false},
		{"https://docs.example.com.evil.com", false},
		{"http://localhost.evil.com", false},
		{"http://localhostevil.com", false},
		{"not a url", false},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		assert.Equal(t, tc.ok, up.CheckOrigin(r), "origin %q", tc.origin)
	}
}
