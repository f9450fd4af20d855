package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"lumina-backend/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDiskStorage(t *testing.T) (*DiskStorage, string) {
	t.Helper()

	dir := t.TempDir()
	store := NewDiskStorage(dir, 10)
	require.NoError(t, store.Init())

	return store, dir
}

func testSession(id string) *model.ChatSession {
	return &model.ChatSession{
		ID:    id,
		Title: model.DefaultTitle,
		Model: model.ModelGeneral,
		Messages: []model.ChatMessage{
			model.NewWelcomeMessage(id),
		},
		Timestamp:         model.NewFlexTime(time.Now()),
		SystemInstruction: model.ModelGeneral.SystemInstruction(),
	}
}

func TestDiskStorageRoundTrip(t *testing.T) {
	store, dir := newTestDiskStorage(t)

	session := testSession("s1")
	session.Messages = append(session.Messages, model.ChatMessage{
		ID:        "m1",
		Text:      "hello",
		Sender:    model.SenderUser,
		Timestamp: model.NewFlexTime(time.Now()),
	})
	require.NoError(t, store.CreateSession(session))

	// 新的存储实例冷启动后读同一目录
	reopened := NewDiskStorage(dir, 10)
	require.NoError(t, reopened.Init())

	loaded, err := reopened.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, session.ID, loaded.ID)
	require.Len(t, loaded.Messages, 2)
	assert.Equal(t, "hello", loaded.Messages[1].Text)
}

func TestDiskStorageTimestampRepair(t *testing.T) {
	store, dir := newTestDiskStorage(t)

	// 历史数据：时间戳是epoch数字而非RFC3339字符串
	raw := `{
	  "id": "legacy",
	  "title": "旧会话",
	  "model": "general",
	  "timestamp": 1700000000000,
	  "systemInstruction": "",
	  "messages": [
	    {"id": "m1", "text": "old", "sender": "user", "timestamp": 1700000000}
	  ]
	}`
	path := filepath.Join(dir, "sessions", "legacy.json")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0644))

	loaded, err := store.GetSession("legacy")
	require.NoError(t, err)
	assert.True(t, loaded.Timestamp.Equal(time.UnixMilli(1700000000000)))
	require.Len(t, loaded.Messages, 1)
	assert.True(t, loaded.Messages[0].Timestamp.Equal(time.Unix(1700000000, 0)))
}

func TestDiskStorageCorruptSessionSkipped(t *testing.T) {
	store, dir := newTestDiskStorage(t)

	require.NoError(t, store.CreateSession(testSession("good")))

	// 损坏的会话文件不让整个注册表失效
	corrupt := filepath.Join(dir, "sessions", "bad.json")
	require.NoError(t, os.WriteFile(corrupt, []byte("{not json"), 0644))

	reopened := NewDiskStorage(dir, 10)
	require.NoError(t, reopened.Init())

	sessions, err := reopened.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "good", sessions[0].ID)

	_, err = reopened.GetSession("bad")
	assert.Error(t, err)
}

func TestDiskStorageActiveSessionPointer(t *testing.T) {
	store, dir := newTestDiskStorage(t)

	// 未写入过时返回空串而不是错误
	id, err := store.LoadActiveSession()
	require.NoError(t, err)
	assert.Equal(t, "", id)

	require.NoError(t, store.SaveActiveSession("s42"))

	reopened := NewDiskStorage(dir, 10)
	require.NoError(t, reopened.Init())

	id, err = reopened.LoadActiveSession()
	require.NoError(t, err)
	assert.Equal(t, "s42", id)
}

func TestDiskStorageListOrdering(t *testing.T) {
	store, _ := newTestDiskStorage(t)

	older := testSession("older")
	older.Timestamp = model.NewFlexTime(time.Now().Add(-time.Hour))
	newer := testSession("newer")
	newer.Timestamp = model.NewFlexTime(time.Now())

	require.NoError(t, store.CreateSession(older))
	require.NoError(t, store.CreateSession(newer))

	sessions, err := store.ListSessions()
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "newer", sessions[0].ID)
}

func TestDiskStorageDelete(t *testing.T) {
	store, _ := newTestDiskStorage(t)

	require.NoError(t, store.CreateSession(testSession("s1")))
	require.NoError(t, store.DeleteSession("s1"))

	_, err := store.GetSession("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	assert.ErrorIs(t, store.DeleteSession("missing"), ErrSessionNotFound)
}

func TestMemoryStorageBasics(t *testing.T) {
	store := NewMemoryStorage()
	require.NoError(t, store.Init())

	require.NoError(t, store.CreateSession(testSession("s1")))

	session, err := store.GetSession("s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", session.ID)

	_, err = store.GetSession("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, store.SaveActiveSession("s1"))
	id, err := store.LoadActiveSession()
	require.NoError(t, err)
	assert.Equal(t, "s1", id)
}
