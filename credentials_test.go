package hearth

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type tokenLog struct {
	mu     sync.Mutex
	tokens []string
}

func (l *tokenLog) record(token string) {
	l.mu.Lock()
	l.tokens = append(l.tokens, token)
	l.mu.Unlock()
}

func (l *tokenLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.tokens...)
}

func TestMemoryCredentials_Watch(t *testing.T) {
	creds := NewMemoryCredentials("t1")
	var log tokenLog
	stop := creds.Watch(log.record)

	creds.Set("t1") // unchanged
	creds.Set("t2")
	creds.Clear()
	stop()
	creds.Set("t3")

	assert.Equal(t, []string{"t2", ""}, log.get())
	token, err := creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "t3", token)
}

func TestFileCredentials_SetTokenClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "credentials.toml")
	creds := NewFileCredentials(path)

	token, err := creds.Token(context.Background())
	require.NoError(t, err)
	assert.Empty(t, token, "missing file means no token")

	require.NoError(t, creds.Set("sk-hearth-123"))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	token, err = creds.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-hearth-123", token)

	require.NoError(t, creds.Clear())
	require.NoError(t, creds.Clear(), "clearing twice is fine")
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestFileCredentials_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.toml")
	require.NoError(t, os.WriteFile(path, []byte("[auth\ntoken ="), 0600))

	_, err := NewFileCredentials(path).Token(context.Background())
	assert.Error(t, err)
}

func TestFileCredentials_PollSeesOtherWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.toml")
	require.NoError(t, NewFileCredentials(path).Set("t1"))

	watched := NewFileCredentials(path)
	var log tokenLog
	watched.Watch(log.record)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watched.Poll(ctx, 5*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, log.get(), "the initial token is not a change")

	// Another process logs in again and then out.
	other := NewFileCredentials(path)
	require.NoError(t, other.Set("t2"))
	require.Eventually(t, func() bool { return len(log.get()) == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, other.Clear())
	require.Eventually(t, func() bool { return len(log.get()) == 2 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, []string{"t2", ""}, log.get())
}

// Needs a Redis server; set HEARTH_REDIS_ADDR_TEST=localhost:6379 to run.
func TestRedisCredentials_SetAndListen(t *testing.T) {
	addr := os.Getenv("HEARTH_REDIS_ADDR_TEST")
	if addr == "" {
		t.Skip("HEARTH_REDIS_ADDR_TEST not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key := "hearth:test:" + t.Name()
	creds := NewRedisCredentials(client, key)
	require.NoError(t, creds.Clear(ctx))

	token, err := creds.Token(ctx)
	require.NoError(t, err)
	assert.Empty(t, token)

	var log tokenLog
	creds.Watch(log.record)
	listenCtx, stop := context.WithCancel(ctx)
	defer stop()
	go creds.Listen(listenCtx)
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, creds.Set(ctx, "t1"))
	require.Eventually(t, func() bool { return len(log.get()) == 1 }, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, creds.Clear(ctx))
	require.Eventually(t, func() bool { return len(log.get()) == 2 }, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"t1", ""}, log.get())
}

func TestCredentials_PanickingWatcherIsIsolated(t *testing.T) {
	var log tokenLog
	creds := NewMemoryCredentials("")
	creds.Watch(func(string) { panic("watcher bug") })
	creds.Watch(log.record)

	assert.NotPanics(t, func() { creds.Set("t1") })
	assert.Equal(t, []string{"t1"}, log.get())

	path := filepath.Join(t.TempDir(), "credentials.toml")
	file := NewFileCredentials(path)
	file.Watch(func(string) { panic("watcher bug") })
	assert.NotPanics(t, func() { require.NoError(t, file.Set("t2")) })
}
