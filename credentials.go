package hearth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// ============================================================================
// Credential Source
// ============================================================================

// CredentialSource supplies the bearer token shared by the realtime
// connection and the REST client.
type CredentialSource interface {
	// Token returns the current token, or "" when none is stored.
	Token(ctx context.Context) (string, error)
	// Watch registers fn for token changes. fn receives "" on removal.
	Watch(fn func(token string)) func()
}

// tokenWatchers is embedded by the sources to fan out changes.
type tokenWatchers struct {
	set    listenerSet[func(string)]
	logger *zerolog.Logger
}

func (w *tokenWatchers) Watch(fn func(token string)) func() {
	return w.set.add(fn)
}

// SetLogger sets the logger used to report panicking watchers. Call it
// before the source is shared.
func (w *tokenWatchers) SetLogger(logger *zerolog.Logger) {
	w.logger = logger
}

func (w *tokenWatchers) notify(token string) {
	logger := w.logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	for _, fn := range w.set.snapshot() {
		safeCall(logger, "credential_watch", func() { fn(token) })
	}
}

// ============================================================================
// MemoryCredentials
// ============================================================================

// MemoryCredentials keeps the token in process memory.
type MemoryCredentials struct {
	tokenWatchers

	mu    sync.RWMutex
	token string
}

// NewMemoryCredentials creates a source holding token ("" for none).
func NewMemoryCredentials(token string) *MemoryCredentials {
	return &MemoryCredentials{token: token}
}

func (m *MemoryCredentials) Token(context.Context) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token, nil
}

// Set replaces the token and notifies watchers if it changed.
func (m *MemoryCredentials) Set(token string) {
	m.mu.Lock()
	changed := m.token != token
	m.token = token
	m.mu.Unlock()
	if changed {
		m.notify(token)
	}
}

// Clear removes the token.
func (m *MemoryCredentials) Clear() {
	m.Set("")
}

// ============================================================================
// FileCredentials
// ============================================================================

type credentialsFile struct {
	Auth struct {
		Token string `toml:"token"`
	} `toml:"auth"`
}

// FileCredentials stores the token in a TOML file shared between
// processes, e.g. ~/.hearth/credentials.toml.
type FileCredentials struct {
	tokenWatchers
	path string

	mu     sync.Mutex
	last   string
	primed bool
}

func NewFileCredentials(path string) *FileCredentials {
	return &FileCredentials{path: path}
}

// Path returns the backing file.
func (f *FileCredentials) Path() string { return f.path }

func (f *FileCredentials) Token(context.Context) (string, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var cf credentialsFile
	if err := toml.Unmarshal(data, &cf); err != nil {
		return "", fmt.Errorf("parse %s: %w", f.path, err)
	}
	return cf.Auth.Token, nil
}

// Set writes the token with owner-only permissions.
func (f *FileCredentials) Set(token string) error {
	if token == "" {
		return f.Clear()
	}
	if err := os.MkdirAll(filepath.Dir(f.path), 0700); err != nil {
		return err
	}
	var cf credentialsFile
	cf.Auth.Token = token
	data, err := toml.Marshal(cf)
	if err != nil {
		return err
	}
	// Readers polling the file never see a partial write.
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		os.Remove(tmp)
		return err
	}
	f.observe(token)
	return nil
}

// Clear deletes the file.
func (f *FileCredentials) Clear() error {
	if err := os.Remove(f.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	f.observe("")
	return nil
}

// Poll re-reads the file every interval and notifies watchers of changes
// made by other processes. It returns when ctx is done.
func (f *FileCredentials) Poll(ctx context.Context, interval time.Duration) error {
	if token, err := f.Token(ctx); err == nil {
		f.mu.Lock()
		if !f.primed {
			f.last, f.primed = token, true
		}
		f.mu.Unlock()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			token, err := f.Token(ctx)
			if err != nil {
				continue
			}
			f.observe(token)
		}
	}
}

func (f *FileCredentials) observe(token string) {
	f.mu.Lock()
	changed := !f.primed || f.last != token
	f.last, f.primed = token, true
	f.mu.Unlock()
	if changed {
		f.notify(token)
	}
}

// ============================================================================
// RedisCredentials
// ============================================================================

// RedisCredentials stores the token under a Redis key and announces
// changes on "<key>:changed", so every host sharing the key reconnects
// with the new credential.
type RedisCredentials struct {
	tokenWatchers
	client redis.UniversalClient
	key    string

	mu   sync.Mutex
	last string
}

func NewRedisCredentials(client redis.UniversalClient, key string) *RedisCredentials {
	return &RedisCredentials{client: client, key: key}
}

func (r *RedisCredentials) channel() string { return r.key + ":changed" }

func (r *RedisCredentials) Token(ctx context.Context) (string, error) {
	token, err := r.client.Get(ctx, r.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return token, nil
}

// Set stores the token and publishes the change.
func (r *RedisCredentials) Set(ctx context.Context, token string) error {
	if token == "" {
		return r.Clear(ctx)
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key, token, 0)
		pipe.Publish(ctx, r.channel(), "set")
		return nil
	})
	return err
}

// Clear deletes the token and publishes the change.
func (r *RedisCredentials) Clear(ctx context.Context) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.Publish(ctx, r.channel(), "clear")
		return nil
	})
	return err
}

// Listen subscribes to change notifications and forwards them to watchers
// until ctx is done. The key is re-read on every notification, so watchers
// only see actual changes.
func (r *RedisCredentials) Listen(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel())
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel(), err)
	}

	initial, err := r.Token(ctx)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.last = initial
	r.mu.Unlock()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ch:
			if !ok {
				return nil
			}
			token, err := r.Token(ctx)
			if err != nil {
				continue
			}
			r.mu.Lock()
			changed := token != r.last
			r.last = token
			r.mu.Unlock()
			if changed {
				r.notify(token)
			}
		}
	}
}
