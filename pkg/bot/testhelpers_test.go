// Copyright 2024-2026 Aiku AI

package bot

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-keyword-relay/pkg/relay"
	"github.com/aiku/mattermost-keyword-relay/pkg/store"
)

// fakeMM simulates the slice of the Mattermost API the bot touches.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []string
	posts []*model.Post

	// Users maps user ID to model.User.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:       make(map[string]*model.User),
		TokenToUser: make(map[string]string),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) Posts() []*model.Post {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*model.Post, len(f.posts))
	copy(cp, f.posts)
	return cp
}

func (f *fakeMM) resolveToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	for tok, uid := range f.TokenToUser {
		if auth == "BEARER "+tok || auth == "Bearer "+tok {
			return uid
		}
	}
	return ""
}

func (f *fakeMM) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.calls = append(f.calls, r.Method+" "+r.URL.Path)
	f.mu.Unlock()

	path := r.URL.Path

	switch {
	// GET /api/v4/users/me
	case r.Method == "GET" && path == "/api/v4/users/me":
		uid := f.resolveToken(r)
		if uid == "" {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "unauthorized"})
			return
		}
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/users/username/{username}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/username/"):
		username := path[len("/api/v4/users/username/"):]
		for _, u := range f.Users {
			if u.Username == username {
				_ = json.NewEncoder(w).Encode(u)
				return
			}
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		uid := path[len("/api/v4/users/"):]
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// POST /api/v4/channels/direct
	case r.Method == "POST" && path == "/api/v4/channels/direct":
		var members []string
		_ = json.Unmarshal(body, &members)
		_ = json.NewEncoder(w).Encode(&model.Channel{
			Id:   "dm-" + strings.Join(members, "-"),
			Type: model.ChannelTypeDirect,
		})

	// POST /api/v4/posts
	case r.Method == "POST" && path == "/api/v4/posts":
		var post model.Post
		_ = json.Unmarshal(body, &post)
		post.Id = "created-post-id"
		f.mu.Lock()
		f.posts = append(f.posts, &post)
		f.mu.Unlock()
		_ = json.NewEncoder(w).Encode(&post)

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// recordingNotifier captures replies sent to users.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	users    []string
}

func (n *recordingNotifier) Send(_ context.Context, userID, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.users = append(n.users, userID)
	n.messages = append(n.messages, text)
	return nil
}

func (n *recordingNotifier) MaxMessageSize() int { return maxMessageSize }

// last returns the most recent reply, or "" if none was sent.
func (n *recordingNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return ""
	}
	return n.messages[len(n.messages)-1]
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.messages)
}

// fakeSessions records session manager calls and fails on demand.
type fakeSessions struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	running  map[string]bool
	startErr error
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{running: make(map[string]bool)}
}

func (s *fakeSessions) Start(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = append(s.started, userID)
	if s.startErr != nil {
		return s.startErr
	}
	s.running[userID] = true
	return nil
}

func (s *fakeSessions) Stop(userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, userID)
	delete(s.running, userID)
}

func (s *fakeSessions) Restart(ctx context.Context, userID string) error {
	s.Stop(userID)
	return s.Start(ctx, userID)
}

func (s *fakeSessions) StartAll(context.Context) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *fakeSessions) IsRunning(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[userID]
}

func (s *fakeSessions) CountRunning() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

func (s *fakeSessions) startedFor(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range s.started {
		if id == userID {
			n++
		}
	}
	return n
}

// testBot wires a Bot to in-memory stores, a fake backend and recording
// collaborators. The bot is treated as already connected.
type testBot struct {
	bot      *Bot
	fake     *fakeMM
	mem      *store.Memory
	sessions *fakeSessions
	notifier *recordingNotifier
}

func newTestBot(admins ...string) *testBot {
	fake := newFakeMM()
	mem := store.NewMemory()
	sessions := newFakeSessions()
	notifier := &recordingNotifier{}

	b := New(Config{
		ServerURL: fake.Server.URL,
		Token:     "bot-token",
		Admins:    admins,
		Users:     mem,
		Access:    mem,
		Sessions:  sessions,
		Notifier:  notifier,
		Validate: func(_ context.Context, _ string, token string) (*model.User, error) {
			if uid, ok := fake.TokenToUser[token]; ok {
				return fake.Users[uid], nil
			}
			return nil, relay.ErrInvalidCredential
		},
		Log: zerolog.Nop(),
	})
	b.client = model.NewAPIv4Client(fake.Server.URL)
	b.client.SetToken("bot-token")
	b.selfID = "bot-id"

	for _, id := range admins {
		_ = mem.Grant(context.Background(), id, "", store.SystemGrantedBy)
	}

	return &testBot{bot: b, fake: fake, mem: mem, sessions: sessions, notifier: notifier}
}
