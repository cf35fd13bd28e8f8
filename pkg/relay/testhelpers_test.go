// Copyright 2024-2026 Aiku AI

package relay

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
)

// endpointCall records which API endpoints were hit during a test.
type endpointCall struct {
	Method string
	Path   string
	Body   string
}

// fakeMM is a test helper that wraps an httptest.Server simulating the
// Mattermost API surface the relay touches. It records calls and serves
// canned responses.
type fakeMM struct {
	Server *httptest.Server

	mu    sync.Mutex
	calls []endpointCall

	// Users maps user ID to model.User for GetUser responses.
	Users map[string]*model.User
	// TokenToUser maps bearer tokens to user IDs for GetMe auth.
	TokenToUser map[string]string
	// Channels maps channel ID to model.Channel.
	Channels map[string]*model.Channel
	// FailEndpoints causes specific path substrings to return 500.
	FailEndpoints map[string]bool
}

func newFakeMM() *fakeMM {
	f := &fakeMM{
		Users:         make(map[string]*model.User),
		TokenToUser:   make(map[string]string),
		Channels:      make(map[string]*model.Channel),
		FailEndpoints: make(map[string]bool),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handler))
	return f
}

func (f *fakeMM) Close() {
	f.Server.Close()
}

func (f *fakeMM) record(method, path, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, endpointCall{Method: method, Path: path, Body: body})
}

func (f *fakeMM) Calls() []endpointCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]endpointCall, len(f.calls))
	copy(cp, f.calls)
	return cp
}

func (f *fakeMM) CalledPath(path string) bool {
	for _, c := range f.Calls() {
		if strings.Contains(c.Path, path) {
			return true
		}
	}
	return false
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
	f.record(r.Method, r.URL.Path, string(body))

	for substr := range f.FailEndpoints {
		if strings.Contains(r.URL.Path, substr) {
			w.WriteHeader(http.StatusInternalServerError)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "fake error"})
			return
		}
	}

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

	// GET /api/v4/users/{user_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/users/") && !strings.Contains(path[len("/api/v4/users/"):], "/"):
		uid := path[len("/api/v4/users/"):]
		if u, ok := f.Users[uid]; ok {
			_ = json.NewEncoder(w).Encode(u)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	// GET /api/v4/channels/{channel_id}
	case r.Method == "GET" && strings.HasPrefix(path, "/api/v4/channels/") && !strings.Contains(path[len("/api/v4/channels/"):], "/"):
		chID := path[len("/api/v4/channels/"):]
		if ch, ok := f.Channels[chID]; ok {
			_ = json.NewEncoder(w).Encode(ch)
			return
		}
		w.WriteHeader(http.StatusNotFound)

	default:
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "not found: " + path})
	}
}

// fakeStream is an in-memory EventStream that tests push events into.
type fakeStream struct {
	ch        chan *model.WebSocketEvent
	closeOnce sync.Once
}

func newFakeStream() *fakeStream {
	return &fakeStream{ch: make(chan *model.WebSocketEvent, 16)}
}

func (s *fakeStream) Events() <-chan *model.WebSocketEvent { return s.ch }

func (s *fakeStream) Close() {
	s.closeOnce.Do(func() { close(s.ch) })
}

// Emit pushes one event into the stream.
func (s *fakeStream) Emit(evt *model.WebSocketEvent) {
	s.ch <- evt
}

// recordingNotifier captures every Send for assertions. Sends signal done so
// tests can wait without sleeping.
type recordingNotifier struct {
	mu       sync.Mutex
	messages []string
	users    []string
	maxSize  int
	failWith error
	done     chan struct{}
}

func newRecordingNotifier(maxSize int) *recordingNotifier {
	return &recordingNotifier{maxSize: maxSize, done: make(chan struct{}, 64)}
}

func (n *recordingNotifier) Send(_ context.Context, userID, text string) error {
	n.mu.Lock()
	err := n.failWith
	if err == nil {
		n.users = append(n.users, userID)
		n.messages = append(n.messages, text)
	}
	n.mu.Unlock()
	n.done <- struct{}{}
	return err
}

func (n *recordingNotifier) MaxMessageSize() int { return n.maxSize }

func (n *recordingNotifier) Messages() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]string, len(n.messages))
	copy(cp, n.messages)
	return cp
}

func (n *recordingNotifier) Users() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	cp := make([]string, len(n.users))
	copy(cp, n.users)
	return cp
}

// newPostedEvent builds a posted websocket event carrying the given post.
func newPostedEvent(post *model.Post) *model.WebSocketEvent {
	raw, _ := json.Marshal(post)
	evt := model.NewWebSocketEvent(model.WebsocketEventPosted, "", post.ChannelId, "", nil, "")
	return evt.SetData(map[string]any{"post": string(raw)})
}

// newTestListener wires a listener to a fakeMM and a fakeStream. The fake
// server knows "listener-token" as the account "self-id".
func newTestListener(fake *fakeMM, stream *fakeStream, notifier Notifier, filter Filter, skip ...string) *Listener {
	fake.Users["self-id"] = &model.User{Id: "self-id", Username: "watcher"}
	fake.TokenToUser["listener-token"] = "self-id"
	return NewListener(ListenerConfig{
		UserID:      "relay-user",
		ServerURL:   fake.Server.URL,
		Credential:  "listener-token",
		Filter:      filter,
		Notifier:    notifier,
		SkipUserIDs: skip,
		Dial: func(_, _ string) (EventStream, error) {
			return stream, nil
		},
		Log: zerolog.Nop(),
	})
}
