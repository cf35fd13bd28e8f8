// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"
)

// ListenerState tracks where a listener is in its lifecycle.
type ListenerState int32

const (
	StateStopped ListenerState = iota
	StateConnecting
	StateRunning
	// StateFailed marks a listener whose event stream died on its own.
	// The supervisor treats it identically to StateStopped; there is no
	// retry loop inside the listener.
	StateFailed
)

func (s ListenerState) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateConnecting:
		return "connecting"
	case StateRunning:
		return "running"
	case StateFailed:
		return "failed"
	default:
		return "invalid"
	}
}

// EventStream is a live subscription to one connection's inbound events.
// The channel returned by Events closes when the stream dies or Close is
// called.
type EventStream interface {
	Events() <-chan *model.WebSocketEvent
	Close()
}

// StreamDialer opens an EventStream for an authenticated connection. Tests
// inject a fake; production uses DialWebSocket.
type StreamDialer func(serverURL, authToken string) (EventStream, error)

// DialWebSocket opens the Mattermost websocket for the given token.
func DialWebSocket(serverURL, authToken string) (EventStream, error) {
	ws, err := model.NewWebSocketClient4(httpToWS(serverURL), authToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create websocket client: %w", err)
	}
	ws.Listen()
	return &wsStream{ws: ws}, nil
}

type wsStream struct {
	ws *model.WebSocketClient
}

func (s *wsStream) Events() <-chan *model.WebSocketEvent { return s.ws.EventChannel }

func (s *wsStream) Close() { s.ws.Close() }

// httpToWS converts an HTTP(S) URL to a WS(S) URL.
func httpToWS(url string) string {
	if strings.HasPrefix(url, "https://") {
		return "wss://" + strings.TrimPrefix(url, "https://")
	}
	if strings.HasPrefix(url, "http://") {
		return "ws://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// backendCallTimeout bounds metadata lookups and notifier sends so a slow
// backend cannot stall the event loop indefinitely.
const backendCallTimeout = 5 * time.Second

// ListenerConfig carries everything a Listener needs at construction time.
// The Filter is a snapshot: it is never re-read while the listener runs, so
// filter changes require a restart.
type ListenerConfig struct {
	UserID     string
	ServerURL  string
	Credential string
	Filter     Filter
	Notifier   Notifier
	// SkipUserIDs are backend account ids whose posts are never forwarded,
	// in addition to the monitored account itself. The notifier bot goes
	// here so forwarded alerts cannot re-match their own keywords.
	SkipUserIDs []string
	// Dial defaults to DialWebSocket.
	Dial StreamDialer
	// OnClosed is invoked once if the event stream dies without Disconnect
	// being called. Never invoked for an explicit Disconnect.
	OnClosed func(userID string, err error)
	Log      zerolog.Logger
}

// Listener owns one live connection to the backend under one user's
// credential and forwards filter matches to the Notifier.
type Listener struct {
	cfg    ListenerConfig
	client *model.Client4
	stream EventStream
	selfID string

	state       atomic.Int32
	stopOnce    sync.Once
	stopChan    chan struct{}
	done        chan struct{}
	loopStarted atomic.Bool
	runCtx      context.Context
	cancel      context.CancelFunc
	log         zerolog.Logger

	// metadata caches, touched only from the event loop goroutine
	userCache    map[string]*model.User
	channelCache map[string]string
}

// NewListener creates a stopped listener. Connect must be called to go live.
func NewListener(cfg ListenerConfig) *Listener {
	if cfg.Dial == nil {
		cfg.Dial = DialWebSocket
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		cfg:          cfg,
		stopChan:     make(chan struct{}),
		done:         make(chan struct{}),
		runCtx:       ctx,
		cancel:       cancel,
		log:          cfg.Log.With().Str("component", "listener").Str("user_id", cfg.UserID).Logger(),
		userCache:    make(map[string]*model.User),
		channelCache: make(map[string]string),
	}
}

// State returns the listener's current lifecycle state.
func (l *Listener) State() ListenerState {
	return ListenerState(l.state.Load())
}

func (l *Listener) setState(s ListenerState) {
	l.state.Store(int32(s))
}

// Connect validates the credential against the backend, opens the event
// stream and starts the event loop. Returns ErrInvalidCredential when the
// backend rejects the token and ErrNetwork for transport failures.
func (l *Listener) Connect(ctx context.Context) error {
	l.setState(StateConnecting)

	l.client = model.NewAPIv4Client(l.cfg.ServerURL)
	l.client.SetToken(l.cfg.Credential)

	me, resp, err := l.client.GetMe(ctx, "")
	if err != nil {
		l.setState(StateStopped)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: %v", ErrInvalidCredential, err)
		}
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	l.selfID = me.Id
	l.log.Info().Str("account_id", me.Id).Str("account_username", me.Username).Msg("Credential verified")

	stream, err := l.cfg.Dial(l.cfg.ServerURL, l.client.AuthToken)
	if err != nil {
		l.setState(StateStopped)
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	l.stream = stream

	l.setState(StateRunning)
	l.loopStarted.Store(true)
	go l.run()

	l.log.Info().
		Int("keywords", len(l.cfg.Filter.Keywords)).
		Int("exceptions", len(l.cfg.Filter.Exceptions)).
		Msg("Listener running")
	return nil
}

// run processes inbound events in delivery order until the stream closes or
// Disconnect is called.
func (l *Listener) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stopChan:
			l.setState(StateStopped)
			return
		case evt, ok := <-l.stream.Events():
			if !ok {
				select {
				case <-l.stopChan:
					// Disconnect closed the stream underneath us.
					l.setState(StateStopped)
				default:
					l.setState(StateFailed)
					l.log.Warn().Msg("Event stream closed unexpectedly")
					if l.cfg.OnClosed != nil {
						l.cfg.OnClosed(l.cfg.UserID, fmt.Errorf("%w: event stream closed", ErrNetwork))
					}
				}
				return
			}
			if evt == nil {
				continue
			}
			if evt.EventType() == model.WebsocketEventPosted {
				l.handlePosted(evt)
			}
		}
	}
}

// decodePostedEvent extracts a post from a websocket event and applies the
// skip rules. Returns (nil, nil) when the post should be ignored.
func (l *Listener) decodePostedEvent(evt *model.WebSocketEvent) (*model.Post, error) {
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return nil, fmt.Errorf("posted event missing post data")
	}

	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		return nil, fmt.Errorf("failed to unmarshal post: %w", err)
	}

	// Never forward the monitored account's own posts.
	if post.UserId == l.selfID {
		return nil, nil
	}

	// Never forward posts from the notifier bot or other excluded accounts;
	// a forwarded alert quotes the matched text and would match again.
	for _, skip := range l.cfg.SkipUserIDs {
		if post.UserId == skip {
			return nil, nil
		}
	}

	// Skip system messages.
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return nil, nil
	}

	return &post, nil
}

func (l *Listener) handlePosted(evt *model.WebSocketEvent) {
	post, err := l.decodePostedEvent(evt)
	if err != nil {
		l.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post == nil || post.Message == "" {
		return
	}

	if !l.cfg.Filter.Matches(post.Message) {
		return
	}

	payload := l.buildPayload(post)

	l.log.Debug().
		Str("post_id", post.Id).
		Str("channel_id", post.ChannelId).
		Str("sender_id", post.UserId).
		Msg("Filter match")

	l.deliver(payload)
}

// buildPayload assembles the forwarding payload for a matched post, filling
// sender and channel metadata with sentinel values where lookups fail.
func (l *Listener) buildPayload(post *model.Post) *ForwardingPayload {
	payload := &ForwardingPayload{
		SenderID:     post.UserId,
		SenderName:   UnknownValue,
		SenderHandle: UnknownValue,
		Channel:      UnknownValue,
		SentAt:       time.UnixMilli(post.CreateAt),
		Text:         post.Message,
	}
	if post.UserId == "" {
		payload.SenderID = UnknownValue
	}

	if sender := l.lookupUser(post.UserId); sender != nil {
		if sender.Username != "" {
			payload.SenderHandle = sender.Username
		}
		if name := displayName(sender); name != "" {
			payload.SenderName = name
		}
	}
	if label := l.lookupChannel(post.ChannelId); label != "" {
		payload.Channel = label
	}
	return payload
}

// deliver sends the payload through the notifier, splitting it into ordered
// chunks when it exceeds the notifier's maximum message size. A failed chunk
// is logged together with how many chunks were left undelivered.
func (l *Listener) deliver(payload *ForwardingPayload) {
	chunks := SplitPayload(payload, l.cfg.Notifier.MaxMessageSize())
	for i, chunk := range chunks {
		ctx, cancel := context.WithTimeout(l.runCtx, backendCallTimeout)
		err := l.cfg.Notifier.Send(ctx, l.cfg.UserID, chunk)
		cancel()
		if err != nil {
			l.log.Error().Err(err).
				Int("chunk", i+1).
				Int("chunks_total", len(chunks)).
				Int("chunks_undelivered", len(chunks)-i).
				Msg("Failed to deliver forwarded message chunk")
			return
		}
	}
}

func (l *Listener) lookupUser(userID string) *model.User {
	if userID == "" {
		return nil
	}
	if u, ok := l.userCache[userID]; ok {
		return u
	}
	ctx, cancel := context.WithTimeout(l.runCtx, backendCallTimeout)
	defer cancel()
	user, _, err := l.client.GetUser(ctx, userID, "")
	if err != nil {
		l.log.Debug().Err(err).Str("sender_id", userID).Msg("Sender lookup failed")
		return nil
	}
	l.userCache[userID] = user
	return user
}

func (l *Listener) lookupChannel(channelID string) string {
	if channelID == "" {
		return ""
	}
	if label, ok := l.channelCache[channelID]; ok {
		return label
	}
	ctx, cancel := context.WithTimeout(l.runCtx, backendCallTimeout)
	defer cancel()
	channel, _, err := l.client.GetChannel(ctx, channelID, "")
	if err != nil {
		l.log.Debug().Err(err).Str("channel_id", channelID).Msg("Channel lookup failed")
		return ""
	}
	label := channel.DisplayName
	if label == "" {
		label = channel.Name
	}
	l.channelCache[channelID] = label
	return label
}

func displayName(u *model.User) string {
	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" {
		name = u.Nickname
	}
	return name
}

// Disconnect stops the event loop and releases the connection. Safe to call
// at any point in the lifecycle, any number of times: it unblocks a pending
// event wait, cancels in-flight deliveries and waits for the loop to exit.
func (l *Listener) Disconnect() {
	l.stopOnce.Do(func() {
		close(l.stopChan)
		l.cancel()
	})
	if l.stream != nil {
		l.stream.Close()
	}
	if l.loopStarted.Load() {
		<-l.done
	}
	if l.State() != StateFailed {
		l.setState(StateStopped)
	}
}
