// Copyright 2024-2026 Aiku AI

package bot

import (
	"context"
	"fmt"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-keyword-relay/pkg/relay"
)

// maxMessageSize is the largest message the backend accepts in one post.
const maxMessageSize = 16383

// MattermostNotifier delivers messages to users as direct messages from the
// relay bot account. Direct channel ids are cached per user.
type MattermostNotifier struct {
	client    *model.Client4
	botUserID string
	log       zerolog.Logger

	mu         sync.Mutex
	dmChannels map[string]string
}

var _ relay.Notifier = (*MattermostNotifier)(nil)

// NewNotifier creates a notifier posting as the given bot account.
func NewNotifier(client *model.Client4, botUserID string, log zerolog.Logger) *MattermostNotifier {
	return &MattermostNotifier{
		client:     client,
		botUserID:  botUserID,
		log:        log.With().Str("component", "notifier").Logger(),
		dmChannels: make(map[string]string),
	}
}

// Send posts text into the bot's direct channel with the user.
func (n *MattermostNotifier) Send(ctx context.Context, userID string, text string) error {
	channelID, err := n.directChannel(ctx, userID)
	if err != nil {
		return err
	}
	post := &model.Post{ChannelId: channelID, Message: text}
	if _, _, err := n.client.CreatePost(ctx, post); err != nil {
		return fmt.Errorf("failed to post message to user %s: %w", userID, err)
	}
	return nil
}

// MaxMessageSize returns the backend's single-post size ceiling.
func (n *MattermostNotifier) MaxMessageSize() int {
	return maxMessageSize
}

func (n *MattermostNotifier) directChannel(ctx context.Context, userID string) (string, error) {
	n.mu.Lock()
	channelID, ok := n.dmChannels[userID]
	n.mu.Unlock()
	if ok {
		return channelID, nil
	}

	channel, _, err := n.client.CreateDirectChannel(ctx, n.botUserID, userID)
	if err != nil {
		return "", fmt.Errorf("failed to open direct channel with user %s: %w", userID, err)
	}

	n.mu.Lock()
	n.dmChannels[userID] = channel.Id
	n.mu.Unlock()
	return channel.Id, nil
}
