// Copyright 2024-2026 Aiku AI

// Package bot is the presentation layer of the relay: the bot account's
// command loop over direct messages, access enforcement, and the outbound
// Notifier. It calls into the core through the store interfaces and the
// Sessions interface and renders explicit acknowledgments for every
// mutating operation.
package bot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mattermost/mattermost/server/public/model"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-keyword-relay/pkg/relay"
	"github.com/aiku/mattermost-keyword-relay/pkg/store"
)

// Sessions is the bot's view of the session manager.
type Sessions interface {
	Start(ctx context.Context, userID string) error
	Stop(userID string)
	Restart(ctx context.Context, userID string) error
	StartAll(ctx context.Context) int
	IsRunning(userID string) bool
	CountRunning() int
}

// CredentialValidator checks a submitted token against the backend and
// returns the account it belongs to. Seam for tests.
type CredentialValidator func(ctx context.Context, serverURL, token string) (*model.User, error)

// ValidateCredential is the production CredentialValidator: it builds a
// throwaway client with the token and asks the backend who it is.
func ValidateCredential(ctx context.Context, serverURL, token string) (*model.User, error) {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	me, resp, err := client.GetMe(ctx, "")
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %v", relay.ErrInvalidCredential, err)
		}
		return nil, fmt.Errorf("%w: %v", relay.ErrNetwork, err)
	}
	return me, nil
}

// Config carries the bot's collaborators.
type Config struct {
	ServerURL string
	Token     string
	// Admins are backend user ids granted access at startup and allowed to
	// run admin commands.
	Admins   []string
	Users    store.UserStore
	Access   store.AccessStore
	Sessions Sessions
	// Notifier delivers replies; normally the same MattermostNotifier the
	// listeners use.
	Notifier relay.Notifier
	// Dial and Validate are test seams.
	Dial     relay.StreamDialer
	Validate CredentialValidator
	Log      zerolog.Logger
}

// Bot runs the command loop on the relay bot account.
type Bot struct {
	cfg    Config
	client *model.Client4
	stream relay.EventStream
	selfID string
	admins map[string]bool
	log    zerolog.Logger
}

// New creates a bot. Connect must be called before Run.
func New(cfg Config) *Bot {
	if cfg.Dial == nil {
		cfg.Dial = relay.DialWebSocket
	}
	if cfg.Validate == nil {
		cfg.Validate = ValidateCredential
	}
	admins := make(map[string]bool, len(cfg.Admins))
	for _, id := range cfg.Admins {
		admins[id] = true
	}
	return &Bot{
		cfg:    cfg,
		admins: admins,
		log:    cfg.Log.With().Str("component", "bot").Logger(),
	}
}

// Connect validates the bot token, materializes bootstrap admin grants and
// opens the bot's event stream.
func (b *Bot) Connect(ctx context.Context) error {
	b.client = model.NewAPIv4Client(b.cfg.ServerURL)
	b.client.SetToken(b.cfg.Token)

	me, _, err := b.client.GetMe(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to verify bot token: %w", err)
	}
	b.selfID = me.Id
	b.log.Info().Str("bot_user_id", me.Id).Str("bot_username", me.Username).Msg("Bot authenticated")

	if err := b.bootstrapAdmins(ctx); err != nil {
		return err
	}

	stream, err := b.cfg.Dial(b.cfg.ServerURL, b.client.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to open bot event stream: %w", err)
	}
	b.stream = stream
	return nil
}

// SetSessions wires the session manager in. The manager needs the bot's
// identity and notifier, which only exist after Connect, so construction is
// two-phase: New, Connect, SetNotifier, SetSessions, Run.
func (b *Bot) SetSessions(s Sessions) {
	b.cfg.Sessions = s
}

// SetNotifier wires the reply channel in after Connect.
func (b *Bot) SetNotifier(n relay.Notifier) {
	b.cfg.Notifier = n
}

// BotUserID returns the bot account's backend id. Valid after Connect.
func (b *Bot) BotUserID() string {
	return b.selfID
}

// Client returns the bot's API client. Valid after Connect.
func (b *Bot) Client() *model.Client4 {
	return b.client
}

// bootstrapAdmins turns the configured admin ids into access grants. Grants
// are idempotent, so repeating this on every boot is safe.
func (b *Bot) bootstrapAdmins(ctx context.Context) error {
	for _, id := range b.cfg.Admins {
		if err := b.cfg.Access.Grant(ctx, id, "", store.SystemGrantedBy); err != nil {
			return fmt.Errorf("failed to bootstrap admin grant for %s: %w", id, err)
		}
	}
	if len(b.cfg.Admins) > 0 {
		b.log.Info().Int("admins", len(b.cfg.Admins)).Msg("Bootstrap admin grants ensured")
	}
	return nil
}

// Run processes inbound events until ctx is done or the stream closes.
func (b *Bot) Run(ctx context.Context) error {
	defer b.stream.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-b.stream.Events():
			if !ok {
				return fmt.Errorf("%w: bot event stream closed", relay.ErrNetwork)
			}
			if evt == nil {
				continue
			}
			if evt.EventType() == model.WebsocketEventPosted {
				b.handlePosted(ctx, evt)
			}
		}
	}
}

// handlePosted reacts to one direct message sent to the bot.
func (b *Bot) handlePosted(ctx context.Context, evt *model.WebSocketEvent) {
	if channelType, _ := evt.GetData()["channel_type"].(string); channelType != string(model.ChannelTypeDirect) {
		return
	}
	postJSON, ok := evt.GetData()["post"].(string)
	if !ok {
		return
	}
	var post model.Post
	if err := json.Unmarshal([]byte(postJSON), &post); err != nil {
		b.log.Warn().Err(err).Msg("Failed to parse posted event")
		return
	}
	if post.UserId == "" || post.UserId == b.selfID || post.Message == "" {
		return
	}
	if post.Type != "" && post.Type != model.PostTypeDefault {
		return
	}

	b.dispatch(ctx, post.UserId, post.Message)
}

// dispatch enforces access and routes a parsed command to its handler.
// Unauthorized users are rejected before any core operation runs.
func (b *Bot) dispatch(ctx context.Context, userID, text string) {
	allowed, err := b.cfg.Access.IsAllowed(ctx, userID)
	if err != nil {
		b.log.Error().Err(err).Str("user_id", userID).Msg("Access check failed")
		b.reply(ctx, userID, "Internal error, try again later.")
		return
	}
	isAdmin := b.admins[userID]
	if !allowed && !isAdmin {
		b.log.Debug().Str("user_id", userID).Msg("Rejected message from unauthorized user")
		b.reply(ctx, userID, "Access denied. Ask an admin to grant you access.")
		return
	}

	cmd := parseCommand(text)
	if cmd.kind.isAdminOnly() && !isAdmin {
		b.reply(ctx, userID, "This command requires admin rights.")
		return
	}

	switch cmd.kind {
	case cmdHelp:
		if isAdmin {
			b.reply(ctx, userID, adminHelpText)
		} else {
			b.reply(ctx, userID, helpText)
		}
	case cmdLogin:
		b.handleLogin(ctx, userID, cmd.args)
	case cmdKeywords:
		b.handleTerms(ctx, userID, cmd.args, true)
	case cmdExceptions:
		b.handleTerms(ctx, userID, cmd.args, false)
	case cmdStatus:
		b.handleStatus(ctx, userID)
	case cmdStop:
		b.handleStop(ctx, userID)
	case cmdRestart:
		b.handleRestart(ctx, userID)
	case cmdGrant:
		b.handleGrant(ctx, userID, cmd.args)
	case cmdRevoke:
		b.handleRevoke(ctx, userID, cmd.args)
	case cmdUsers:
		b.handleUsers(ctx, userID)
	case cmdStats:
		b.handleStats(ctx, userID)
	case cmdRestartAll:
		n := b.cfg.Sessions.StartAll(ctx)
		b.reply(ctx, userID, fmt.Sprintf("Restarted sessions, %d running.", n))
	case cmdDebug:
		b.handleDebug(ctx, userID, allowed, isAdmin)
	default:
		b.reply(ctx, userID, "Unknown command. Send `help` for the command list.")
	}
}

// handleLogin validates a submitted access token against the backend before
// anything is stored, then saves it (replacing any prior credential) and
// starts monitoring.
func (b *Bot) handleLogin(ctx context.Context, userID, token string) {
	if token == "" {
		b.reply(ctx, userID, "Usage: `login <personal access token>`. Sending a new token replaces the old one.")
		return
	}

	account, err := b.cfg.Validate(ctx, b.cfg.ServerURL, token)
	if err != nil {
		b.log.Warn().Err(err).Str("user_id", userID).Msg("Credential validation failed")
		if errors.Is(err, relay.ErrInvalidCredential) {
			b.reply(ctx, userID, "That token was rejected by the backend. Check it and try again.")
		} else {
			b.reply(ctx, userID, "Could not reach the backend to verify the token. Try again later.")
		}
		return
	}

	if err := b.cfg.Users.SaveCredential(ctx, userID, account.Username, token); err != nil {
		b.log.Error().Err(err).Str("user_id", userID).Msg("Failed to save credential")
		b.reply(ctx, userID, "Failed to save the credential. Try again later.")
		return
	}
	b.log.Info().Str("user_id", userID).Str("account_username", account.Username).Msg("Credential saved")

	if err := b.cfg.Sessions.Start(ctx, userID); err != nil {
		b.reply(ctx, userID, fmt.Sprintf(
			"Credential saved for @%s, but monitoring could not start: %s. Send `restart` to retry.",
			account.Username, userFacing(err)))
		return
	}
	b.reply(ctx, userID, fmt.Sprintf(
		"Credential saved for @%s (%s). Monitoring is running. Now set your filters with `keywords`.",
		account.Username, account.Id))
}

// handleTerms saves a keyword or exception list and restarts the session so
// the new snapshot takes effect. With no arguments it shows the current
// settings instead.
func (b *Bot) handleTerms(ctx context.Context, userID, args string, keywords bool) {
	label := "Exceptions"
	if keywords {
		label = "Keywords"
	}

	if args == "" {
		b.showSettings(ctx, userID)
		return
	}

	terms, err := relay.ParseTermList(args)
	if err != nil {
		b.reply(ctx, userID, fmt.Sprintf("%s not saved: %s. Send a comma-separated list, e.g. `moscow, job offer`.", label, userFacing(err)))
		return
	}

	var saveErr error
	if keywords {
		saveErr = b.cfg.Users.SaveKeywords(ctx, userID, terms)
	} else {
		saveErr = b.cfg.Users.SaveExceptions(ctx, userID, terms)
	}
	if saveErr != nil {
		if errors.Is(saveErr, relay.ErrNotFound) {
			b.reply(ctx, userID, "Upload a credential first with `login <token>`, then set filters.")
			return
		}
		b.log.Error().Err(saveErr).Str("user_id", userID).Msg("Failed to save filter terms")
		b.reply(ctx, userID, fmt.Sprintf("Failed to save %s. Try again later.", strings.ToLower(label)))
		return
	}

	ack := fmt.Sprintf("%s saved (%d): %s.", label, len(terms), strings.Join(terms, ", "))
	if err := b.cfg.Sessions.Restart(ctx, userID); err != nil {
		b.reply(ctx, userID, ack+" Monitoring is not running: "+userFacing(err))
		return
	}
	b.reply(ctx, userID, ack+" Monitoring restarted with the new filters.")
}

func (b *Bot) showSettings(ctx context.Context, userID string) {
	u, err := b.cfg.Users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			b.reply(ctx, userID, "No settings yet. Start with `login <token>`.")
			return
		}
		b.log.Error().Err(err).Str("user_id", userID).Msg("Failed to load settings")
		b.reply(ctx, userID, "Internal error, try again later.")
		return
	}
	b.reply(ctx, userID, fmt.Sprintf(
		"Keywords: %s\nExceptions: %s\nChange them with `keywords <list>` / `exceptions <list>`.",
		termsOrNone(u.Keywords), termsOrNone(u.Exceptions)))
}

func (b *Bot) handleStatus(ctx context.Context, userID string) {
	u, err := b.cfg.Users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			b.reply(ctx, userID, "No credential uploaded. Start with `login <token>`.")
			return
		}
		b.log.Error().Err(err).Str("user_id", userID).Msg("Failed to load status")
		b.reply(ctx, userID, "Internal error, try again later.")
		return
	}

	credential := "missing"
	if u.Credential != "" {
		credential = "stored"
	}
	monitoring := "stopped"
	if b.cfg.Sessions.IsRunning(userID) {
		monitoring = "running"
	}
	b.reply(ctx, userID, fmt.Sprintf(
		"Credential: %s\nMonitoring: %s\nKeywords: %d\nExceptions: %d",
		credential, monitoring, len(u.Keywords), len(u.Exceptions)))
}

func (b *Bot) handleStop(ctx context.Context, userID string) {
	b.cfg.Sessions.Stop(userID)
	if err := b.cfg.Users.SetActive(ctx, userID, false); err != nil && !errors.Is(err, relay.ErrNotFound) {
		b.log.Error().Err(err).Str("user_id", userID).Msg("Failed to clear active flag")
	}
	b.reply(ctx, userID, "Monitoring stopped. Send `restart` to resume.")
}

func (b *Bot) handleRestart(ctx context.Context, userID string) {
	if err := b.cfg.Users.SetActive(ctx, userID, true); err != nil && !errors.Is(err, relay.ErrNotFound) {
		b.log.Error().Err(err).Str("user_id", userID).Msg("Failed to set active flag")
	}
	if err := b.cfg.Sessions.Restart(ctx, userID); err != nil {
		b.reply(ctx, userID, "Restart failed: "+userFacing(err))
		return
	}
	b.reply(ctx, userID, "Monitoring restarted.")
}

func (b *Bot) handleGrant(ctx context.Context, adminID, args string) {
	target, name, err := b.resolveUserRef(ctx, args)
	if err != nil {
		b.reply(ctx, adminID, "Usage: `grant <user id or @username>`: "+userFacing(err))
		return
	}
	if err := b.cfg.Access.Grant(ctx, target, name, adminID); err != nil {
		b.log.Error().Err(err).Str("target_id", target).Msg("Failed to grant access")
		b.reply(ctx, adminID, "Failed to grant access. Try again later.")
		return
	}
	b.log.Info().Str("target_id", target).Str("granted_by", adminID).Msg("Access granted")
	b.reply(ctx, adminID, fmt.Sprintf("Access granted to %s.", describeUser(target, name)))
}

// handleRevoke removes a user entirely: live session first, then the user
// record, then the grant, so no listener can outlive its authorization.
func (b *Bot) handleRevoke(ctx context.Context, adminID, args string) {
	target, name, err := b.resolveUserRef(ctx, args)
	if err != nil {
		b.reply(ctx, adminID, "Usage: `revoke <user id or @username>`: "+userFacing(err))
		return
	}

	b.cfg.Sessions.Stop(target)
	if err := b.cfg.Users.DeleteUser(ctx, target); err != nil {
		b.log.Error().Err(err).Str("target_id", target).Msg("Failed to delete user record")
		b.reply(ctx, adminID, "Failed to remove the user record. Access not revoked.")
		return
	}
	if err := b.cfg.Access.Revoke(ctx, target); err != nil {
		b.log.Error().Err(err).Str("target_id", target).Msg("Failed to revoke access")
		b.reply(ctx, adminID, "User record removed but revoking access failed. Retry `revoke`.")
		return
	}
	b.log.Info().Str("target_id", target).Str("revoked_by", adminID).Msg("Access revoked")
	b.reply(ctx, adminID, fmt.Sprintf("Access revoked for %s, session stopped, record removed.", describeUser(target, name)))
}

func (b *Bot) handleUsers(ctx context.Context, adminID string) {
	grants, err := b.cfg.Access.ListGrants(ctx)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to list grants")
		b.reply(ctx, adminID, "Failed to list users. Try again later.")
		return
	}
	if len(grants) == 0 {
		b.reply(ctx, adminID, "No users have access.")
		return
	}

	var sb strings.Builder
	sb.WriteString("Allowed users:\n")
	for _, g := range grants {
		fmt.Fprintf(&sb, "  %s (granted by %s)\n", describeUser(g.UserID, g.DisplayName), g.GrantedBy)
	}
	b.reply(ctx, adminID, strings.TrimRight(sb.String(), "\n"))
}

func (b *Bot) handleStats(ctx context.Context, adminID string) {
	grants, err := b.cfg.Access.CountGrants(ctx)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to count grants")
		b.reply(ctx, adminID, "Failed to gather statistics. Try again later.")
		return
	}
	b.reply(ctx, adminID, fmt.Sprintf(
		"Users with access: %d\nRunning sessions: %d\nAdmins: %d",
		grants, b.cfg.Sessions.CountRunning(), len(b.cfg.Admins)))
}

func (b *Bot) handleDebug(ctx context.Context, userID string, allowed, isAdmin bool) {
	b.reply(ctx, userID, fmt.Sprintf(
		"Your id: %s\nAdmin: %t\nAccess granted: %t\nSession running: %t",
		userID, isAdmin, allowed || isAdmin, b.cfg.Sessions.IsRunning(userID)))
}

// resolveUserRef turns an admin-supplied user reference (raw id or
// @username) into a backend user id.
func (b *Bot) resolveUserRef(ctx context.Context, ref string) (userID, displayName string, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", "", fmt.Errorf("missing user reference")
	}
	if username, ok := strings.CutPrefix(ref, "@"); ok {
		user, _, err := b.client.GetUserByUsername(ctx, username, "")
		if err != nil {
			return "", "", fmt.Errorf("unknown username @%s", username)
		}
		return user.Id, user.Username, nil
	}
	if user, _, err := b.client.GetUser(ctx, ref, ""); err == nil {
		return user.Id, user.Username, nil
	}
	// Fall back to treating the reference as a literal id so access can be
	// granted before the account is visible to the bot.
	return ref, "", nil
}

func (b *Bot) reply(ctx context.Context, userID, text string) {
	if err := b.cfg.Notifier.Send(ctx, userID, text); err != nil {
		b.log.Warn().Err(err).Str("user_id", userID).Msg("Failed to deliver reply")
	}
}

// userFacing strips wrapped detail down to the sentinel message where one
// applies, keeping acknowledgments readable.
func userFacing(err error) string {
	switch {
	case errors.Is(err, relay.ErrInvalidCredential):
		return "the backend rejected the stored token"
	case errors.Is(err, relay.ErrNetwork):
		return "the backend is unreachable"
	case errors.Is(err, relay.ErrNotFound):
		return "no settings stored yet"
	case errors.Is(err, relay.ErrNoCredential):
		return "no credential stored, send `login <token>` first"
	case errors.Is(err, relay.ErrBadFilterInput):
		return strings.TrimPrefix(err.Error(), relay.ErrBadFilterInput.Error()+": ")
	default:
		return err.Error()
	}
}

func termsOrNone(terms []string) string {
	if len(terms) == 0 {
		return "none"
	}
	return strings.Join(terms, ", ")
}

func describeUser(userID, displayName string) string {
	if displayName != "" {
		return fmt.Sprintf("@%s (%s)", displayName, userID)
	}
	return userID
}
