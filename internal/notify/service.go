// Package notify implements the notification dispatcher: the delivery-path
// state machine that sends one lending-lifecycle notification to one user,
// through a direct message when the user is DM-ready and through a mention
// in the shared channel otherwise.
package notify

import (
	"context"
	"errors"
	"fmt"

	"lendbot/internal/chat"
	"lendbot/internal/domain"
	"lendbot/internal/eventbus"
	"lendbot/internal/ledger"
	"lendbot/internal/message"
	"lendbot/internal/readiness"
	"lendbot/pkg/logx"
)

// Identity supplies the bot's own account, needed to open direct channels.
// The connection manager provides a cached implementation.
type Identity func(ctx context.Context) (chat.User, error)

type Service struct {
	gw       chat.Gateway
	users    *readiness.Store
	ledger   *ledger.Ledger
	render   Renderer
	identity Identity
	bus      eventbus.Bus
	log      logx.Logger

	// channelID is the shared notification channel for @mention deliveries.
	channelID string

	keys *keyedMutex
}

func New(gw chat.Gateway, users *readiness.Store, led *ledger.Ledger, channelID string, identity Identity, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		gw:        gw,
		users:     users,
		ledger:    led,
		render:    templateRenderer{},
		identity:  identity,
		bus:       bus,
		log:       log,
		channelID: channelID,
		keys:      newKeyedMutex(),
	}
	if s.identity == nil {
		s.identity = gw.BotIdentity
	}
	return s
}

// SetRenderer swaps the template collaborator (tests).
func (s *Service) SetRenderer(r Renderer) {
	if r != nil {
		s.render = r
	}
}

// templateRenderer adapts the message package to the Renderer seam.
type templateRenderer struct{}

func (templateRenderer) RenderShort(a domain.Action, username string) (string, error) {
	return message.RenderShort(a, username)
}

func (templateRenderer) RenderDetailed(a domain.Action, d domain.Device, f domain.Fields) (string, error) {
	return message.RenderDetailed(a, d, f)
}

// Send delivers one notification. It is safe for concurrent use; calls that
// share an idempotency key are funneled through a per-key mutex so the
// dedup check and the commit are atomic with respect to each other.
//
// All recoverable conditions come back as a Result value; Send performs no
// retries of its own.
func (s *Service) Send(ctx context.Context, req Request) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("send panicked", logx.Any("panic", r))
			res = s.failed(req, ChannelShared, fmt.Errorf("internal error: %v", r))
		}
	}()

	if !req.Action.Valid() {
		return s.failed(req, ChannelShared, fmt.Errorf("invalid action %q", req.Action))
	}
	if req.UserID == "" || req.RequestID == "" || req.ChatUsername == "" {
		return s.failed(req, ChannelShared, errors.New("user id, request id and username are required"))
	}

	key := fmt.Sprintf("%s|%s|%s", req.Action, req.RequestID, req.UserID)
	unlock := s.keys.Lock(key)
	defer unlock()

	// 1. Dedup short-circuit: no network calls at all.
	sent, err := s.ledger.HasBeenSent(ctx, req.Action, req.RequestID, req.UserID)
	if err != nil {
		return s.failed(req, ChannelShared, err)
	}
	if sent {
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyDeduped, Data: SentNotice{
				Action: string(req.Action), UserID: req.UserID, RequestID: req.RequestID,
			}})
		}
		// The channel value on this path is historical, not authoritative:
		// it does not say which path delivered the original notification.
		return Result{
			Success: true,
			Channel: ChannelDM,
			Message: fmt.Sprintf("notification %s/%s already sent to user %s", req.Action, req.RequestID, req.UserID),
		}
	}

	// 2. Identity resolution. Unknown users are terminal, not retried.
	user, err := s.gw.ResolveUserByUsername(ctx, req.ChatUsername)
	if err != nil {
		if errors.Is(err, chat.ErrNotFound) {
			return s.failed(req, ChannelShared, errors.New("user not found"))
		}
		return s.failed(req, ChannelShared, err)
	}

	// 3. Make sure a state record exists before path selection.
	if err := s.users.Upsert(ctx, req.UserID, user.ID, user.Username); err != nil {
		return s.failed(req, ChannelShared, err)
	}
	st, _, err := s.users.Get(ctx, req.UserID)
	if err != nil {
		return s.failed(req, ChannelShared, err)
	}

	// 4. Path selection.
	var (
		post chat.Post
		path string
	)
	if st.DMReady {
		path = ChannelDM
		post, err = s.sendDirect(ctx, req, user)
	} else {
		path = ChannelShared
		post, err = s.sendChannelMention(ctx, req, user)
	}
	if err != nil {
		return s.failed(req, path, err)
	}

	// 5. Commit. The post is out; bookkeeping failures must not turn a
	// delivered notification into a reported failure.
	if _, err := s.ledger.RecordSent(ctx, req.Action, req.RequestID, req.UserID); err != nil {
		s.log.Warn("ledger commit failed after delivery", logx.String("request", req.RequestID), logx.Err(err))
	}
	if err := s.users.SetLastNotification(ctx, req.UserID, post.ID); err != nil {
		s.log.Warn("last-notification update failed", logx.String("user", req.UserID), logx.Err(err))
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifySent, Data: SentNotice{
			Action: string(req.Action), UserID: req.UserID, RequestID: req.RequestID,
			Channel: path, NotificationID: post.ID,
		}})
	}
	s.log.Info("notification delivered",
		logx.String("action", string(req.Action)),
		logx.String("user", req.UserID),
		logx.String("channel", path),
		logx.String("post", post.ID))
	return Result{Success: true, Channel: path, NotificationID: post.ID}
}

// sendDirect renders the detailed message and posts it to the direct channel
// between the bot and the user. Rendering failures surface before any
// network call.
func (s *Service) sendDirect(ctx context.Context, req Request, user chat.User) (chat.Post, error) {
	text, err := s.render.RenderDetailed(req.Action, req.Device, req.Fields)
	if err != nil {
		return chat.Post{}, err
	}
	bot, err := s.identity(ctx)
	if err != nil {
		return chat.Post{}, err
	}
	ch, err := s.gw.GetOrCreateDirectChannel(ctx, bot.ID, user.ID)
	if err != nil {
		return chat.Post{}, err
	}
	return s.gw.CreatePost(ctx, ch.ID, text)
}

// sendChannelMention ensures the user is a member of the shared channel and
// posts the short @mention form there. Membership is never assumed from a
// mention.
func (s *Service) sendChannelMention(ctx context.Context, req Request, user chat.User) (chat.Post, error) {
	if err := s.ensureChannelMembership(ctx, user.ID); err != nil {
		return chat.Post{}, err
	}
	text, err := s.render.RenderShort(req.Action, user.Username)
	if err != nil {
		return chat.Post{}, err
	}
	return s.gw.CreatePost(ctx, s.channelID, text)
}

func (s *Service) ensureChannelMembership(ctx context.Context, userID string) error {
	member, err := s.gw.IsChannelMember(ctx, s.channelID, userID)
	if err != nil {
		return err
	}
	if member {
		return nil
	}
	return s.gw.AddChannelMember(ctx, s.channelID, userID)
}

// failed classifies err into the result taxonomy, publishes the failure, and
// never re-raises.
func (s *Service) failed(req Request, channel string, err error) Result {
	msg := err.Error()
	var fieldErr *message.FieldError
	switch {
	case errors.As(err, &fieldErr):
		msg = fieldErr.Error()
	case errors.Is(err, chat.ErrUnauthorized):
		msg = "chat credential rejected: " + msg
	case errors.Is(err, chat.ErrTransient):
		msg = "transient gateway failure: " + msg
	}

	s.log.Warn("notification failed",
		logx.String("action", string(req.Action)),
		logx.String("user", req.UserID),
		logx.String("request", req.RequestID),
		logx.String("err", msg))
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeNotifyFailed, Data: FailureNotice{
			Action: string(req.Action), UserID: req.UserID, RequestID: req.RequestID,
			Channel: channel, Error: msg,
		}})
	}
	return Result{Success: false, Channel: channel, Error: msg}
}
