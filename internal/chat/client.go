package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"lendbot/pkg/logx"
)

const defaultCallTimeout = 10 * time.Second

// ClientConfig configures the REST gateway client.
type ClientConfig struct {
	BaseURL string
	Token   string

	// CallTimeout bounds each REST call. 0 means the default (10s).
	CallTimeout time.Duration

	// PostsPerSec rate-limits CreatePost. 0 disables limiting.
	PostsPerSec int
}

// Client implements Gateway against the platform's v4 REST API.
type Client struct {
	base    string
	token   string
	http    *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	log     logx.Logger
}

func NewClient(cfg ClientConfig, log logx.Logger) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("chat: base URL is empty")
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("chat: token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	var lim *rate.Limiter
	if cfg.PostsPerSec > 0 {
		// Token bucket: burst = rate per sec, so short spikes don't block too hard.
		lim = rate.NewLimiter(rate.Limit(cfg.PostsPerSec), cfg.PostsPerSec)
	}
	return &Client{
		base:    base,
		token:   cfg.Token,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
		limiter: lim,
		log:     log,
	}, nil
}

// StreamURL derives the websocket endpoint from the REST base URL.
func (c *Client) StreamURL() string {
	u := c.base
	if strings.HasPrefix(u, "https://") {
		u = "wss://" + strings.TrimPrefix(u, "https://")
	} else if strings.HasPrefix(u, "http://") {
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/api/v4/websocket"
}

func (c *Client) ResolveUserByUsername(ctx context.Context, username string) (User, error) {
	var u User
	op := "resolve user"
	err := c.getJSON(ctx, op, "/api/v4/users/username/"+url.PathEscape(username), &u)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (c *Client) BotIdentity(ctx context.Context) (User, error) {
	var u User
	if err := c.getJSON(ctx, "bot identity", "/api/v4/users/me", &u); err != nil {
		return User{}, err
	}
	return u, nil
}

func (c *Client) IsChannelMember(ctx context.Context, channelID, userID string) (bool, error) {
	path := "/api/v4/channels/" + url.PathEscape(channelID) + "/members/" + url.PathEscape(userID)
	err := c.getJSON(ctx, "channel membership", path, &struct{}{})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

func (c *Client) AddChannelMember(ctx context.Context, channelID, userID string) error {
	body := map[string]string{"user_id": userID}
	path := "/api/v4/channels/" + url.PathEscape(channelID) + "/members"
	return c.postJSON(ctx, "add channel member", path, body, &struct{}{})
}

func (c *Client) GetOrCreateDirectChannel(ctx context.Context, userA, userB string) (Channel, error) {
	var ch Channel
	// The platform upserts: posting the user pair returns the existing channel.
	if err := c.postJSON(ctx, "direct channel", "/api/v4/channels/direct", []string{userA, userB}, &ch); err != nil {
		return Channel{}, err
	}
	return ch, nil
}

func (c *Client) CreatePost(ctx context.Context, channelID, message string) (Post, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Post{}, transportError("create post", err)
		}
	}
	body := map[string]string{"channel_id": channelID, "message": message}
	var p Post
	if err := c.postJSON(ctx, "create post", "/api/v4/posts", body, &p); err != nil {
		return Post{}, err
	}
	return p, nil
}

func (c *Client) getJSON(ctx context.Context, op, path string, out any) error {
	return c.doJSON(ctx, op, http.MethodGet, path, nil, out)
}

func (c *Client) postJSON(ctx context.Context, op, path string, in, out any) error {
	b, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("chat: %s: encode request: %w", op, err)
	}
	return c.doJSON(ctx, op, http.MethodPost, path, b, out)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return transportError(op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(op, err)
	}
	defer resp.Body.Close()

	if err := statusError(op, resp.StatusCode); err != nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("chat: %s: decode response: %v: %w", op, err, ErrTransient)
	}
	return nil
}
