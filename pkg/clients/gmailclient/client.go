package gmailclient

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
)

// DefaultInterval is the minimum gap between two sends, keeping bulk
// notifications under Gmail's per-user rate limit
const DefaultInterval = 3 * time.Second

type sendFunc func(ctx context.Context, msg *gmail.Message) error

// Client sends plain-text emails through the Gmail API
type Client struct {
	send     sendFunc
	sender   string
	interval time.Duration

	sendMutex    sync.Mutex
	lastSendTime time.Time
}

// NewClient creates a Gmail client from an HTTP client that already carries an OAuth token
// with the gmail.send scope. sender is used for the From header.
func NewClient(ctx context.Context, httpClient *http.Client, sender string) (*Client, error) {
	service, err := gmail.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create gmail service: %w", err)
	}

	send := func(ctx context.Context, msg *gmail.Message) error {
		_, err := service.Users.Messages.Send("me", msg).Context(ctx).Do()
		return err
	}
	return newClient(send, sender, DefaultInterval), nil
}

func newClient(send sendFunc, sender string, interval time.Duration) *Client {
	return &Client{send: send, sender: sender, interval: interval}
}

// SendEmail sends an email with the specified subject and body.
// Calls are serialised and spaced by the client's interval; ctx cancels both
// the wait for a turn and the send itself.
func (c *Client) SendEmail(ctx context.Context, to, subject, body string) error {
	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	if !c.lastSendTime.IsZero() {
		if wait := c.interval - time.Since(c.lastSendTime); wait > 0 {
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	msg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString([]byte(buildMessage(c.sender, to, subject, body))),
	}
	if err := c.send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}

	c.lastSendTime = time.Now()
	return nil
}

func buildMessage(from, to, subject, body string) string {
	var b strings.Builder
	if from != "" {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(body)
	return b.String()
}
