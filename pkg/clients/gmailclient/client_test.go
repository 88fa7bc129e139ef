package gmailclient

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/gmail/v1"
)

func TestSendEmail_EncodesMessage(t *testing.T) {
	var sent []*gmail.Message
	client := newClient(func(_ context.Context, msg *gmail.Message) error {
		sent = append(sent, msg)
		return nil
	}, "bloodbank@example.com", 0)

	require.NoError(t, client.SendEmail(context.Background(), "donor@example.com", "Urgent: O- needed", "Please reply."))
	require.Len(t, sent, 1)

	raw, err := base64.URLEncoding.DecodeString(sent[0].Raw)
	require.NoError(t, err)
	assert.Equal(t, "From: bloodbank@example.com\r\n"+
		"To: donor@example.com\r\n"+
		"Subject: Urgent: O- needed\r\n"+
		"Content-Type: text/plain; charset=\"UTF-8\"\r\n\r\n"+
		"Please reply.", string(raw))
}

func TestSendEmail_Throttles(t *testing.T) {
	var at []time.Time
	client := newClient(func(context.Context, *gmail.Message) error {
		at = append(at, time.Now())
		return nil
	}, "", 30*time.Millisecond)

	require.NoError(t, client.SendEmail(context.Background(), "a@example.com", "s", "b"))
	require.NoError(t, client.SendEmail(context.Background(), "b@example.com", "s", "b"))

	require.Len(t, at, 2)
	assert.GreaterOrEqual(t, at[1].Sub(at[0]), 30*time.Millisecond)
}

func TestSendEmail_WrapsFailure(t *testing.T) {
	client := newClient(func(context.Context, *gmail.Message) error {
		return errors.New("quota exceeded")
	}, "", 0)

	err := client.SendEmail(context.Background(), "donor@example.com", "s", "b")
	assert.ErrorContains(t, err, "donor@example.com")
	assert.ErrorContains(t, err, "quota exceeded")
}

func TestSendEmail_CancelledWhileWaitingForTurn(t *testing.T) {
	sends := 0
	client := newClient(func(context.Context, *gmail.Message) error {
		sends++
		return nil
	}, "", time.Hour)

	require.NoError(t, client.SendEmail(context.Background(), "a@example.com", "s", "b"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := client.SendEmail(ctx, "b@example.com", "s", "b")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, sends)
}

func TestSendEmail_PassesContextToSend(t *testing.T) {
	type key struct{}
	var got any
	client := newClient(func(ctx context.Context, _ *gmail.Message) error {
		got = ctx.Value(key{})
		return nil
	}, "", 0)

	ctx := context.WithValue(context.Background(), key{}, "delivery")
	require.NoError(t, client.SendEmail(ctx, "a@example.com", "s", "b"))
	assert.Equal(t, "delivery", got)
}
