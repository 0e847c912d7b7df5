package notifications

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"ca-tracker/shared/config"
	"ca-tracker/shared/logger"

	"github.com/mymmrac/telego"
	"github.com/mymmrac/telego/telegoapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	mu    sync.Mutex
	errs  []error
	calls []telego.SendMessageParams
}

func (f *fakeSender) SendMessage(_ context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, *params)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &telego.Message{}, nil
}

func (f *fakeSender) sent() []telego.SendMessageParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]telego.SendMessageParams(nil), f.calls...)
}

func newTestDispatcher(sender MessageSender, opsChatID int64) *TelegramDispatcher {
	d := NewTelegramDispatcher(sender, config.TelegramConfig{
		OpsChatID:       opsChatID,
		SendRatePerSec:  1000,
		SendBurst:       10,
		MaxSendAttempts: 3,
	}, logger.NewNop())
	d.retryBase = time.Millisecond
	return d
}

func TestDeliverSendsMarkdown(t *testing.T) {
	sender := &fakeSender{}
	d := newTestDispatcher(sender, 0)

	require.NoError(t, d.Deliver(context.Background(), -100123, "*5x MULTIPLIER ALERT*"))

	calls := sender.sent()
	require.Len(t, calls, 1)
	assert.Equal(t, int64(-100123), calls[0].ChatID.ID)
	assert.Equal(t, telego.ModeMarkdown, calls[0].ParseMode)
	assert.Equal(t, "*5x MULTIPLIER ALERT*", calls[0].Text)
}

func TestDeliverRetriesTransientErrors(t *testing.T) {
	sender := &fakeSender{errs: []error{errors.New("connection reset"), nil}}
	d := newTestDispatcher(sender, 0)

	require.NoError(t, d.Deliver(context.Background(), 1, "hello"))
	assert.Len(t, sender.sent(), 2)
}

func TestDeliverGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("boom")
	sender := &fakeSender{errs: []error{boom, boom, boom, boom}}
	d := newTestDispatcher(sender, 0)

	err := d.Deliver(context.Background(), 1, "hello")
	assert.ErrorIs(t, err, boom)
	assert.Len(t, sender.sent(), 3)
}

func TestDeliverForbiddenIsNotRetried(t *testing.T) {
	sender := &fakeSender{errs: []error{&telegoapi.Error{ErrorCode: 403, Description: "Forbidden: bot was kicked from the group chat"}}}
	d := newTestDispatcher(sender, 0)

	err := d.Deliver(context.Background(), 1, "hello")
	assert.ErrorIs(t, err, ErrChatUnavailable)
	assert.Len(t, sender.sent(), 1)
}

func TestDeliverFallsBackToPlainText(t *testing.T) {
	sender := &fakeSender{errs: []error{&telegoapi.Error{ErrorCode: 400, Description: "Bad Request: can't parse entities: unclosed bold"}}}
	d := newTestDispatcher(sender, 0)

	require.NoError(t, d.Deliver(context.Background(), 1, "*broken"))
	calls := sender.sent()
	require.Len(t, calls, 2)
	assert.Equal(t, telego.ModeMarkdown, calls[0].ParseMode)
	assert.Empty(t, calls[1].ParseMode)
}

func TestDeliverRejectsZeroChat(t *testing.T) {
	sender := &fakeSender{}
	assert.Error(t, newTestDispatcher(sender, 0).Deliver(context.Background(), 0, "x"))
	assert.Empty(t, sender.sent())
}

func TestSendSystemLog(t *testing.T) {
	sender := &fakeSender{}
	newTestDispatcher(sender, 0).SendSystemLog("ignored")

	d := newTestDispatcher(sender, -42)
	d.SendSystemLog("🔴 ERROR: store down")

	require.Eventually(t, func() bool { return len(sender.sent()) == 1 }, time.Second, 5*time.Millisecond)
	call := sender.sent()[0]
	assert.Equal(t, int64(-42), call.ChatID.ID)
	assert.Empty(t, call.ParseMode)
}
