package adapter

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	kit "kworkbot/internal/transport"
	logx "kworkbot/pkg/logx"
)

type Config struct {
	Token string
	// APIURL overrides the Bot API endpoint (tests, local bot-api servers).
	APIURL      string
	HTTPTimeout time.Duration
}

// Adapter is a send-only Telegram transport. The bot never polls for updates.
type Adapter struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

func New(cfg Config, log logx.Logger) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 30 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  strings.TrimSpace(cfg.Token),
		URL:    strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		Client: &http.Client{Timeout: cfg.HTTPTimeout},
		// No getMe round-trip at startup; the first send validates the token.
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, bot: b}, nil
}

const telegramTextLimit = 4000

// splitTelegramText splits long messages into chunks that are safe to send to Telegram.
// It prefers newline boundaries and (best-effort) avoids splitting inside HTML tags when ParseMode is HTML.
func splitTelegramText(s string, limit int, parseMode string) []string {
	if limit <= 0 {
		limit = telegramTextLimit
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return []string{s}
	}

	out := make([]string, 0, (len(rs)+limit-1)/limit)
	start := 0
	for start < len(rs) {
		end := min(start+limit, len(rs))

		if end < len(rs) {
			for i := end - 1; i > start; i-- {
				if rs[i] == '\n' && i-start >= limit/3 {
					end = i + 1
					break
				}
			}
		}

		if strings.EqualFold(parseMode, "HTML") && end < len(rs) {
			lastOpen, lastClose := -1, -1
			for i := start; i < end; i++ {
				switch rs[i] {
				case '<':
					lastOpen = i
				case '>':
					lastClose = i
				}
			}
			if lastOpen > lastClose && lastOpen > start+1 {
				end = lastOpen
			}
		}

		out = append(out, strings.TrimRight(string(rs[start:end]), "\n"))

		start = end
		for start < len(rs) && rs[start] == '\n' {
			start++
		}
	}
	return out
}

// SendText delivers text, splitting it when it exceeds the Bot API limit. The
// returned ref points at the first chunk. Telebot calls are not context-aware,
// so a cancelled ctx abandons the in-flight request and reports ctx.Err(); the
// message may still arrive.
func (a *Adapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if opt == nil {
		opt = &kit.SendOptions{}
	}

	chat := &tele.Chat{ID: to.ChatID}
	var first kit.MessageRef
	for i, chunk := range splitTelegramText(text, telegramTextLimit, opt.ParseMode) {
		sendOpt := &tele.SendOptions{
			ParseMode:             opt.ParseMode,
			DisableWebPagePreview: opt.DisablePreview,
			ThreadID:              to.ThreadID,
		}
		msgID, err := a.send(ctx, chat, chunk, sendOpt)
		if err != nil {
			return first, mapError(err)
		}
		if i == 0 {
			first = kit.MessageRef{ChatID: to.ChatID, ThreadID: to.ThreadID, MessageID: msgID}
		}
	}
	return first, nil
}

func (a *Adapter) send(ctx context.Context, chat *tele.Chat, text string, opt *tele.SendOptions) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	type result struct {
		id  int
		err error
	}
	done := make(chan result, 1)
	go func() {
		msg, err := a.bot.Send(chat, text, opt)
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{id: msg.ID}
	}()
	select {
	case r := <-done:
		return r.id, r.err
	case <-ctx.Done():
		a.log.Debug("send abandoned", logx.Int64("chat_id", chat.ID), logx.Err(ctx.Err()))
		return 0, ctx.Err()
	}
}

// mapError turns Telegram flood control into a transport retry hint.
func mapError(err error) error {
	var fe tele.FloodError
	if errors.As(err, &fe) {
		return kit.RetryAfter(err, time.Duration(fe.RetryAfter)*time.Second)
	}
	var pfe *tele.FloodError
	if errors.As(err, &pfe) && pfe != nil {
		return kit.RetryAfter(err, time.Duration(pfe.RetryAfter)*time.Second)
	}
	return err
}
