package bot

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/logging"
	"github.com/stupiduntilnot/relaybot/internal/messenger"
	"github.com/stupiduntilnot/relaybot/internal/provider"
	"github.com/stupiduntilnot/relaybot/internal/ratelimit"
	"github.com/stupiduntilnot/relaybot/internal/state"
)

// Journal records operational events. A nil parentID attaches the event to
// the process root.
type Journal interface {
	Log(parentID *int64, eventType string, payload map[string]any) (int64, error)
}

type nopJournal struct{}

func (nopJournal) Log(*int64, string, map[string]any) (int64, error) { return 0, nil }

// Route wires one provider family: its adapter, its history document and
// its rate limiter (nil disables limiting).
type Route struct {
	Adapter provider.Adapter
	Store   *history.Store
	Limiter *ratelimit.Limiter
}

// Options configures a Handler.
type Options struct {
	Messenger       messenger.Messenger
	Machine         *state.Machine
	Routes          []Route
	PromptExchanges int
	Logger          zerolog.Logger
	Journal         Journal
}

// Request is one question on its way to a provider.
type Request struct {
	ID        string
	UserID    string
	ChatID    int64
	MessageID int64
	Text      string
	Family    provider.Family
	EventID   *int64

	log zerolog.Logger

	// admitted, when set, is called once the question passed every check
	// and its completion starts.
	admitted func()
}

// Handler routes inbound messages: commands, menu buttons and questions
// for the selected provider.
type Handler struct {
	msgr      messenger.Messenger
	machine   *state.Machine
	routes    map[provider.Family]Route
	exchanges int
	log       zerolog.Logger
	journal   Journal
	ask       Handle
}

func NewHandler(opts Options) (*Handler, error) {
	if opts.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if len(opts.Routes) == 0 {
		return nil, fmt.Errorf("at least one provider route is required")
	}
	h := &Handler{
		msgr:      opts.Messenger,
		machine:   opts.Machine,
		routes:    map[provider.Family]Route{},
		exchanges: opts.PromptExchanges,
		log:       opts.Logger,
		journal:   opts.Journal,
	}
	if h.machine == nil {
		h.machine = state.NewMachine()
	}
	if h.exchanges <= 0 {
		h.exchanges = 5
	}
	if h.journal == nil {
		h.journal = nopJournal{}
	}
	for _, r := range opts.Routes {
		if r.Adapter == nil || r.Store == nil {
			return nil, fmt.Errorf("route needs an adapter and a store")
		}
		f := r.Adapter.Family()
		if _, dup := h.routes[f]; dup {
			return nil, fmt.Errorf("duplicate route for %s", f)
		}
		h.routes[f] = r
	}
	h.ask = Chain(h.complete, h.singleFlight, h.rateLimit, h.minInterval)
	return h, nil
}

// Machine exposes the conversation state machine.
func (h *Handler) Machine() *state.Machine {
	return h.machine
}

// HandleUpdate processes one inbound update. Failures are reported to the
// user and logged; only messenger delivery errors are returned.
func (h *Handler) HandleUpdate(ctx context.Context, upd messenger.Update) error {
	return h.handle(ctx, upd, nil)
}

func (h *Handler) handle(ctx context.Context, upd messenger.Update, admitted func()) error {
	msg := upd.Message
	if msg == nil || msg.From == nil {
		return nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return nil
	}

	req := &Request{
		ID:        uuid.NewString(),
		UserID:    strconv.FormatInt(msg.From.ID, 10),
		ChatID:    msg.Chat.ID,
		MessageID: msg.MessageID,
		Text:      text,
		admitted:  admitted,
	}
	req.log = h.log.With().
		Str("request_id", req.ID).
		Str("user_id", req.UserID).
		Int64("update_id", upd.UpdateID).
		Logger()
	req.EventID = h.recordID(nil, db.EventUpdateReceived, map[string]any{
		"update_id":  upd.UpdateID,
		"user_id":    req.UserID,
		"chat_id":    req.ChatID,
		"request_id": req.ID,
	})

	if cmd, ok := command(text); ok {
		return h.handleCommand(ctx, req, msg.From, cmd)
	}
	if family, ok := buttonFamilies[text]; ok {
		return h.selectProvider(ctx, req, family)
	}

	if _, st := h.machine.Current(req.UserID); st == state.Idle {
		return h.send(ctx, req.ChatID, chooseFirstText, menuOptions())
	}
	return h.ask(ctx, req)
}

func (h *Handler) handleCommand(ctx context.Context, req *Request, from *messenger.User, cmd string) error {
	switch cmd {
	case "start":
		h.machine.Reset(req.UserID)
		return h.send(ctx, req.ChatID, greeting(from), menuOptions())
	case "help":
		return h.send(ctx, req.ChatID, helpText, messenger.SendOptions{})
	case "reset":
		family, st := h.machine.Current(req.UserID)
		if st == state.Idle {
			return h.send(ctx, req.ChatID, chooseFirstText, menuOptions())
		}
		if err := h.routes[family].Store.ClearHistory(req.UserID); err != nil {
			req.log.Error().Err(err).Str("family", string(family)).Msg("clear history failed")
		}
		h.record(req.EventID, db.EventHistoryReset, map[string]any{"family": string(family)})
		return h.send(ctx, req.ChatID, resetText, messenger.SendOptions{})
	default:
		return h.send(ctx, req.ChatID, helpText, messenger.SendOptions{})
	}
}

// selectProvider clears the user's history for family and makes it active.
func (h *Handler) selectProvider(ctx context.Context, req *Request, family provider.Family) error {
	r, ok := h.routes[family]
	if !ok {
		return h.send(ctx, req.ChatID, fmt.Sprintf(unavailableFmt, family.Title()), menuOptions())
	}
	if err := r.Store.ClearHistory(req.UserID); err != nil {
		req.log.Error().Err(err).Str("family", string(family)).Msg("clear history failed")
	}
	h.machine.Select(req.UserID, family)
	h.record(req.EventID, db.EventProviderSelected, map[string]any{"family": string(family)})
	req.log.Info().Str("family", string(family)).Msg("provider selected")
	return h.send(ctx, req.ChatID, fmt.Sprintf(selectedFmt, family.Title()), messenger.SendOptions{RemoveKeyboard: true})
}

// complete runs one completion for an admitted question: it stores the
// question, builds the prompt window, calls the provider and stores the
// reply. Persistence failures are logged and do not stop the exchange.
func (h *Handler) complete(ctx context.Context, req *Request) error {
	r := h.routes[req.Family]
	log := req.log.With().Str("family", string(req.Family)).Logger()
	if req.admitted != nil {
		req.admitted()
	}

	if err := h.msgr.SendTyping(ctx, req.ChatID); err != nil {
		log.Debug().Err(err).Msg("typing indicator failed")
	}

	if err := r.Store.AppendMessage(req.UserID, history.RoleUser, req.Text); err != nil {
		log.Error().Err(err).Msg("store question failed")
	}
	window, err := r.Store.BuildPromptWindow(req.UserID, h.exchanges)
	if err != nil {
		log.Error().Err(err).Msg("build prompt window failed")
	}
	window = withQuestion(window, req.Text)

	startID := h.recordID(req.EventID, db.EventCompletionStarted, map[string]any{
		"family":      string(req.Family),
		"window_size": len(window),
	})
	started := time.Now()

	out := &chatOutput{msgr: h.msgr, chatID: req.ChatID, replyTo: req.MessageID}
	reply, err := r.Adapter.Complete(ctx, window, out)
	if err != nil {
		perr := provider.Classify(req.Family, err)
		log.Error().
			Str("kind", string(perr.Kind)).
			Str("error", logging.RedactError(perr.Err)).
			Msg("completion failed")
		h.record(startID, db.EventCompletionFailed, map[string]any{
			"kind":       string(perr.Kind),
			"latency_ms": time.Since(started).Milliseconds(),
		})
		return h.reply(ctx, req, failureText(perr))
	}

	if err := r.Store.AppendMessage(req.UserID, history.RoleAssistant, reply); err != nil {
		log.Error().Err(err).Msg("store reply failed")
	}
	h.record(startID, db.EventCompletionCompleted, map[string]any{
		"latency_ms":  time.Since(started).Milliseconds(),
		"reply_chars": utf8.RuneCountInString(reply),
		"messages":    out.count,
	})
	log.Info().Int("reply_chars", utf8.RuneCountInString(reply)).Msg("completion delivered")
	return nil
}

func (h *Handler) send(ctx context.Context, chatID int64, text string, opts messenger.SendOptions) error {
	if _, err := h.msgr.SendMessage(ctx, chatID, text, opts); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

func (h *Handler) reply(ctx context.Context, req *Request, text string) error {
	return h.send(ctx, req.ChatID, text, messenger.SendOptions{ReplyTo: req.MessageID})
}

func (h *Handler) record(parentID *int64, eventType string, payload map[string]any) {
	h.recordID(parentID, eventType, payload)
}

func (h *Handler) recordID(parentID *int64, eventType string, payload map[string]any) *int64 {
	id, err := h.journal.Log(parentID, eventType, payload)
	if err != nil {
		h.log.Warn().Err(err).Str("event_type", eventType).Msg("journal write failed")
		return parentID
	}
	if id == 0 {
		return parentID
	}
	return &id
}

// withQuestion makes sure the window starts with the system turn and ends
// with the current question, whatever the store managed to persist.
func withQuestion(window []history.Turn, question string) []history.Turn {
	if len(window) == 0 || window[0].Role != history.RoleSystem {
		window = append([]history.Turn{{Role: history.RoleSystem, Content: history.SystemPrompt}}, window...)
	}
	last := window[len(window)-1]
	if last.Role != history.RoleUser || last.Content != question {
		window = append(window, history.Turn{Role: history.RoleUser, Content: question})
	}
	return window
}

func menuOptions() messenger.SendOptions {
	return messenger.SendOptions{Keyboard: menuKeyboard()}
}

// command extracts the command name from "/name@bot args".
func command(text string) (string, bool) {
	if !strings.HasPrefix(text, "/") {
		return "", false
	}
	name := strings.Fields(text[1:])
	if len(name) == 0 {
		return "", false
	}
	cmd, _, _ := strings.Cut(name[0], "@")
	return strings.ToLower(cmd), true
}

// chatOutput delivers provider output into one chat; the first message
// replies to the question.
type chatOutput struct {
	msgr    messenger.Messenger
	chatID  int64
	replyTo int64
	count   int
}

func (o *chatOutput) Send(ctx context.Context, text string) (int64, error) {
	opts := messenger.SendOptions{}
	if o.count == 0 {
		opts.ReplyTo = o.replyTo
	}
	id, err := o.msgr.SendMessage(ctx, o.chatID, text, opts)
	if err != nil {
		return 0, err
	}
	o.count++
	return id, nil
}

func (o *chatOutput) Edit(ctx context.Context, messageID int64, text string) error {
	return o.msgr.EditMessage(ctx, o.chatID, messageID, text)
}
