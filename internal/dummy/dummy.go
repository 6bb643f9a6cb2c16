package dummy

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/messenger"
	"github.com/stupiduntilnot/relaybot/internal/provider"
)

type action struct {
	kind string
	arg  string
}

func parseScript(script string) ([]action, error) {
	if strings.TrimSpace(script) == "" {
		return nil, nil
	}
	parts := strings.Split(script, ",")
	actions := make([]action, 0, len(parts))
	for _, p := range parts {
		token := strings.TrimSpace(p)
		if token == "" {
			continue
		}
		if token == "ok" {
			actions = append(actions, action{kind: "ok"})
			continue
		}
		kind, arg, found := strings.Cut(token, ":")
		if !found {
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
		switch kind {
		case "err", "sleep", "msg":
			actions = append(actions, action{kind: kind, arg: arg})
		case "msgb64":
			raw, err := base64.StdEncoding.DecodeString(arg)
			if err != nil {
				return nil, fmt.Errorf("dummy msgb64 decode failed: %w", err)
			}
			actions = append(actions, action{kind: "msg", arg: string(raw)})
		default:
			return nil, fmt.Errorf("invalid dummy action: %s", token)
		}
	}
	return actions, nil
}

type scriptRunner struct {
	actions []action
	index   int
	repeat  bool
}

func newRunner(script string, repeat bool) (*scriptRunner, error) {
	actions, err := parseScript(script)
	if err != nil {
		return nil, err
	}
	return &scriptRunner{actions: actions, repeat: repeat}, nil
}

// next returns the next action. A repeating runner sticks on its last
// action; a non-repeating one reports false once exhausted.
func (r *scriptRunner) next() (action, bool) {
	if len(r.actions) == 0 {
		return action{kind: "ok"}, r.repeat
	}
	if r.index >= len(r.actions) {
		if r.repeat {
			return r.actions[len(r.actions)-1], true
		}
		return action{}, false
	}
	a := r.actions[r.index]
	r.index++
	return a, true
}

func sleepFor(ctx context.Context, arg string) error {
	ms, _ := strconv.Atoi(arg)
	if ms <= 0 {
		return nil
	}
	t := time.NewTimer(time.Duration(ms) * time.Millisecond)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func emptyAs(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

// Sent is an outbound message recorded by Messenger.
type Sent struct {
	ChatID    int64
	MessageID int64
	Text      string
	Opts      messenger.SendOptions
}

// Edit is a recorded message edit.
type Edit struct {
	ChatID    int64
	MessageID int64
	Text      string
}

// Messenger is an in-memory messenger.Messenger. Inbound updates come from
// a poll script first, then from Push; every outbound call is recorded.
type Messenger struct {
	// UserID sends the scripted messages; private chats share its id.
	UserID int64

	mu       sync.Mutex
	poll     *scriptRunner
	send     *scriptRunner
	queue    []messenger.Update
	notify   chan struct{}
	done     chan struct{}
	updateID int64
	nextMsg  int64

	sent     []Sent
	edits    []Edit
	typing   []int64
	commands []messenger.Command
}

var _ messenger.Messenger = (*Messenger)(nil)

// NewMessenger creates a scripted messenger. pollScript actions are
// consumed one per GetUpdates call: "msg:<text>" and "msgb64:<base64>"
// deliver a message, "err:<class>" fails the poll, "sleep:<ms>" delays it
// and "ok" returns nothing. sendScript drives SendMessage the same way and
// repeats its last action.
func NewMessenger(pollScript, sendScript string) (*Messenger, error) {
	poll, err := newRunner(pollScript, false)
	if err != nil {
		return nil, err
	}
	send, err := newRunner(sendScript, true)
	if err != nil {
		return nil, err
	}
	return &Messenger{
		UserID:  1,
		poll:    poll,
		send:    send,
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		nextMsg: 100,
	}, nil
}

// Push queues a text message from userID.
func (m *Messenger) Push(userID int64, text string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updateID++
	m.nextMsg++
	m.queue = append(m.queue, messenger.Update{
		UpdateID: m.updateID,
		Message: &messenger.Message{
			MessageID: m.nextMsg,
			Chat:      messenger.Chat{ID: userID},
			From:      &messenger.User{ID: userID, FirstName: "Test", LastName: "User"},
			Text:      text,
			Date:      time.Now().Unix(),
		},
	})
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return m.updateID
}

// Drained is closed once the poll script is exhausted and a GetUpdates call
// found the queue empty.
func (m *Messenger) Drained() <-chan struct{} {
	return m.done
}

func (m *Messenger) GetUpdates(ctx context.Context, offset int64, timeout int) ([]messenger.Update, error) {
	m.mu.Lock()
	a, scripted := m.poll.next()
	if scripted {
		m.mu.Unlock()
		return m.runPollAction(ctx, a)
	}
	if updates := m.takeQueued(offset); len(updates) > 0 {
		m.mu.Unlock()
		return updates, nil
	}
	select {
	case <-m.done:
	default:
		close(m.done)
	}
	m.mu.Unlock()

	wait := time.Duration(timeout) * time.Second
	if wait <= 0 {
		return nil, nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, nil
	case <-m.notify:
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.takeQueued(offset), nil
	}
}

func (m *Messenger) takeQueued(offset int64) []messenger.Update {
	var out []messenger.Update
	for _, u := range m.queue {
		if u.UpdateID >= offset {
			out = append(out, u)
		}
	}
	m.queue = nil
	return out
}

func (m *Messenger) runPollAction(ctx context.Context, a action) ([]messenger.Update, error) {
	switch a.kind {
	case "err":
		return nil, fmt.Errorf("dummy messenger error class=%s", emptyAs(a.arg, "messenger_api"))
	case "sleep":
		return nil, sleepFor(ctx, a.arg)
	case "msg":
		m.Push(m.UserID, a.arg)
		m.mu.Lock()
		defer m.mu.Unlock()
		return m.takeQueued(0), nil
	default:
		return nil, nil
	}
}

func (m *Messenger) SendMessage(ctx context.Context, chatID int64, text string, opts messenger.SendOptions) (int64, error) {
	m.mu.Lock()
	a, _ := m.send.next()
	m.mu.Unlock()
	switch a.kind {
	case "err":
		return 0, fmt.Errorf("dummy messenger send error class=%s", emptyAs(a.arg, "messenger_api"))
	case "sleep":
		if err := sleepFor(ctx, a.arg); err != nil {
			return 0, err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextMsg++
	m.sent = append(m.sent, Sent{ChatID: chatID, MessageID: m.nextMsg, Text: text, Opts: opts})
	return m.nextMsg, nil
}

func (m *Messenger) EditMessage(_ context.Context, chatID, messageID int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edits = append(m.edits, Edit{ChatID: chatID, MessageID: messageID, Text: text})
	return nil
}

func (m *Messenger) SendTyping(_ context.Context, chatID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, chatID)
	return nil
}

func (m *Messenger) SetCommands(_ context.Context, commands []messenger.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append([]messenger.Command(nil), commands...)
	return nil
}

// Sent returns a copy of every message sent so far.
func (m *Messenger) Sent() []Sent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Sent(nil), m.sent...)
}

// SentTo returns the texts sent to chatID, in order.
func (m *Messenger) SentTo(chatID int64) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, s := range m.sent {
		if s.ChatID == chatID {
			out = append(out, s.Text)
		}
	}
	return out
}

// Edits returns a copy of every recorded edit.
func (m *Messenger) Edits() []Edit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Edit(nil), m.edits...)
}

// Typing returns the chats that got a typing indicator.
func (m *Messenger) Typing() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64(nil), m.typing...)
}

// Commands returns the last registered command list.
func (m *Messenger) Commands() []messenger.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]messenger.Command(nil), m.commands...)
}

// Provider is a scripted provider.Adapter. Each Complete consumes one
// action: "ok" replies "dummy-ok", "msg:<text>" replies text, "err:<text>"
// fails with text classified like an upstream error and "sleep:<ms>"
// delays before replying. The last action repeats.
type Provider struct {
	// Started receives once per call on entry when non-nil.
	Started chan struct{}
	// Gate, when non-nil, holds each call until it can receive.
	Gate chan struct{}

	family  provider.Family
	mu      sync.Mutex
	script  *scriptRunner
	windows [][]history.Turn
}

var _ provider.Adapter = (*Provider)(nil)

func NewProvider(family provider.Family, script string) (*Provider, error) {
	runner, err := newRunner(script, true)
	if err != nil {
		return nil, err
	}
	return &Provider{family: family, script: runner}, nil
}

func (p *Provider) Family() provider.Family {
	return p.family
}

func (p *Provider) Complete(ctx context.Context, window []history.Turn, out provider.Output) (string, error) {
	p.mu.Lock()
	p.windows = append(p.windows, append([]history.Turn(nil), window...))
	a, _ := p.script.next()
	p.mu.Unlock()

	if p.Started != nil {
		p.Started <- struct{}{}
	}
	if p.Gate != nil {
		select {
		case <-p.Gate:
		case <-ctx.Done():
			return "", provider.Classify(p.family, ctx.Err())
		}
	}

	reply := "dummy-ok"
	switch a.kind {
	case "err":
		return "", provider.Classify(p.family, errors.New(emptyAs(a.arg, "dummy provider error")))
	case "sleep":
		if err := sleepFor(ctx, a.arg); err != nil {
			return "", provider.Classify(p.family, err)
		}
		reply = "dummy-after-sleep"
	case "msg":
		reply = a.arg
	}

	for _, chunk := range provider.SplitMessage(reply, provider.DisplayLimit) {
		if _, err := out.Send(ctx, chunk); err != nil {
			return "", fmt.Errorf("deliver reply: %w", err)
		}
	}
	return reply, nil
}

// Calls returns how many completions were requested.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.windows)
}

// Windows returns a copy of every prompt window received.
func (p *Provider) Windows() [][]history.Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([][]history.Turn, len(p.windows))
	copy(out, p.windows)
	return out
}
