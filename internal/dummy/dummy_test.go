package dummy

import (
	"context"
	"testing"
	"time"

	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/messenger"
	"github.com/stupiduntilnot/relaybot/internal/provider"
)

type collectOutput struct {
	sent []string
}

func (o *collectOutput) Send(_ context.Context, text string) (int64, error) {
	o.sent = append(o.sent, text)
	return int64(len(o.sent)), nil
}

func (o *collectOutput) Edit(context.Context, int64, string) error { return nil }

func TestNewProvider_InvalidScript(t *testing.T) {
	_, err := NewProvider(provider.OpenAI, "boom")
	if err == nil {
		t.Fatal("expected parse error for invalid script")
	}
}

func TestProvider_ScriptedResponses(t *testing.T) {
	p, err := NewProvider(provider.DeepSeek, "err:Insufficient Balance,msg:hello")
	if err != nil {
		t.Fatal(err)
	}
	window := []history.Turn{{Role: history.RoleUser, Content: "hi"}}
	out := &collectOutput{}

	_, err = p.Complete(context.Background(), window, out)
	perr, ok := err.(*provider.Error)
	if !ok {
		t.Fatalf("expected *provider.Error, got %T", err)
	}
	if perr.Kind != provider.KindInsufficientBalance || perr.Family != provider.DeepSeek {
		t.Fatalf("unexpected classification: %+v", perr)
	}

	reply, err := p.Complete(context.Background(), window, out)
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hello" || len(out.sent) != 1 || out.sent[0] != "hello" {
		t.Fatalf("unexpected reply %q / sent %v", reply, out.sent)
	}
	if p.Calls() != 2 || len(p.Windows()[1]) != 1 {
		t.Fatalf("expected two recorded windows, got %d", p.Calls())
	}
}

func TestProvider_MsgB64Action(t *testing.T) {
	p, err := NewProvider(provider.Gemini, "msgb64:aGVsbG8=") // "hello"
	if err != nil {
		t.Fatal(err)
	}
	reply, err := p.Complete(context.Background(), nil, &collectOutput{})
	if err != nil {
		t.Fatal(err)
	}
	if reply != "hello" {
		t.Fatalf("expected hello, got %q", reply)
	}
}

func TestProvider_GateHoldsCall(t *testing.T) {
	p, _ := NewProvider(provider.OpenAI, "ok")
	p.Started = make(chan struct{}, 1)
	p.Gate = make(chan struct{})

	done := make(chan string, 1)
	go func() {
		reply, _ := p.Complete(context.Background(), nil, &collectOutput{})
		done <- reply
	}()

	<-p.Started
	select {
	case <-done:
		t.Fatal("call finished before the gate opened")
	case <-time.After(20 * time.Millisecond):
	}
	close(p.Gate)
	if got := <-done; got != "dummy-ok" {
		t.Fatalf("expected dummy-ok, got %q", got)
	}
}

func TestMessenger_ScriptThenPush(t *testing.T) {
	m, err := NewMessenger("msg:/start,err:boom", "ok")
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	updates, err := m.GetUpdates(ctx, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].Message.Text != "/start" || updates[0].Message.From.ID != m.UserID {
		t.Fatalf("unexpected updates: %+v", updates)
	}

	if _, err := m.GetUpdates(ctx, 0, 0); err == nil {
		t.Fatal("expected scripted poll error")
	}

	select {
	case <-m.Drained():
		t.Fatal("should not be drained before an empty poll")
	default:
	}
	if updates, _ := m.GetUpdates(ctx, 0, 0); len(updates) != 0 {
		t.Fatalf("expected no updates, got %+v", updates)
	}
	<-m.Drained()

	id := m.Push(42, "hello")
	updates, err = m.GetUpdates(ctx, id, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].Message.Chat.ID != 42 {
		t.Fatalf("unexpected pushed updates: %+v", updates)
	}
}

func TestMessenger_GetUpdatesWakesOnPush(t *testing.T) {
	m, _ := NewMessenger("", "")
	got := make(chan []messenger.Update, 1)
	go func() {
		updates, _ := m.GetUpdates(context.Background(), 0, 5)
		got <- updates
	}()
	time.Sleep(10 * time.Millisecond)
	m.Push(7, "hi")

	select {
	case updates := <-got:
		if len(updates) != 1 || updates[0].Message.Text != "hi" {
			t.Fatalf("unexpected updates: %+v", updates)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("GetUpdates did not wake on push")
	}
}

func TestMessenger_RecordsOutbound(t *testing.T) {
	m, _ := NewMessenger("", "ok,err:down")
	ctx := context.Background()

	id, err := m.SendMessage(ctx, 5, "one", messenger.SendOptions{RemoveKeyboard: true})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.SendMessage(ctx, 5, "two", messenger.SendOptions{}); err == nil {
		t.Fatal("expected scripted send error")
	}
	_ = m.EditMessage(ctx, 5, id, "one!")
	_ = m.SendTyping(ctx, 5)
	_ = m.SetCommands(ctx, []messenger.Command{{Command: "start", Description: "x"}})

	if sent := m.SentTo(5); len(sent) != 1 || sent[0] != "one" {
		t.Fatalf("unexpected sent: %v", sent)
	}
	if !m.Sent()[0].Opts.RemoveKeyboard {
		t.Fatal("send options not recorded")
	}
	if e := m.Edits(); len(e) != 1 || e[0].MessageID != id || e[0].Text != "one!" {
		t.Fatalf("unexpected edits: %+v", e)
	}
	if len(m.Typing()) != 1 || len(m.Commands()) != 1 {
		t.Fatal("typing/commands not recorded")
	}
}
