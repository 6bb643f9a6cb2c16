package bot

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stupiduntilnot/relaybot/internal/db"
	"github.com/stupiduntilnot/relaybot/internal/dummy"
	"github.com/stupiduntilnot/relaybot/internal/history"
	"github.com/stupiduntilnot/relaybot/internal/messenger"
	"github.com/stupiduntilnot/relaybot/internal/provider"
	"github.com/stupiduntilnot/relaybot/internal/ratelimit"
	"github.com/stupiduntilnot/relaybot/internal/state"
)

const testUser int64 = 42

type fixture struct {
	msgr      *dummy.Messenger
	providers map[provider.Family]*dummy.Provider
	stores    map[provider.Family]*history.Store
	handler   *Handler
	journal   *recordingJournal
	update    int64
}

type recordingJournal struct {
	mu     sync.Mutex
	events []string
}

func (j *recordingJournal) Log(_ *int64, eventType string, _ map[string]any) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, eventType)
	return int64(len(j.events)), nil
}

func (j *recordingJournal) has(eventType string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, e := range j.events {
		if e == eventType {
			return true
		}
	}
	return false
}

type fixtureConfig struct {
	families    []provider.Family
	scripts     map[provider.Family]string
	limit       ratelimit.Config
	storeOpts   []history.Option
	limiterOpts []ratelimit.Option
}

func newFixture(t *testing.T, cfg fixtureConfig) *fixture {
	t.Helper()
	if len(cfg.families) == 0 {
		cfg.families = provider.Families
	}
	msgr, err := dummy.NewMessenger("", "")
	require.NoError(t, err)

	f := &fixture{
		msgr:      msgr,
		providers: map[provider.Family]*dummy.Provider{},
		stores:    map[provider.Family]*history.Store{},
		journal:   &recordingJournal{},
	}
	dir := t.TempDir()
	var routes []Route
	for _, family := range cfg.families {
		p, err := dummy.NewProvider(family, cfg.scripts[family])
		require.NoError(t, err)
		storeOpts := append([]history.Option{history.WithMinInterval(0)}, cfg.storeOpts...)
		store, err := history.Open(filepath.Join(dir, string(family)+".json"), storeOpts...)
		require.NoError(t, err)
		f.providers[family] = p
		f.stores[family] = store
		routes = append(routes, Route{
			Adapter: p,
			Store:   store,
			Limiter: ratelimit.New(cfg.limit, cfg.limiterOpts...),
		})
	}

	f.handler, err = NewHandler(Options{
		Messenger:       msgr,
		Routes:          routes,
		PromptExchanges: 5,
		Logger:          zerolog.Nop(),
		Journal:         f.journal,
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) say(t *testing.T, text string) {
	t.Helper()
	require.NoError(t, f.handler.HandleUpdate(context.Background(), f.message(text)))
}

func (f *fixture) message(text string) messenger.Update {
	f.update++
	return messenger.Update{
		UpdateID: f.update,
		Message: &messenger.Message{
			MessageID: 1000 + f.update,
			Chat:      messenger.Chat{ID: testUser},
			From:      &messenger.User{ID: testUser, FirstName: "Ali", LastName: "Valiyev"},
			Text:      text,
		},
	}
}

func (f *fixture) lastSent(t *testing.T) dummy.Sent {
	t.Helper()
	sent := f.msgr.Sent()
	require.NotEmpty(t, sent)
	return sent[len(sent)-1]
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Options{})
	assert.Error(t, err)

	msgr, _ := dummy.NewMessenger("", "")
	_, err = NewHandler(Options{Messenger: msgr})
	assert.Error(t, err)

	p, _ := dummy.NewProvider(provider.OpenAI, "")
	store, err := history.Open(filepath.Join(t.TempDir(), "openai.json"))
	require.NoError(t, err)
	_, err = NewHandler(Options{
		Messenger: msgr,
		Routes:    []Route{{Adapter: p, Store: store}, {Adapter: p, Store: store}},
	})
	assert.ErrorContains(t, err, "duplicate route")
}

func TestHandler_StartShowsMenu(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.say(t, "/start")

	last := f.lastSent(t)
	assert.Equal(t, "Salom, Ali Valiyev! Men chatbot-man, suhbatlashish uchun bo‘limni tanlang", last.Text)
	require.NotNil(t, last.Opts.Keyboard)
	assert.Equal(t, [][]string{{buttonOpenAI, buttonGemini}, {buttonDeepSeek}}, last.Opts.Keyboard.Rows)
	assert.True(t, last.Opts.Keyboard.Resize)
	assert.True(t, last.Opts.Keyboard.OneTime)

	_, st := f.handler.Machine().Current("42")
	assert.Equal(t, state.Idle, st)
}

func TestHandler_SelectProviderClearsHistory(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	store := f.stores[provider.OpenAI]
	require.NoError(t, store.AppendMessage("42", history.RoleUser, "old question"))

	f.say(t, buttonOpenAI)

	conv, err := store.GetConversation("42")
	require.NoError(t, err)
	assert.Empty(t, conv.Turns)

	family, st := f.handler.Machine().Current("42")
	assert.Equal(t, provider.OpenAI, family)
	assert.Equal(t, state.Active, st)

	last := f.lastSent(t)
	assert.Equal(t, "OpenAI model orqali javob beriladi!\nSavolingizni yuboring", last.Text)
	assert.True(t, last.Opts.RemoveKeyboard)
	assert.True(t, f.journal.has(db.EventProviderSelected))
}

func TestHandler_QuestionRoundTrip(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		scripts: map[provider.Family]string{provider.OpenAI: "msg:Hi there"},
	})
	f.say(t, "/start")
	f.say(t, buttonOpenAI)
	f.say(t, "Hello")

	p := f.providers[provider.OpenAI]
	require.Equal(t, 1, p.Calls())
	window := p.Windows()[0]
	require.Len(t, window, 2)
	assert.Equal(t, history.RoleSystem, window[0].Role)
	assert.Equal(t, history.SystemPrompt, window[0].Content)
	assert.Equal(t, history.Turn{Role: history.RoleUser, Content: "Hello"}, window[1])

	conv, err := f.stores[provider.OpenAI].GetConversation("42")
	require.NoError(t, err)
	assert.Equal(t, []history.Turn{
		{Role: history.RoleUser, Content: "Hello"},
		{Role: history.RoleAssistant, Content: "Hi there"},
	}, conv.Turns)

	last := f.lastSent(t)
	assert.Equal(t, "Hi there", last.Text)
	assert.Equal(t, int64(1003), last.Opts.ReplyTo)
	assert.Equal(t, []int64{testUser}, f.msgr.Typing())

	_, st := f.handler.Machine().Current("42")
	assert.Equal(t, state.Active, st)
	assert.True(t, f.journal.has(db.EventCompletionCompleted))
}

func TestHandler_WindowCarriesPriorExchanges(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		scripts: map[provider.Family]string{provider.Gemini: "msg:first,msg:second"},
	})
	f.say(t, buttonGemini)
	f.say(t, "one")
	f.say(t, "two")

	windows := f.providers[provider.Gemini].Windows()
	require.Len(t, windows, 2)
	assert.Equal(t, []history.Turn{
		{Role: history.RoleSystem, Content: history.SystemPrompt},
		{Role: history.RoleUser, Content: "one"},
		{Role: history.RoleAssistant, Content: "first"},
		{Role: history.RoleUser, Content: "two"},
	}, windows[1])
}

func TestHandler_QuestionReachesProviderWhenStoreCannotSave(t *testing.T) {
	// The document itself is readable, but a temp file next to it would
	// exceed the file name limit, so every save fails.
	path := filepath.Join(t.TempDir(), strings.Repeat("h", 245)+".json")
	seed := `{"42": {"messages": [` +
		`{"role": "user", "content": "old q"}, {"role": "assistant", "content": "old a"}` +
		`], "last_message_time": "2020-01-01T00:00:00Z"}}`
	require.NoError(t, os.WriteFile(path, []byte(seed), 0o644))
	store, err := history.Open(path, history.WithMinInterval(0))
	require.NoError(t, err)
	require.Error(t, store.AppendMessage("42", history.RoleUser, "unsaved"))

	msgr, err := dummy.NewMessenger("", "")
	require.NoError(t, err)
	p, err := dummy.NewProvider(provider.OpenAI, "msg:new a")
	require.NoError(t, err)
	h, err := NewHandler(Options{
		Messenger: msgr,
		Routes:    []Route{{Adapter: p, Store: store}},
		Logger:    zerolog.Nop(),
	})
	require.NoError(t, err)
	h.Machine().Select("42", provider.OpenAI)

	update := messenger.Update{UpdateID: 1, Message: &messenger.Message{
		MessageID: 7,
		Chat:      messenger.Chat{ID: testUser},
		From:      &messenger.User{ID: testUser},
		Text:      "Hello",
	}}
	require.NoError(t, h.HandleUpdate(context.Background(), update))

	require.Equal(t, 1, p.Calls())
	assert.Equal(t, []history.Turn{
		{Role: history.RoleSystem, Content: history.SystemPrompt},
		{Role: history.RoleUser, Content: "old q"},
		{Role: history.RoleAssistant, Content: "old a"},
		{Role: history.RoleUser, Content: "Hello"},
	}, p.Windows()[0])
	assert.Equal(t, "new a", msgr.SentTo(testUser)[0])
}

func TestWithQuestion(t *testing.T) {
	system := history.Turn{Role: history.RoleSystem, Content: history.SystemPrompt}
	hello := history.Turn{Role: history.RoleUser, Content: "Hello"}

	assert.Equal(t, []history.Turn{system, hello}, withQuestion(nil, "Hello"))
	assert.Equal(t, []history.Turn{system, hello}, withQuestion([]history.Turn{system}, "Hello"))
	assert.Equal(t, []history.Turn{system, hello}, withQuestion([]history.Turn{system, hello}, "Hello"))
}

func TestHandler_QuestionBeforeSelection(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.say(t, "Hello")

	last := f.lastSent(t)
	assert.Equal(t, chooseFirstText, last.Text)
	assert.NotNil(t, last.Opts.Keyboard)
	for _, p := range f.providers {
		assert.Zero(t, p.Calls())
	}
}

func TestHandler_BusyWhileAwaitingReply(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	p := f.providers[provider.DeepSeek]
	p.Started = make(chan struct{}, 1)
	p.Gate = make(chan struct{})

	f.say(t, buttonDeepSeek)

	first := f.message("first")
	done := make(chan error, 1)
	go func() {
		done <- f.handler.HandleUpdate(context.Background(), first)
	}()
	<-p.Started
	assert.Equal(t, state.AwaitingReply, f.handler.Machine().StateOf("42", provider.DeepSeek))

	f.say(t, "second")
	assert.Equal(t, waitText, f.lastSent(t).Text)
	assert.True(t, f.journal.has(db.EventRequestRejected))

	close(p.Gate)
	require.NoError(t, <-done)
	assert.Equal(t, 1, p.Calls())
	assert.Equal(t, state.Active, f.handler.Machine().StateOf("42", provider.DeepSeek))

	f.say(t, "third")
	assert.Equal(t, 2, p.Calls())
	assert.Equal(t, "dummy-ok", f.lastSent(t).Text)
	assert.Equal(t, state.Active, f.handler.Machine().StateOf("42", provider.DeepSeek))
}

func TestHandler_ProviderFailureReturnsToActive(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		scripts: map[provider.Family]string{provider.DeepSeek: "err:Insufficient Balance"},
	})
	f.say(t, buttonDeepSeek)
	f.say(t, "Hello")

	assert.Equal(t, "Hisobingizda yetarli mablag‘ yo‘q. Iltimos, DeepSeek AI balansingizni tekshiring.", f.lastSent(t).Text)
	_, st := f.handler.Machine().Current("42")
	assert.Equal(t, state.Active, st)
	assert.True(t, f.journal.has(db.EventCompletionFailed))

	conv, err := f.stores[provider.DeepSeek].GetConversation("42")
	require.NoError(t, err)
	assert.Equal(t, []history.Turn{{Role: history.RoleUser, Content: "Hello"}}, conv.Turns)
}

func TestHandler_UpstreamRateLimitAndGenericFailure(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		scripts: map[provider.Family]string{provider.OpenAI: "err:429 Too Many Requests,err:connection reset"},
	})
	f.say(t, buttonOpenAI)
	f.say(t, "a")
	assert.Equal(t, upstreamLimitText, f.lastSent(t).Text)
	f.say(t, "b")
	assert.Equal(t, genericErrorText, f.lastSent(t).Text)
}

func TestHandler_RateLimitRejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := newFixture(t, fixtureConfig{
		limit:       ratelimit.Config{Limit: 2, Period: time.Minute},
		limiterOpts: []ratelimit.Option{ratelimit.WithClock(func() time.Time { return now })},
	})
	f.say(t, buttonOpenAI)
	f.say(t, "one")
	f.say(t, "two")
	f.say(t, "three")

	assert.Equal(t, 2, f.providers[provider.OpenAI].Calls())
	assert.Equal(t, "⚠️ Juda ko‘p so‘rov yubordingiz. Iltimos, 60 sekund kutib turing.", f.lastSent(t).Text)

	_, st := f.handler.Machine().Current("42")
	assert.Equal(t, state.Active, st)
}

func TestHandler_MinIntervalRejects(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	f := newFixture(t, fixtureConfig{
		families:  []provider.Family{provider.OpenAI},
		storeOpts: []history.Option{history.WithMinInterval(time.Second), history.WithClock(func() time.Time { return now })},
	})
	f.say(t, buttonOpenAI)
	f.say(t, "first")
	f.say(t, "too soon")
	assert.Equal(t, waitText, f.lastSent(t).Text)
	assert.Equal(t, 1, f.providers[provider.OpenAI].Calls())

	now = now.Add(2 * time.Second)
	f.say(t, "later")
	assert.Equal(t, 2, f.providers[provider.OpenAI].Calls())
}

func TestHandler_ResetClearsActiveHistory(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.say(t, "/reset")
	assert.Equal(t, chooseFirstText, f.lastSent(t).Text)

	f.say(t, buttonGemini)
	f.say(t, "question")
	require.NoError(t, f.stores[provider.OpenAI].AppendMessage("42", history.RoleUser, "untouched"))

	f.say(t, "/reset@relay_bot")
	assert.Equal(t, resetText, f.lastSent(t).Text)

	conv, err := f.stores[provider.Gemini].GetConversation("42")
	require.NoError(t, err)
	assert.Empty(t, conv.Turns)
	other, err := f.stores[provider.OpenAI].GetConversation("42")
	require.NoError(t, err)
	assert.Len(t, other.Turns, 1)

	family, st := f.handler.Machine().Current("42")
	assert.Equal(t, provider.Gemini, family)
	assert.Equal(t, state.Active, st)
}

func TestHandler_HelpAndUnknownCommand(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.say(t, "/help")
	assert.Equal(t, helpText, f.lastSent(t).Text)
	f.say(t, "/nope")
	assert.Equal(t, helpText, f.lastSent(t).Text)
}

func TestHandler_UnavailableProvider(t *testing.T) {
	f := newFixture(t, fixtureConfig{families: []provider.Family{provider.OpenAI}})
	f.say(t, buttonGemini)

	last := f.lastSent(t)
	assert.Equal(t, "Google Gemini AI hozircha mavjud emas. Iltimos, boshqa bo‘limni tanlang", last.Text)
	assert.NotNil(t, last.Opts.Keyboard)
	_, st := f.handler.Machine().Current("42")
	assert.Equal(t, state.Idle, st)
}

func TestHandler_IgnoresEmptyAndSenderless(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	ctx := context.Background()
	require.NoError(t, f.handler.HandleUpdate(ctx, messenger.Update{UpdateID: 1}))
	require.NoError(t, f.handler.HandleUpdate(ctx, messenger.Update{UpdateID: 2, Message: &messenger.Message{Text: "hi"}}))
	require.NoError(t, f.handler.HandleUpdate(ctx, f.message("   ")))
	assert.Empty(t, f.msgr.Sent())
}

func TestHandler_LongReplySplit(t *testing.T) {
	long := make([]rune, provider.DisplayLimit+10)
	for i := range long {
		long[i] = 'x'
	}
	f := newFixture(t, fixtureConfig{
		scripts: map[provider.Family]string{provider.Gemini: "msg:" + string(long)},
	})
	f.say(t, buttonGemini)
	f.say(t, "long please")

	sent := f.msgr.Sent()
	require.GreaterOrEqual(t, len(sent), 2)
	first, second := sent[len(sent)-2], sent[len(sent)-1]
	assert.Len(t, first.Text, provider.DisplayLimit)
	assert.Len(t, second.Text, 10)
	assert.Equal(t, int64(1002), first.Opts.ReplyTo)
	assert.Zero(t, second.Opts.ReplyTo)
}

func TestCommand(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"/start", "start", true},
		{"/Reset@my_bot now", "reset", true},
		{"/", "", false},
		{"hello", "", false},
	}
	for _, tt := range tests {
		got, ok := command(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestRateLimitedText(t *testing.T) {
	assert.Equal(t, "⚠️ Juda ko‘p so‘rov yubordingiz. Iltimos, 1 sekund kutib turing.", rateLimitedText(0))
	assert.Equal(t, "⚠️ Juda ko‘p so‘rov yubordingiz. Iltimos, 3 sekund kutib turing.", rateLimitedText(2100*time.Millisecond))
}

func TestGreetingFallsBackWithoutName(t *testing.T) {
	assert.Contains(t, greeting(&messenger.User{ID: 1}), "do‘stim")
	assert.Contains(t, greeting(&messenger.User{ID: 1, Username: "ali"}), "@ali")
}
