package relay

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/gemish/backend/internal/auth"
	"github.com/zhouzirui/gemish/backend/internal/cache"
	"github.com/zhouzirui/gemish/backend/internal/model/chat"
	"github.com/zhouzirui/gemish/backend/internal/service/ai"
	chatsvc "github.com/zhouzirui/gemish/backend/internal/service/chat"
	"github.com/zhouzirui/gemish/backend/internal/store/memory"
)

type generateCall struct {
	history []chat.Message
	variant ai.Variant
	system  string
}

// fakeGenerator replays scripted fragments, or the stream built by stream
// when set.
type fakeGenerator struct {
	mu        sync.Mutex
	calls     []generateCall
	fragments []ai.Fragment
	end       error
	startErr  error
	stream    func(ctx context.Context) *ai.Stream
	variants  map[ai.Variant]bool
}

func newFakeGenerator(text string) *fakeGenerator {
	return &fakeGenerator{
		fragments: []ai.Fragment{{Kind: ai.FragmentText, Text: text}},
		variants:  map[ai.Variant]bool{ai.VariantFast: true, ai.VariantNormal: true},
	}
}

func (g *fakeGenerator) Generate(ctx context.Context, history []chat.Message, variant ai.Variant, system string) (*ai.Stream, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, generateCall{history: history, variant: variant, system: system})
	if g.startErr != nil {
		return nil, g.startErr
	}
	if g.stream != nil {
		return g.stream(ctx), nil
	}
	return ai.NewStreamFromFragments(g.fragments, g.end), nil
}

func (g *fakeGenerator) DefaultVariant() ai.Variant { return ai.VariantFast }

func (g *fakeGenerator) Supports(v ai.Variant) bool { return g.variants[v] }

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *fakeGenerator) lastCall() generateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls[len(g.calls)-1]
}

// countingStore wraps the cached chat service and counts collaborator calls.
type countingStore struct {
	*chatsvc.Service
	mu       sync.Mutex
	owners   int
	loads    int
	saves    int
	saveErr  error
	ownerErr error
}

func (s *countingStore) CheckOwnership(ctx context.Context, chatID, userID string) (bool, error) {
	s.mu.Lock()
	s.owners++
	s.mu.Unlock()
	if s.ownerErr != nil {
		return false, s.ownerErr
	}
	return s.Service.CheckOwnership(ctx, chatID, userID)
}

func (s *countingStore) LoadHistory(ctx context.Context, chatID string) ([]chat.Message, error) {
	s.mu.Lock()
	s.loads++
	s.mu.Unlock()
	return s.Service.LoadHistory(ctx, chatID)
}

func (s *countingStore) SaveExchange(ctx context.Context, chatID, userID string, messages []chat.Message) error {
	s.mu.Lock()
	s.saves++
	s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	return s.Service.SaveExchange(ctx, chatID, userID, messages)
}

func (s *countingStore) counts() (owners, loads, saves int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owners, s.loads, s.saves
}

type fixture struct {
	relay *Relay
	store *countingStore
	gen   *fakeGenerator
	user  *auth.Principal
}

func newFixture(t *testing.T, reply string) *fixture {
	t.Helper()
	svc, err := chatsvc.NewService(memory.New(), cache.Config{TTL: time.Minute, MaxEntries: 100}, nil)
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	_, err = svc.CreateChat(context.Background(), "user-1", "chat-1")
	require.NoError(t, err)

	store := &countingStore{Service: svc}
	gen := newFakeGenerator(reply)
	cfg := DefaultConfig()
	cfg.SmoothDelay = 0
	return &fixture{
		relay: New(store, gen, cfg, nil, nil),
		store: store,
		gen:   gen,
		user:  &auth.Principal{UserID: "user-1"},
	}
}

// pipeStream runs send against the writer half of an eino pipe, the way a
// provider stream is produced.
func pipeStream(send func(sw *schema.StreamWriter[*schema.Message])) *ai.Stream {
	sr, sw := schema.Pipe[*schema.Message](4)
	go func() {
		defer sw.Close()
		send(sw)
	}()
	return ai.NewStream(sr)
}

func nextEvent(t *testing.T, x *Exchange) Event {
	t.Helper()
	select {
	case ev, ok := <-x.Events():
		require.True(t, ok, "events closed early")
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an event")
		return Event{}
	}
}

func userMessage(id, content string) *chat.Message {
	return &chat.Message{ID: id, Role: chat.RoleUser, Content: content, Attachments: []chat.Attachment{}}
}

func collect(t *testing.T, x *Exchange) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-x.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out waiting for events")
		}
	}
}

func waitDone(t *testing.T, x *Exchange) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return x.Wait(ctx)
}

func textOf(events []Event) string {
	var b strings.Builder
	for _, ev := range events {
		if ev.Type == EventText {
			b.WriteString(ev.Text)
		}
	}
	return b.String()
}

func TestHandleTurnStreamsAndPersistsOnce(t *testing.T) {
	f := newFixture(t, "Hello! How can I help?")
	ctx := context.Background()

	x, err := f.relay.HandleTurn(ctx, TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, f.user)
	require.NoError(t, err)

	events := collect(t, x)
	require.NoError(t, waitDone(t, x))

	require.GreaterOrEqual(t, len(events), 4)
	assert.Equal(t, EventStart, events[0].Type)
	assert.Equal(t, EventFinishStep, events[len(events)-2].Type)
	assert.Equal(t, EventFinish, events[len(events)-1].Type)
	assert.Equal(t, "stop", events[len(events)-1].FinishReason)
	assert.Equal(t, "Hello! How can I help?", textOf(events))
	assert.Equal(t, []string{"Hello! ", "How ", "can ", "I ", "help?"}, textChunks(events))
	for _, ev := range events {
		assert.Equal(t, x.MessageID(), ev.MessageID)
	}

	call := f.gen.lastCall()
	require.Len(t, call.history, 1, "placeholder must not reach the model")
	assert.Equal(t, "hi", call.history[0].Content)
	assert.Equal(t, ai.VariantFast, call.variant)
	assert.Equal(t, DefaultSystemPrompt, call.system)

	_, _, saves := f.store.counts()
	assert.Equal(t, 1, saves)

	history, err := f.store.Service.LoadHistory(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Content)
	assert.Equal(t, chat.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello! How can I help?", history[1].Content)
	assert.Equal(t, x.MessageID(), history[1].ID)
	assert.NotNil(t, history[1].Attachments)
}

func textChunks(events []Event) []string {
	var out []string
	for _, ev := range events {
		if ev.Type == EventText {
			out = append(out, ev.Text)
		}
	}
	return out
}

func TestInvalidRequestMakesNoCalls(t *testing.T) {
	f := newFixture(t, "unused")
	ctx := context.Background()

	_, err := f.relay.HandleTurn(ctx, TurnRequest{ChatID: "chat-1"}, f.user)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.relay.HandleTurn(ctx, TurnRequest{Message: userMessage("m1", "hi")}, f.user)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	// body validation happens before authentication
	_, err = f.relay.HandleTurn(ctx, TurnRequest{}, nil)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	owners, loads, saves := f.store.counts()
	assert.Zero(t, owners+loads+saves)
	assert.Zero(t, f.gen.callCount())
}

func TestUnauthenticated(t *testing.T) {
	f := newFixture(t, "unused")

	_, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, nil)
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, &auth.Principal{})
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.Zero(t, f.gen.callCount())
}

func TestForeignOrMissingChatIsNotFound(t *testing.T) {
	f := newFixture(t, "unused")
	ctx := context.Background()

	_, err := f.relay.HandleTurn(ctx, TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, &auth.Principal{UserID: "intruder"})
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.relay.HandleTurn(ctx, TurnRequest{ChatID: "nope", Message: userMessage("m1", "hi")}, f.user)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Zero(t, f.gen.callCount())
	_, loads, saves := f.store.counts()
	assert.Zero(t, loads)
	assert.Zero(t, saves)
}

func TestOwnershipStoreErrorIsPersistenceFailure(t *testing.T) {
	f := newFixture(t, "unused")
	f.store.ownerErr = errors.New("connection refused")

	_, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, f.user)
	assert.ErrorIs(t, err, ErrPersistenceFailure)
	assert.Zero(t, f.gen.callCount())
}

func TestAttachmentForcesNormalVariant(t *testing.T) {
	f := newFixture(t, "The PDF describes a budget.")
	msg := userMessage("m1", "Summarize this PDF")
	msg.Attachments = []chat.Attachment{{Name: "report.pdf", ContentType: "application/pdf", URL: "https://files.example/report.pdf"}}

	x, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: msg, Model: "fast"}, f.user)
	require.NoError(t, err)
	collect(t, x)
	require.NoError(t, waitDone(t, x))

	call := f.gen.lastCall()
	assert.Equal(t, ai.VariantNormal, call.variant)
	require.Len(t, call.history, 1)
	assert.Len(t, call.history[0].Attachments, 1)
}

func TestUnsupportedModelFailsBeforeGeneration(t *testing.T) {
	f := newFixture(t, "unused")

	_, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi"), Model: "gpt-9"}, f.user)
	assert.ErrorIs(t, err, ai.ErrUnsupportedModel)

	f.gen.variants = map[ai.Variant]bool{ai.VariantFast: true}
	_, err = f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi"), Model: "normal"}, f.user)
	assert.ErrorIs(t, err, ai.ErrUnsupportedModel)

	assert.Zero(t, f.gen.callCount())
}

func TestUpstreamErrorPersistsNothing(t *testing.T) {
	f := newFixture(t, "partial answer ")
	f.gen.end = errors.New("provider returned 500")

	x, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, f.user)
	require.NoError(t, err)

	events := collect(t, x)
	err = waitDone(t, x)
	assert.ErrorIs(t, err, ErrUpstreamFailure)
	assert.ErrorIs(t, x.Err(), ErrUpstreamFailure)

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, "An error occurred.", last.Error)
	assert.NotContains(t, last.Error, "500")

	_, _, saves := f.store.counts()
	assert.Zero(t, saves)

	history, err := f.store.Service.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.True(t, chat.IsPlaceholderHistory(history))
}

func TestGenerateStartFailure(t *testing.T) {
	f := newFixture(t, "unused")
	f.gen.startErr = errors.New("dial tcp: timeout")

	_, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, f.user)
	assert.ErrorIs(t, err, ErrUpstreamFailure)

	_, _, saves := f.store.counts()
	assert.Zero(t, saves)
}

func TestPersistenceFailureAfterStreaming(t *testing.T) {
	f := newFixture(t, "done")
	f.store.saveErr = errors.New("disk full")

	x, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, f.user)
	require.NoError(t, err)

	events := collect(t, x)
	assert.Equal(t, EventFinish, events[len(events)-1].Type)
	assert.ErrorIs(t, waitDone(t, x), ErrPersistenceFailure)
}

func TestSaveCompletesAfterClientDetaches(t *testing.T) {
	f := newFixture(t, "a long answer the client never reads")
	f.relay.cfg.SmoothDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	x, err := f.relay.HandleTurn(ctx, TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, f.user)
	require.NoError(t, err)

	// the request goes away immediately
	cancel()
	x.Detach()

	require.NoError(t, waitDone(t, x))
	require.NoError(t, f.relay.Wait(context.Background()))

	_, _, saves := f.store.counts()
	assert.Equal(t, 1, saves)

	history, err := f.store.Service.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "a long answer the client never reads", history[1].Content)
}

func TestSequentialTurnsObserveEachOther(t *testing.T) {
	f := newFixture(t, "Hello!")
	ctx := context.Background()

	x, err := f.relay.HandleTurn(ctx, TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, f.user)
	require.NoError(t, err)
	collect(t, x)
	require.NoError(t, waitDone(t, x))

	f.gen.fragments = []ai.Fragment{{Kind: ai.FragmentText, Text: "Fine, thanks."}}
	x, err = f.relay.HandleTurn(ctx, TurnRequest{ChatID: "chat-1", Message: userMessage("m2", "how are you?")}, f.user)
	require.NoError(t, err)
	collect(t, x)
	require.NoError(t, waitDone(t, x))

	call := f.gen.lastCall()
	require.Len(t, call.history, 3)
	assert.Equal(t, "hi", call.history[0].Content)
	assert.Equal(t, "Hello!", call.history[1].Content)
	assert.Equal(t, "how are you?", call.history[2].Content)

	history, err := f.store.Service.LoadHistory(ctx, "chat-1")
	require.NoError(t, err)
	assert.Len(t, history, 4)
}

func TestReasoningAndSourcesAreForwarded(t *testing.T) {
	f := newFixture(t, "")
	f.gen.fragments = []ai.Fragment{
		{Kind: ai.FragmentReasoning, Text: "Let me think."},
		{Kind: ai.FragmentText, Text: "Go was released in 2009"},
		{Kind: ai.FragmentSource, Source: &ai.Source{SourceType: "url", ID: "s1", URL: "https://go.dev"}},
	}

	x, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "when?")}, f.user)
	require.NoError(t, err)
	events := collect(t, x)
	require.NoError(t, waitDone(t, x))

	var kinds []EventType
	for _, ev := range events {
		kinds = append(kinds, ev.Type)
	}
	assert.Equal(t, []EventType{
		EventStart, EventReasoning,
		EventText, EventText, EventText, EventText, EventText,
		EventSource, EventFinishStep, EventFinish,
	}, kinds)

	history, err := f.store.Service.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "Go was released in 2009", history[1].Content)
}

func TestResentMessageIsNotDuplicated(t *testing.T) {
	f := newFixture(t, "Hello!")
	ctx := context.Background()

	x, err := f.relay.HandleTurn(ctx, TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, f.user)
	require.NoError(t, err)
	collect(t, x)
	require.NoError(t, waitDone(t, x))

	history, err := f.store.Service.LoadHistory(ctx, "chat-1")
	require.NoError(t, err)
	assistantID := history[1].ID

	// a client reusing the assistant's id cannot overwrite the stored answer
	resent := &chat.Message{ID: assistantID, Role: chat.RoleUser, Content: "edited", Attachments: []chat.Attachment{}}
	x, err = f.relay.HandleTurn(ctx, TurnRequest{ChatID: "chat-1", Message: resent}, f.user)
	require.NoError(t, err)
	collect(t, x)
	require.NoError(t, waitDone(t, x))

	seen := f.gen.lastCall().history
	require.Len(t, seen, 3)
	assert.Equal(t, "Hello!", seen[1].Content)
	assert.Equal(t, "edited", seen[2].Content)
	assert.NotEqual(t, assistantID, seen[2].ID)

	history, err = f.store.Service.LoadHistory(ctx, "chat-1")
	require.NoError(t, err)
	require.Len(t, history, 4)
	assert.Equal(t, assistantID, history[1].ID)
	assert.Equal(t, chat.RoleAssistant, history[1].Role)
	assert.Equal(t, "Hello!", history[1].Content)
}

func TestResentUserMessageReplacesTrailingEntry(t *testing.T) {
	f := newFixture(t, "unused")
	ctx := context.Background()

	// a turn whose answer was never saved leaves the user message last
	stored := chat.Message{ID: "m1", ChatID: "chat-1", Role: chat.RoleUser, Content: "hi", Attachments: []chat.Attachment{}, CreatedAt: time.Now()}
	require.NoError(t, f.store.Service.SaveExchange(ctx, "chat-1", "user-1", []chat.Message{stored}))

	x, err := f.relay.HandleTurn(ctx, TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi again")}, f.user)
	require.NoError(t, err)
	collect(t, x)
	require.NoError(t, waitDone(t, x))

	seen := f.gen.lastCall().history
	require.Len(t, seen, 1)
	assert.Equal(t, "m1", seen[0].ID)
	assert.Equal(t, "hi again", seen[0].Content)
}

func TestMergeHistoryIsPure(t *testing.T) {
	history := []chat.Message{
		{ID: "a", Role: chat.RoleAssistant, Content: "one"},
		{ID: "b", Role: chat.RoleUser, Content: "two"},
	}
	snapshot := append([]chat.Message(nil), history...)

	merged := MergeHistory(history, chat.Message{ID: "c", Role: chat.RoleUser, Content: "three"})
	assert.Len(t, merged, 3)
	assert.Equal(t, snapshot, history)

	replaced := MergeHistory(history, chat.Message{ID: "b", Role: chat.RoleUser, Content: "two, edited"})
	require.Len(t, replaced, 2)
	assert.Equal(t, "two, edited", replaced[1].Content)
	assert.Equal(t, snapshot, history)

	answered := append(append([]chat.Message(nil), history...), chat.Message{ID: "d", Role: chat.RoleAssistant, Content: "four"})
	kept := MergeHistory(answered, chat.Message{ID: "d", Role: chat.RoleUser, Content: "overwrite"})
	require.Len(t, kept, 4)
	assert.Equal(t, "four", kept[2].Content)
	assert.Equal(t, chat.RoleAssistant, kept[2].Role)

	assert.Len(t, MergeHistory(nil, chat.Message{ID: "x"}), 1)
}

func TestSelectVariant(t *testing.T) {
	plain := []chat.Message{{ID: "a"}}
	withFile := []chat.Message{{ID: "a", Attachments: []chat.Attachment{{URL: "https://files.example/x.pdf"}}}, {ID: "b"}}

	v, err := SelectVariant(plain, "", ai.VariantFast)
	require.NoError(t, err)
	assert.Equal(t, ai.VariantFast, v)

	v, err = SelectVariant(plain, "normal", ai.VariantFast)
	require.NoError(t, err)
	assert.Equal(t, ai.VariantNormal, v)

	v, err = SelectVariant(withFile, "fast", ai.VariantFast)
	require.NoError(t, err)
	assert.Equal(t, ai.VariantNormal, v)

	_, err = SelectVariant(plain, "turbo", ai.VariantFast)
	assert.ErrorIs(t, err, ai.ErrUnsupportedModel)
}

func TestSmoother(t *testing.T) {
	var s Smoother
	assert.Equal(t, []string{"Hello "}, s.Push("Hello wor"))
	assert.Equal(t, []string{"world!\n\n"}, s.Push("ld!\n\n"))
	assert.Nil(t, s.Push("**bold"))
	assert.Equal(t, "**bold", s.Flush())
	assert.Equal(t, "", s.Flush())
}

func TestNewMessageID(t *testing.T) {
	pattern := regexp.MustCompile(`^msgs_[0-9a-f]{32}$`)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id, err := NewMessageID()
		require.NoError(t, err)
		assert.Regexp(t, pattern, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestClientClockDoesNotReorderHistory(t *testing.T) {
	f := newFixture(t, "answer1")
	ctx := context.Background()

	x, err := f.relay.HandleTurn(ctx, TurnRequest{ChatID: "chat-1", Message: userMessage("q1", "q1")}, f.user)
	require.NoError(t, err)
	collect(t, x)
	require.NoError(t, waitDone(t, x))

	f.gen.fragments = []ai.Fragment{{Kind: ai.FragmentText, Text: "answer2"}}
	behind := userMessage("q2", "q2")
	behind.CreatedAt = time.Now().Add(-10 * time.Minute)
	x, err = f.relay.HandleTurn(ctx, TurnRequest{ChatID: "chat-1", Message: behind}, f.user)
	require.NoError(t, err)
	collect(t, x)
	require.NoError(t, waitDone(t, x))

	history, err := f.store.Service.LoadHistory(ctx, "chat-1")
	require.NoError(t, err)
	var contents []string
	for _, msg := range history {
		contents = append(contents, msg.Content)
	}
	assert.Equal(t, []string{"q1", "answer1", "q2", "answer2"}, contents)
	assert.False(t, history[2].CreatedAt.Before(history[1].CreatedAt))
}

func TestPacingDoesNotCountAgainstBudget(t *testing.T) {
	reply := strings.Repeat("word ", 20)
	f := newFixture(t, reply)
	f.relay.cfg.SmoothDelay = 20 * time.Millisecond
	f.relay.cfg.MaxDuration = 200 * time.Millisecond

	x, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "count")}, f.user)
	require.NoError(t, err)
	events := collect(t, x)
	require.NoError(t, waitDone(t, x))

	assert.Equal(t, EventFinish, events[len(events)-1].Type)
	assert.Equal(t, reply, textOf(events))

	_, _, saves := f.store.counts()
	assert.Equal(t, 1, saves)
	history, err := f.store.Service.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, reply, history[1].Content)
}

func TestExecutionBudgetExceededFailsTurn(t *testing.T) {
	f := newFixture(t, "")
	f.relay.cfg.MaxDuration = 50 * time.Millisecond
	f.gen.stream = func(ctx context.Context) *ai.Stream {
		return pipeStream(func(sw *schema.StreamWriter[*schema.Message]) {
			sw.Send(schema.AssistantMessage("partial ", nil), nil)
			<-ctx.Done()
			sw.Send(nil, ctx.Err())
		})
	}

	x, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, f.user)
	require.NoError(t, err)
	events := collect(t, x)

	assert.ErrorIs(t, waitDone(t, x), ErrUpstreamFailure)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.Equal(t, "An error occurred.", last.Error)

	_, _, saves := f.store.counts()
	assert.Zero(t, saves)
	history, err := f.store.Service.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.True(t, chat.IsPlaceholderHistory(history))
}

func TestDetachWhileBufferIsFullStillSaves(t *testing.T) {
	reply := strings.Repeat("token ", 40)
	f := newFixture(t, reply)

	x, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, f.user)
	require.NoError(t, err)

	// nobody reads, so the task ends up blocked on a full buffer
	require.Eventually(t, func() bool {
		return len(x.events) == cap(x.events)
	}, 5*time.Second, 5*time.Millisecond)
	x.Detach()

	require.NoError(t, waitDone(t, x))
	assert.True(t, x.dropped.Load())

	_, _, saves := f.store.counts()
	assert.Equal(t, 1, saves)
	history, err := f.store.Service.LoadHistory(context.Background(), "chat-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, reply, history[1].Content)
}

func TestFirstEventsPrecedeProviderCompletion(t *testing.T) {
	f := newFixture(t, "")
	release := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(release) }) }
	t.Cleanup(unblock)

	f.gen.stream = func(context.Context) *ai.Stream {
		return pipeStream(func(sw *schema.StreamWriter[*schema.Message]) {
			sw.Send(schema.AssistantMessage("Hello ", nil), nil)
			<-release
			sw.Send(schema.AssistantMessage("world", nil), nil)
		})
	}

	x, err := f.relay.HandleTurn(context.Background(), TurnRequest{ChatID: "chat-1", Message: userMessage("m1", "hi")}, f.user)
	require.NoError(t, err)

	start := nextEvent(t, x)
	assert.Equal(t, EventStart, start.Type)
	assert.Equal(t, x.MessageID(), start.MessageID)
	first := nextEvent(t, x)
	assert.Equal(t, EventText, first.Type)
	assert.Equal(t, "Hello ", first.Text)

	unblock()
	rest := collect(t, x)
	require.NoError(t, waitDone(t, x))
	assert.Equal(t, "world", textOf(rest))
	assert.Equal(t, EventFinish, rest[len(rest)-1].Type)
}
