package chat

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gemchat/internal/auth"
	"gemchat/internal/llm"
	"gemchat/internal/session"
	"gemchat/internal/store"
)

type fakeLLM struct {
	mu    sync.Mutex
	reply llm.Reply
	err   error
	calls int
}

func (f *fakeLLM) Generate(ctx context.Context, parts []llm.Part) (llm.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.reply, f.err
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// countingStore tracks write traffic to assert that rejected operations never
// reach the store.
type countingStore struct {
	store.Store
	puts    int32
	creates int32
	deletes int32
}

func (c *countingStore) Create(ctx context.Context, conv store.Conversation) (string, error) {
	atomic.AddInt32(&c.creates, 1)
	return c.Store.Create(ctx, conv)
}

func (c *countingStore) Put(ctx context.Context, id string, p store.Patch, merge bool) error {
	atomic.AddInt32(&c.puts, 1)
	return c.Store.Put(ctx, id, p, merge)
}

func (c *countingStore) Delete(ctx context.Context, id string) error {
	atomic.AddInt32(&c.deletes, 1)
	return c.Store.Delete(ctx, id)
}

type brokenStore struct {
	store.Store
}

func (brokenStore) Subscribe(ctx context.Context, f store.Filter) (store.Subscription, error) {
	return nil, errors.New("backend offline")
}

func newTestReconciler(st store.Store, client llm.Client) (*Reconciler, *session.State) {
	sess := session.New("")
	sess.SetUser(&auth.User{ID: "u1", Email: "u1@example.com"})
	r := New(st, client, sess, Options{RevealInterval: time.Millisecond})
	return r, sess
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSendCreatesConversationWithTitlePrefix(t *testing.T) {
	st := store.NewMemory()
	r, sess := newTestReconciler(st, &fakeLLM{})

	id, err := r.SendUserMessage(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if sess.ActiveID() != id {
		t.Fatalf("active id %q, created %q", sess.ActiveID(), id)
	}
	if r.Phase() != PhaseUserMessageSent {
		t.Fatalf("phase %v", r.Phase())
	}

	c, err := st.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if c.Title != "Hello..." {
		t.Fatalf("title %q", c.Title)
	}
	if len(c.Messages) != 1 || c.Messages[0].Sender != store.SenderUser || c.Messages[0].Text != "Hello" {
		t.Fatalf("persisted messages: %+v", c.Messages)
	}
	if c.UserID != "u1" {
		t.Fatalf("owner %q", c.UserID)
	}

	snap := r.Snapshot()
	if !snap.Typing {
		t.Fatalf("typing indicator not set")
	}
	if len(snap.Messages) != 2 || snap.Messages[1].Text != typingPlaceholder {
		t.Fatalf("overlay missing placeholder bubble: %+v", snap.Messages)
	}
}

func TestSendRejections(t *testing.T) {
	st := store.NewMemory()
	r, sess := newTestReconciler(st, &fakeLLM{})

	if _, err := r.SendUserMessage(context.Background(), "", nil); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("empty message: %v", err)
	}
	if _, err := r.SendUserMessage(context.Background(), "hi", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	// one exchange at a time
	if _, err := r.SendUserMessage(context.Background(), "again", nil); !errors.Is(err, ErrBusy) {
		t.Fatalf("busy send: %v", err)
	}

	sess.SetUser(nil)
	if _, err := r.SendUserMessage(context.Background(), "hi", nil); !errors.Is(err, auth.ErrNoSession) {
		t.Fatalf("anonymous send: %v", err)
	}
}

func TestSendFailureShowsInlineError(t *testing.T) {
	st := store.NewMemory()
	r, sess := newTestReconciler(st, &fakeLLM{})
	sess.SetActiveID("missing")

	if _, err := r.SendUserMessage(context.Background(), "hi", nil); err == nil {
		t.Fatalf("expected store error")
	}
	snap := r.Snapshot()
	last := snap.Messages[len(snap.Messages)-1]
	if last.Sender != store.SenderBot || last.Text != msgSendFailed {
		t.Fatalf("inline error bubble: %+v", last)
	}
	if r.Phase() != PhaseIdle || snap.Typing {
		t.Fatalf("exchange not reset after failure")
	}
}

func TestExchangeRevealsAndPersistsReply(t *testing.T) {
	st := store.NewMemory()
	client := &fakeLLM{reply: llm.Reply{Text: "Hi there"}}
	r, _ := newTestReconciler(st, client)

	id, err := r.SendUserMessage(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := r.RequestAssistantReply(context.Background(), id, []llm.Part{llm.TextPart("Hello")}); err != nil {
		t.Fatalf("request reply: %v", err)
	}

	waitFor(t, "reveal completion", func() bool { return r.Phase() == PhaseIdle })

	snap := r.Snapshot()
	if len(snap.Messages) != 2 || snap.Messages[1].Text != "Hi there" {
		t.Fatalf("displayed messages: %+v", snap.Messages)
	}
	if snap.Typing {
		t.Fatalf("typing indicator still set")
	}

	var c store.Conversation
	waitFor(t, "persisted reply", func() bool {
		c, _ = st.Get(context.Background(), id)
		return len(c.Messages) == 2
	})
	if c.Messages[1].Sender != store.SenderBot || c.Messages[1].Text != "Hi there" {
		t.Fatalf("persisted reply: %+v", c.Messages[1])
	}
	if client.callCount() != 1 {
		t.Fatalf("inference calls: %d", client.callCount())
	}
}

func TestInferenceFailureSubstitutesLocalizedText(t *testing.T) {
	st := store.NewMemory()
	client := &fakeLLM{err: errors.New("quota exceeded")}
	r, _ := newTestReconciler(st, client)

	id, _ := r.SendUserMessage(context.Background(), "Hello", nil)
	if err := r.RequestAssistantReply(context.Background(), id, []llm.Part{llm.TextPart("Hello")}); err != nil {
		t.Fatalf("request reply: %v", err)
	}

	var c store.Conversation
	waitFor(t, "persisted error reply", func() bool {
		c, _ = st.Get(context.Background(), id)
		return len(c.Messages) == 2
	})
	if c.Messages[1].Text != msgReplyFailed {
		t.Fatalf("error reply text %q", c.Messages[1].Text)
	}
}

func TestEmptyReplySubstitutesApology(t *testing.T) {
	st := store.NewMemory()
	r, _ := newTestReconciler(st, &fakeLLM{})

	id, _ := r.SendUserMessage(context.Background(), "Hello", nil)
	if err := r.RequestAssistantReply(context.Background(), id, nil); err != nil {
		t.Fatalf("request reply: %v", err)
	}

	var c store.Conversation
	waitFor(t, "persisted apology", func() bool {
		c, _ = st.Get(context.Background(), id)
		return len(c.Messages) == 2
	})
	if c.Messages[1].Text != msgEmptyReply {
		t.Fatalf("reply text %q", c.Messages[1].Text)
	}
}

func TestMediaReplyAppendedAtomically(t *testing.T) {
	st := store.NewMemory()
	client := &fakeLLM{reply: llm.Reply{
		ImageParts: []llm.Blob{{MIMEType: "image/png", Data: "aGk="}},
	}}
	r, _ := newTestReconciler(st, client)

	id, _ := r.SendUserMessage(context.Background(), "draw a cat", nil)
	if err := r.RequestAssistantReply(context.Background(), id, []llm.Part{llm.TextPart("draw a cat")}); err != nil {
		t.Fatalf("request reply: %v", err)
	}

	// media skips the reveal entirely
	if r.Phase() != PhaseIdle {
		t.Fatalf("phase after media reply: %v", r.Phase())
	}
	c, _ := st.Get(context.Background(), id)
	if len(c.Messages) != 2 || c.Messages[1].Image != "data:image/png;base64,aGk=" {
		t.Fatalf("persisted media reply: %+v", c.Messages)
	}
}

func TestRequestReplyRequiresPendingExchange(t *testing.T) {
	st := store.NewMemory()
	r, _ := newTestReconciler(st, &fakeLLM{})
	if err := r.RequestAssistantReply(context.Background(), "c1", nil); !errors.Is(err, ErrStaleExchange) {
		t.Fatalf("want ErrStaleExchange, got %v", err)
	}
}

func TestSwitchMidRevealAbandonsRun(t *testing.T) {
	st := store.NewMemory()
	other, err := st.Create(context.Background(), store.Conversation{
		Title: "other", UserID: "u1", UpdatedAt: 1,
		Messages: []store.Message{{Sender: store.SenderUser, Text: "old"}},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	client := &fakeLLM{reply: llm.Reply{Text: "a long reply that reveals slowly"}}
	sess := session.New("")
	sess.SetUser(&auth.User{ID: "u1"})
	r := New(st, client, sess, Options{RevealInterval: 20 * time.Millisecond})

	id, _ := r.SendUserMessage(context.Background(), "Hello", nil)
	if err := r.RequestAssistantReply(context.Background(), id, []llm.Part{llm.TextPart("Hello")}); err != nil {
		t.Fatalf("request reply: %v", err)
	}
	waitFor(t, "reveal start", func() bool { return r.Phase() == PhaseRevealing })

	if err := r.SelectConversation(context.Background(), other); err != nil {
		t.Fatalf("select: %v", err)
	}
	if r.Phase() != PhaseIdle {
		t.Fatalf("phase after switch: %v", r.Phase())
	}

	// give an abandoned run time to misbehave, then check nothing leaked
	time.Sleep(100 * time.Millisecond)
	c, _ := st.Get(context.Background(), id)
	if len(c.Messages) != 1 {
		t.Fatalf("abandoned reveal persisted a reply: %+v", c.Messages)
	}
	snap := r.Snapshot()
	if snap.ActiveID != other || len(snap.Messages) != 1 || snap.Messages[0].Text != "old" {
		t.Fatalf("snapshot after switch: %+v", snap)
	}
}

func TestSelectForeignConversationResets(t *testing.T) {
	st := store.NewMemory()
	foreign, _ := st.Create(context.Background(), store.Conversation{
		Title: "theirs", UserID: "u2",
		Messages: []store.Message{{Sender: store.SenderUser, Text: "secret"}},
	})
	r, sess := newTestReconciler(st, &fakeLLM{})

	if err := r.SelectConversation(context.Background(), foreign); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	if sess.ActiveID() != "" {
		t.Fatalf("selection not reset")
	}
	if len(r.Snapshot().Messages) != 0 {
		t.Fatalf("foreign messages leaked into view")
	}
}

func TestSelectIsIdempotent(t *testing.T) {
	st := &countingStore{Store: store.NewMemory()}
	id, _ := st.Create(context.Background(), store.Conversation{Title: "t", UserID: "u1"})
	r, sess := newTestReconciler(st, &fakeLLM{})

	if err := r.SelectConversation(context.Background(), id); err != nil {
		t.Fatalf("select: %v", err)
	}
	if sess.ActiveID() != id {
		t.Fatalf("active %q", sess.ActiveID())
	}
	// selecting the current conversation again must not touch the store
	if err := r.SelectConversation(context.Background(), id); err != nil {
		t.Fatalf("reselect: %v", err)
	}
}

func TestRenameRejectsEmptyTitleBeforeStore(t *testing.T) {
	st := &countingStore{Store: store.NewMemory()}
	id, _ := st.Create(context.Background(), store.Conversation{Title: "keep", UserID: "u1"})
	atomic.StoreInt32(&st.puts, 0)
	r, _ := newTestReconciler(st, &fakeLLM{})

	if err := r.RenameConversation(context.Background(), id, "   "); !errors.Is(err, ErrEmptyTitle) {
		t.Fatalf("want ErrEmptyTitle, got %v", err)
	}
	if n := atomic.LoadInt32(&st.puts); n != 0 {
		t.Fatalf("store touched %d times for rejected rename", n)
	}
	c, _ := st.Get(context.Background(), id)
	if c.Title != "keep" {
		t.Fatalf("title changed to %q", c.Title)
	}
}

func TestRenameForeignConversation(t *testing.T) {
	st := store.NewMemory()
	id, _ := st.Create(context.Background(), store.Conversation{Title: "theirs", UserID: "u2"})
	r, _ := newTestReconciler(st, &fakeLLM{})

	if err := r.RenameConversation(context.Background(), id, "mine now"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
}

func TestRenamePersistsTitle(t *testing.T) {
	st := store.NewMemory()
	id, _ := st.Create(context.Background(), store.Conversation{Title: "old", UserID: "u1"})
	r, _ := newTestReconciler(st, &fakeLLM{})

	if err := r.RenameConversation(context.Background(), id, "new name"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	c, _ := st.Get(context.Background(), id)
	if c.Title != "new name" {
		t.Fatalf("title %q", c.Title)
	}
}

func TestDeleteMissingIsSuccess(t *testing.T) {
	st := store.NewMemory()
	r, _ := newTestReconciler(st, &fakeLLM{})
	if err := r.DeleteConversation(context.Background(), "gone"); err != nil {
		t.Fatalf("delete of absent record: %v", err)
	}
}

func TestDeleteActiveResetsSelection(t *testing.T) {
	st := store.NewMemory()
	id, _ := st.Create(context.Background(), store.Conversation{Title: "t", UserID: "u1",
		Messages: []store.Message{{Sender: store.SenderUser, Text: "hi"}}})
	r, sess := newTestReconciler(st, &fakeLLM{})

	if err := r.SelectConversation(context.Background(), id); err != nil {
		t.Fatalf("select: %v", err)
	}
	if err := r.DeleteConversation(context.Background(), id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if sess.ActiveID() != "" || len(r.Snapshot().Messages) != 0 {
		t.Fatalf("selection survived delete")
	}
	if _, err := st.Get(context.Background(), id); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("record still present: %v", err)
	}
}

func TestDeleteForeignConversation(t *testing.T) {
	st := store.NewMemory()
	id, _ := st.Create(context.Background(), store.Conversation{Title: "theirs", UserID: "u2"})
	r, _ := newTestReconciler(st, &fakeLLM{})

	if err := r.DeleteConversation(context.Background(), id); !errors.Is(err, ErrForbidden) {
		t.Fatalf("want ErrForbidden, got %v", err)
	}
	if _, err := st.Get(context.Background(), id); err != nil {
		t.Fatalf("foreign record deleted: %v", err)
	}
}

func TestListConversationsSortsByRecency(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	st.Create(ctx, store.Conversation{Title: "stale", UserID: "u1", UpdatedAt: 100})
	st.Create(ctx, store.Conversation{Title: "fresh", UserID: "u1", UpdatedAt: 300})
	st.Create(ctx, store.Conversation{Title: "mid", UserID: "u1", UpdatedAt: 200})
	st.Create(ctx, store.Conversation{Title: "not mine", UserID: "u2", UpdatedAt: 400})

	r, _ := newTestReconciler(st, &fakeLLM{})
	defer r.Close()
	if err := r.ListConversations(ctx, "u1"); err != nil {
		t.Fatalf("list: %v", err)
	}

	waitFor(t, "initial snapshot", func() bool { return len(r.Snapshot().Conversations) == 3 })
	titles := []string{}
	for _, c := range r.Snapshot().Conversations {
		titles = append(titles, c.Title)
	}
	want := []string{"fresh", "mid", "stale"}
	for i := range want {
		if titles[i] != want[i] {
			t.Fatalf("order %v, want %v", titles, want)
		}
	}
}

func TestListConversationsRaisesUnavailable(t *testing.T) {
	r, _ := newTestReconciler(brokenStore{Store: store.NewMemory()}, &fakeLLM{})
	if err := r.ListConversations(context.Background(), "u1"); err == nil {
		t.Fatalf("expected subscribe error")
	}
	if !r.Snapshot().Unavailable {
		t.Fatalf("unavailable flag not raised")
	}
}

func TestVanishedActiveConversationResetsSelection(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	id, _ := st.Create(ctx, store.Conversation{Title: "t", UserID: "u1",
		Messages: []store.Message{{Sender: store.SenderUser, Text: "hi"}}})

	r, sess := newTestReconciler(st, &fakeLLM{})
	defer r.Close()
	if err := r.ListConversations(ctx, "u1"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if err := r.SelectConversation(ctx, id); err != nil {
		t.Fatalf("select: %v", err)
	}

	// the record is removed behind the reconciler's back
	if err := st.Delete(ctx, id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	waitFor(t, "selection reset", func() bool { return sess.ActiveID() == "" })
}

func TestFinalizeAssistantReplyAppendsByReRead(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	id, _ := st.Create(ctx, store.Conversation{
		Title: "t", UserID: "u1", UpdatedAt: 1,
		Messages: []store.Message{{Sender: store.SenderUser, Text: "Hello"}},
	})
	r, _ := newTestReconciler(st, &fakeLLM{})

	// a concurrent write lands between the exchange and the finalize
	c, _ := st.Get(ctx, id)
	msgs := append(c.Messages, store.Message{Sender: store.SenderUser, Text: "one more"})
	ts := int64(2)
	if err := st.Put(ctx, id, store.Patch{Messages: &msgs, UpdatedAt: &ts}, true); err != nil {
		t.Fatalf("put: %v", err)
	}

	if err := r.FinalizeAssistantReply(ctx, id, "Hi there"); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	c, _ = st.Get(ctx, id)
	if len(c.Messages) != 3 {
		t.Fatalf("finalize did not append to the authoritative sequence: %+v", c.Messages)
	}
	if last := c.Messages[2]; last.Sender != store.SenderBot || last.Text != "Hi there" {
		t.Fatalf("appended message: %+v", last)
	}
	if c.UpdatedAt <= 2 {
		t.Fatalf("updatedAt not advanced: %d", c.UpdatedAt)
	}
}

func TestFinalizeAssistantReplyRejections(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	foreign, _ := st.Create(ctx, store.Conversation{Title: "theirs", UserID: "u2"})
	r, sess := newTestReconciler(st, &fakeLLM{})

	if err := r.FinalizeAssistantReply(ctx, foreign, "hi"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("foreign finalize: %v", err)
	}
	c, _ := st.Get(ctx, foreign)
	if len(c.Messages) != 0 {
		t.Fatalf("rejected finalize wrote messages: %+v", c.Messages)
	}

	if err := r.FinalizeAssistantReply(ctx, "gone", "hi"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing record finalize: %v", err)
	}

	sess.SetUser(nil)
	if err := r.FinalizeAssistantReply(ctx, foreign, "hi"); !errors.Is(err, auth.ErrNoSession) {
		t.Fatalf("anonymous finalize: %v", err)
	}
}

func TestOnChangeFires(t *testing.T) {
	st := store.NewMemory()
	r, _ := newTestReconciler(st, &fakeLLM{})
	var fired int32
	r.OnChange(func() { atomic.AddInt32(&fired, 1) })

	if _, err := r.SendUserMessage(context.Background(), "Hello", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if atomic.LoadInt32(&fired) == 0 {
		t.Fatalf("listener never fired")
	}
}

func TestOnChangeUnsubscribeStopsDelivery(t *testing.T) {
	st := store.NewMemory()
	r, _ := newTestReconciler(st, &fakeLLM{})
	var removed, kept int32
	unsubscribe := r.OnChange(func() { atomic.AddInt32(&removed, 1) })
	r.OnChange(func() { atomic.AddInt32(&kept, 1) })
	unsubscribe()

	if _, err := r.SendUserMessage(context.Background(), "Hello", nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if atomic.LoadInt32(&removed) != 0 {
		t.Fatalf("removed listener fired %d times", removed)
	}
	if atomic.LoadInt32(&kept) == 0 {
		t.Fatalf("surviving listener never fired")
	}
	// unsubscribing twice is harmless
	unsubscribe()
}
