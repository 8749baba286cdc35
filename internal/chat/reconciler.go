// Package chat implements the conversation reconciler: it owns the live list
// of a user's conversations and the active conversation's message overlay,
// merges optimistic local edits with authoritative store echoes, and drives
// the typing reveal of assistant replies.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"gemchat/internal/auth"
	"gemchat/internal/llm"
	"gemchat/internal/metrics"
	"gemchat/internal/session"
	"gemchat/internal/storage"
	"gemchat/internal/store"
)

// Inline user-facing strings, localized as in the web client.
const (
	msgSendFailed     = "Произошла ошибка при создании/отправке чата."
	msgReplyFailed    = "Произошла ошибка при получении ответа от AI."
	msgEmptyReply     = "Извините, не могу ответить сейчас."
	typingPlaceholder = "..."
)

var (
	ErrBusy          = errors.New("an exchange is already in progress")
	ErrForbidden     = errors.New("conversation belongs to another user")
	ErrEmptyMessage  = errors.New("message must contain text, image, or audio")
	ErrEmptyTitle    = errors.New("title must not be empty")
	ErrStaleExchange = errors.New("no pending exchange for this conversation")
)

// Phase of the pending exchange. Awaiting and Revealing block new sends but
// not selection changes.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseUserMessageSent
	PhaseAwaitingInference
	PhaseRevealing
)

// Attachment is inline media accompanying a user message, as data URLs.
type Attachment struct {
	Image string
	Audio string
}

// Snapshot is the displayable state handed to the presentation layer.
type Snapshot struct {
	Conversations []store.Conversation `json:"conversations"`
	ActiveID      string               `json:"active_id"`
	Messages      []store.Message      `json:"messages"`
	Typing        bool                 `json:"typing"`
	Unavailable   bool                 `json:"unavailable"`
}

type Options struct {
	Recorder       storage.Recorder // optional audit log
	Metrics        *metrics.Metrics // optional, nil-safe
	TitlePrefixLen int              // default 20
	RevealInterval time.Duration    // default 15ms per rune
	Now            func() int64     // millis, injectable for tests
}

// Reconciler holds one session's conversation state. The authoritative list
// arrives through the store subscription; the active conversation is a
// read-through copy plus an optimistic overlay that is discarded once the
// authoritative echo arrives and no exchange is pending.
type Reconciler struct {
	mu     sync.Mutex
	st     store.Store
	client llm.Client
	sess   *session.State
	rec    storage.Recorder
	met    *metrics.Metrics

	titleLen       int
	revealInterval time.Duration
	now            func() int64

	conversations []store.Conversation
	unavailable   bool
	messages      []store.Message
	phase         Phase
	gen           uint64 // bumped on every selection change; stale async results are dropped
	reveal        *revealRun
	sub           store.Subscription

	listeners    map[uint64]func()
	nextListener uint64
}

func New(st store.Store, client llm.Client, sess *session.State, opts Options) *Reconciler {
	if opts.TitlePrefixLen <= 0 {
		opts.TitlePrefixLen = 20
	}
	if opts.RevealInterval <= 0 {
		opts.RevealInterval = 15 * time.Millisecond
	}
	if opts.Now == nil {
		opts.Now = func() int64 { return time.Now().UnixMilli() }
	}
	return &Reconciler{
		st:             st,
		client:         client,
		sess:           sess,
		rec:            opts.Recorder,
		met:            opts.Metrics,
		titleLen:       opts.TitlePrefixLen,
		revealInterval: opts.RevealInterval,
		now:            opts.Now,
	}
}

// OnChange registers a listener invoked after every state change. The
// returned func removes the listener; callers that outlive their interest,
// like reconnecting event streams, must call it.
func (r *Reconciler) OnChange(f func()) func() {
	r.mu.Lock()
	if r.listeners == nil {
		r.listeners = make(map[uint64]func())
	}
	id := r.nextListener
	r.nextListener++
	r.listeners[id] = f
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Reconciler) notify() {
	r.mu.Lock()
	ls := make([]func(), 0, len(r.listeners))
	for _, f := range r.listeners {
		ls = append(ls, f)
	}
	r.mu.Unlock()
	for _, f := range ls {
		f()
	}
}

func (r *Reconciler) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		Conversations: append([]store.Conversation(nil), r.conversations...),
		ActiveID:      r.sess.ActiveID(),
		Messages:      append([]store.Message(nil), r.messages...),
		Typing:        r.sess.Typing(),
		Unavailable:   r.unavailable,
	}
}

// ListConversations attaches the live query for the user's conversations.
// On store error the unavailable flag is raised and the last-known list
// stays displayed.
func (r *Reconciler) ListConversations(ctx context.Context, userID string) error {
	sub, err := r.st.Subscribe(ctx, store.Filter{UserID: userID})
	if err != nil {
		r.mu.Lock()
		r.unavailable = true
		r.mu.Unlock()
		r.notify()
		return fmt.Errorf("subscribe conversations: %w", err)
	}
	r.mu.Lock()
	if r.sub != nil {
		r.sub.Close()
	}
	r.sub = sub
	r.mu.Unlock()
	go r.consume(sub)
	return nil
}

func (r *Reconciler) consume(sub store.Subscription) {
	for {
		select {
		case <-sub.Done():
			return
		case set := <-sub.Updates():
			r.applySnapshot(set)
		case err := <-sub.Errs():
			log.Printf("conversation subscription error: %v", err)
			r.mu.Lock()
			r.unavailable = true
			r.mu.Unlock()
			r.notify()
		}
	}
}

func (r *Reconciler) applySnapshot(set []store.Conversation) {
	sort.SliceStable(set, func(i, j int) bool { return set[i].UpdatedAt > set[j].UpdatedAt })
	r.mu.Lock()
	r.conversations = set
	r.unavailable = false
	if id := r.sess.ActiveID(); id != "" {
		var active *store.Conversation
		for i := range set {
			if set[i].ID == id {
				active = &set[i]
				break
			}
		}
		switch {
		case active == nil:
			// the active record vanished remotely
			r.resetSelectionLocked()
		case r.phase == PhaseIdle && r.reveal == nil:
			// авторитетный снимок вытесняет оптимистичный оверлей
			r.messages = append([]store.Message(nil), active.Messages...)
		}
	}
	r.mu.Unlock()
	r.notify()
}

// SelectConversation makes id the active conversation. Selecting the current
// id is a no-op. Ownership failures reset the selection to none.
func (r *Reconciler) SelectConversation(ctx context.Context, id string) error {
	user := r.sess.User()
	if user == nil {
		return auth.ErrNoSession
	}

	r.mu.Lock()
	if r.sess.ActiveID() == id {
		r.mu.Unlock()
		return nil
	}
	// switching abandons any in-flight reveal and pending exchange
	r.cancelRevealLocked()
	r.phase = PhaseIdle
	r.sess.SetTyping(false)
	r.gen++
	gen := r.gen
	r.mu.Unlock()
	r.notify()

	c, err := r.st.Get(ctx, id)
	if err != nil || c.UserID != user.ID {
		r.mu.Lock()
		if r.gen == gen {
			r.resetSelectionLocked()
		}
		r.mu.Unlock()
		r.notify()
		if err == nil {
			log.Printf("select %s: record owned by another user, resetting selection", id)
			return ErrForbidden
		}
		log.Printf("select %s: %v", id, err)
		return err
	}

	r.mu.Lock()
	if r.gen == gen {
		r.sess.SetActiveID(id)
		r.messages = append([]store.Message(nil), c.Messages...)
	}
	r.mu.Unlock()
	r.notify()
	return nil
}

// ResetSelection clears the active conversation (the "new chat" intent) and
// abandons any in-flight reveal.
func (r *Reconciler) ResetSelection() {
	r.mu.Lock()
	r.resetSelectionLocked()
	r.mu.Unlock()
	r.notify()
}

func (r *Reconciler) resetSelectionLocked() {
	r.cancelRevealLocked()
	r.sess.SetActiveID("")
	r.sess.SetTyping(false)
	r.messages = nil
	r.phase = PhaseIdle
	r.gen++
}

func (r *Reconciler) cancelRevealLocked() {
	if r.reveal != nil {
		r.reveal.cancel()
		r.reveal = nil
		r.met.IncRevealsCancelled()
	}
}

// SendUserMessage appends the message optimistically, creates a conversation
// when none is active (titled with a prefix of the text) and persists the
// updated sequence. It returns the target conversation id.
func (r *Reconciler) SendUserMessage(ctx context.Context, text string, att *Attachment) (string, error) {
	user := r.sess.User()
	if user == nil {
		return "", auth.ErrNoSession
	}
	msg := store.Message{Sender: store.SenderUser, Text: text}
	if att != nil {
		msg.Image = att.Image
		msg.Audio = att.Audio
	}
	if msg.Empty() {
		return "", ErrEmptyMessage
	}

	r.mu.Lock()
	if r.phase != PhaseIdle {
		r.mu.Unlock()
		return "", ErrBusy
	}
	// a stale run must never outlive a new send
	r.cancelRevealLocked()
	r.phase = PhaseUserMessageSent
	r.sess.SetTyping(true)
	r.messages = append(r.messages, msg)
	overlay := append([]store.Message(nil), r.messages...)
	activeID := r.sess.ActiveID()
	gen := r.gen
	r.mu.Unlock()
	r.notify()

	now := r.now()
	convID := activeID
	created := false
	var err error
	if activeID == "" {
		convID, err = r.st.Create(ctx, store.Conversation{
			Title:     titlePrefix(text, r.titleLen),
			Messages:  overlay,
			CreatedAt: now,
			UpdatedAt: now,
			UserID:    user.ID,
		})
		created = err == nil
	} else {
		var cur store.Conversation
		if cur, err = r.st.Get(ctx, convID); err == nil {
			if cur.UserID != user.ID {
				err = ErrForbidden
			} else {
				err = r.st.Put(ctx, convID, store.Patch{Messages: &overlay, UpdatedAt: &now}, true)
			}
		}
	}

	r.mu.Lock()
	if r.gen != gen {
		// the conversation context changed while the write was in flight;
		// the write itself was tagged with convID, so nothing to reconcile
		r.mu.Unlock()
		return convID, err
	}
	if err != nil {
		r.messages = append(r.messages, store.Message{Sender: store.SenderBot, Text: msgSendFailed})
		r.phase = PhaseIdle
		r.sess.SetTyping(false)
		r.mu.Unlock()
		r.notify()
		log.Printf("failed to persist user message: %v", err)
		return "", err
	}
	if created {
		r.sess.SetActiveID(convID)
		r.met.IncConversationsCreated()
	}
	// bot bubble the reveal will overwrite
	r.messages = append(r.messages, store.Message{Sender: store.SenderBot, Text: typingPlaceholder})
	r.mu.Unlock()
	r.notify()

	r.met.IncMessagesSent()
	r.record(storage.Event{
		Timestamp:      time.Now().UTC(),
		UserID:         user.ID,
		ConversationID: convID,
		Kind:           storage.KindUserMessage,
		Text:           text,
		HasMedia:       msg.Image != "" || msg.Audio != "",
	})
	return convID, nil
}

// RequestAssistantReply runs the inference call for the pending exchange.
// Media replies are appended atomically; text replies are revealed; failures
// substitute a fixed localized message as the reply text.
func (r *Reconciler) RequestAssistantReply(ctx context.Context, convID string, parts []llm.Part) error {
	user := r.sess.User()
	if user == nil {
		return auth.ErrNoSession
	}

	r.mu.Lock()
	if r.phase != PhaseUserMessageSent || r.sess.ActiveID() != convID {
		r.mu.Unlock()
		return ErrStaleExchange
	}
	r.phase = PhaseAwaitingInference
	gen := r.gen
	r.mu.Unlock()
	r.notify()

	r.met.IncInferenceRequests()
	reply, err := r.client.Generate(ctx, parts)

	r.mu.Lock()
	if r.gen != gen || r.sess.ActiveID() != convID {
		r.mu.Unlock()
		log.Printf("discarding late inference result for conversation %s", convID)
		return nil
	}
	text := reply.Text
	if err != nil {
		r.met.IncInferenceFailures()
		log.Printf("inference call failed: %v", err)
		r.recordLockedUnsafe(storage.Event{
			Timestamp:      time.Now().UTC(),
			UserID:         user.ID,
			ConversationID: convID,
			Kind:           storage.KindInferenceError,
			Text:           err.Error(),
		})
		reply = llm.Reply{}
		text = msgReplyFailed
	} else if text == "" && !reply.HasMedia() {
		text = msgEmptyReply
	}

	if reply.HasMedia() {
		msg := mediaMessage(reply)
		r.setLastBotLocked(msg)
		r.phase = PhaseIdle
		r.sess.SetTyping(false)
		r.mu.Unlock()
		r.notify()
		if ferr := r.finalize(context.Background(), convID, user.ID, msg); ferr != nil {
			log.Printf("failed to persist assistant reply: %v", ferr)
		}
		return nil
	}

	rv := newRevealRun(text, convID, gen)
	r.reveal = rv
	r.phase = PhaseRevealing
	r.mu.Unlock()
	r.notify()
	r.met.IncRevealsStarted()
	go r.runReveal(rv, text, user.ID)
	return nil
}

func (r *Reconciler) runReveal(rv *revealRun, fullText, userID string) {
	ticker := time.NewTicker(r.revealInterval)
	defer ticker.Stop()
	for range ticker.C {
		prefix, done, ok := rv.step()
		if !ok {
			return // abandoned
		}
		if !r.applyRevealPrefix(rv, prefix) {
			return
		}
		if done {
			r.completeReveal(rv, fullText, userID)
			return
		}
	}
}

// applyRevealPrefix publishes the next prefix, re-checking on every tick that
// the run is still the current one for the active conversation.
func (r *Reconciler) applyRevealPrefix(rv *revealRun, prefix string) bool {
	r.mu.Lock()
	if r.reveal != rv || r.sess.ActiveID() != rv.convID {
		rv.cancel()
		r.mu.Unlock()
		return false
	}
	r.setLastBotLocked(store.Message{Sender: store.SenderBot, Text: prefix})
	r.mu.Unlock()
	r.notify()
	return true
}

// completeReveal signals completion exactly once and persists the full reply,
// unless the run went stale between the final tick and now.
func (r *Reconciler) completeReveal(rv *revealRun, fullText, userID string) {
	r.mu.Lock()
	if r.reveal != rv || r.sess.ActiveID() != rv.convID {
		r.mu.Unlock()
		return
	}
	r.reveal = nil
	r.phase = PhaseIdle
	r.sess.SetTyping(false)
	convID := rv.convID
	r.mu.Unlock()
	r.notify()

	r.met.IncRevealsCompleted()
	if err := r.finalize(context.Background(), convID, userID, store.Message{Sender: store.SenderBot, Text: fullText}); err != nil {
		log.Printf("failed to persist assistant reply: %v", err)
	}
}

// FinalizeAssistantReply persists a completed reply by re-reading the
// authoritative message sequence and appending, never by trusting the local
// overlay.
func (r *Reconciler) FinalizeAssistantReply(ctx context.Context, convID, fullText string) error {
	user := r.sess.User()
	if user == nil {
		return auth.ErrNoSession
	}
	return r.finalize(ctx, convID, user.ID, store.Message{Sender: store.SenderBot, Text: fullText})
}

func (r *Reconciler) finalize(ctx context.Context, convID, userID string, msg store.Message) error {
	cur, err := r.st.Get(ctx, convID)
	if err != nil {
		return fmt.Errorf("re-read conversation: %w", err)
	}
	if cur.UserID != userID {
		return ErrForbidden
	}
	msgs := append(cur.Messages, msg)
	now := r.now()
	if err := r.st.Put(ctx, convID, store.Patch{Messages: &msgs, UpdatedAt: &now}, true); err != nil {
		return fmt.Errorf("write back reply: %w", err)
	}
	r.record(storage.Event{
		Timestamp:      time.Now().UTC(),
		UserID:         userID,
		ConversationID: convID,
		Kind:           storage.KindAssistantReply,
		Text:           msg.Text,
		HasMedia:       msg.Image != "" || msg.Audio != "",
	})
	return nil
}

// RenameConversation sets a new title. An empty title is rejected before any
// store call; ownership failures are logged and leave the record untouched.
func (r *Reconciler) RenameConversation(ctx context.Context, id, newTitle string) error {
	if strings.TrimSpace(newTitle) == "" {
		return ErrEmptyTitle
	}
	user := r.sess.User()
	if user == nil {
		return auth.ErrNoSession
	}
	cur, err := r.st.Get(ctx, id)
	if err != nil {
		log.Printf("rename %s: %v", id, err)
		return err
	}
	if cur.UserID != user.ID {
		log.Printf("rename %s: record owned by another user", id)
		return ErrForbidden
	}
	now := r.now()
	if err := r.st.Put(ctx, id, store.Patch{Title: &newTitle, UpdatedAt: &now}, true); err != nil {
		log.Printf("rename %s: %v", id, err)
		return err
	}
	return nil
}

// DeleteConversation removes a conversation. A record that is already gone
// counts as success; deleting the active conversation resets the selection.
func (r *Reconciler) DeleteConversation(ctx context.Context, id string) error {
	user := r.sess.User()
	if user == nil {
		return auth.ErrNoSession
	}
	cur, err := r.st.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			r.resetIfActive(id)
			return nil
		}
		log.Printf("delete %s: %v", id, err)
		return err
	}
	if cur.UserID != user.ID {
		log.Printf("delete %s: record owned by another user", id)
		return ErrForbidden
	}
	if err := r.st.Delete(ctx, id); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("delete %s: %v", id, err)
		return err
	}
	r.resetIfActive(id)
	return nil
}

func (r *Reconciler) resetIfActive(id string) {
	r.mu.Lock()
	if r.sess.ActiveID() == id {
		r.resetSelectionLocked()
		r.mu.Unlock()
		r.notify()
		return
	}
	r.mu.Unlock()
}

// Phase reports the current exchange phase.
func (r *Reconciler) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Close detaches the live query and abandons any in-flight reveal.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.cancelRevealLocked()
	r.phase = PhaseIdle
	r.gen++
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (r *Reconciler) setLastBotLocked(msg store.Message) {
	if n := len(r.messages); n > 0 && r.messages[n-1].Sender == store.SenderBot {
		r.messages[n-1] = msg
		return
	}
	r.messages = append(r.messages, msg)
}

func (r *Reconciler) record(ev storage.Event) {
	if r.rec == nil {
		return
	}
	if err := r.rec.AppendInteraction(ev); err != nil {
		log.Printf("failed to record interaction: %v", err)
	}
}

// recordLockedUnsafe appends to the audit log while r.mu is held. The file
// recorder takes no reconciler locks, so this cannot deadlock.
func (r *Reconciler) recordLockedUnsafe(ev storage.Event) {
	r.record(ev)
}

func mediaMessage(reply llm.Reply) store.Message {
	msg := store.Message{Sender: store.SenderBot, Text: reply.Text}
	if len(reply.ImageParts) > 0 {
		msg.Image = dataURL(reply.ImageParts[0])
	}
	if len(reply.AudioParts) > 0 {
		msg.Audio = dataURL(reply.AudioParts[0])
	}
	return msg
}

func dataURL(b llm.Blob) string {
	return "data:" + b.MIMEType + ";base64," + b.Data
}

func titlePrefix(text string, n int) string {
	runes := []rune(text)
	if len(runes) > n {
		runes = runes[:n]
	}
	return string(runes) + "..."
}
