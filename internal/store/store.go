package store

import (
	"context"
	"errors"
)

// Sender values persisted inside conversation records.
const (
	SenderUser = "user"
	SenderBot  = "bot"
)

var ErrNotFound = errors.New("record not found")

// Message is a single chat message. At least one of Text/Image/Audio must be
// set; Image and Audio carry inline data URLs.
type Message struct {
	Sender string `json:"sender"`
	Text   string `json:"text,omitempty"`
	Image  string `json:"image,omitempty"`
	Audio  string `json:"audio,omitempty"`
}

func (m Message) Empty() bool {
	return m.Text == "" && m.Image == "" && m.Audio == ""
}

// Conversation is the persisted record shape. The ID is store-assigned and
// not part of the serialized document.
type Conversation struct {
	ID        string    `json:"-"`
	Title     string    `json:"title"`
	Messages  []Message `json:"messages"`
	CreatedAt int64     `json:"createdAt"`
	UpdatedAt int64     `json:"updatedAt"`
	UserID    string    `json:"userId"`
}

// Clone returns a deep copy so callers cannot mutate stored state through
// returned slices.
func (c Conversation) Clone() Conversation {
	out := c
	out.Messages = append([]Message(nil), c.Messages...)
	return out
}

// Filter selects records for List and Subscribe. The zero value matches all.
type Filter struct {
	UserID string
}

func (f Filter) matches(c Conversation) bool {
	return f.UserID == "" || c.UserID == f.UserID
}

// Patch is a partial conversation update. With merge enabled, nil fields keep
// the stored value; without merge the patch replaces the whole document.
type Patch struct {
	Title     *string
	Messages  *[]Message
	UpdatedAt *int64
}

func (p Patch) apply(c *Conversation) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Messages != nil {
		c.Messages = append([]Message(nil), *p.Messages...)
	}
	if p.UpdatedAt != nil {
		c.UpdatedAt = *p.UpdatedAt
	}
}

// Subscription is a live query handle. Updates delivers the full current
// filtered record set whenever any matching record changes, coalesced to the
// latest state. Close releases the handle; it is safe to call twice.
type Subscription interface {
	Updates() <-chan []Conversation
	Errs() <-chan error
	// Done is closed when the subscription is closed.
	Done() <-chan struct{}
	Close()
}

// Store is the document store consumed by the reconciler. All operations may
// fail with transport errors; callers do not retry automatically.
type Store interface {
	Get(ctx context.Context, id string) (Conversation, error)
	Create(ctx context.Context, c Conversation) (string, error)
	Put(ctx context.Context, id string, p Patch, merge bool) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, f Filter) ([]Conversation, error)
	Subscribe(ctx context.Context, f Filter) (Subscription, error)
}
