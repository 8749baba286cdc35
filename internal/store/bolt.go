package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var chatsBucket = []byte("chats")

// Bolt persists conversation records as JSON values in a single bbolt
// bucket keyed by record id.
type Bolt struct {
	db  *bolt.DB
	hub *hub
}

func NewBolt(path string) (*Bolt, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(chatsBucket)
		return e
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init bucket: %w", err)
	}
	return &Bolt{db: db, hub: newHub()}, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

func (b *Bolt) Get(_ context.Context, id string) (Conversation, error) {
	var out Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(chatsBucket).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		if e := json.Unmarshal(v, &out); e != nil {
			return fmt.Errorf("decode record %s: %w", id, e)
		}
		return nil
	})
	if err != nil {
		return Conversation{}, err
	}
	out.ID = id
	return out, nil
}

func (b *Bolt) Create(_ context.Context, c Conversation) (string, error) {
	id := uuid.NewString()
	c.ID = id
	err := b.db.Update(func(tx *bolt.Tx) error {
		v, e := json.Marshal(c)
		if e != nil {
			return e
		}
		return tx.Bucket(chatsBucket).Put([]byte(id), v)
	})
	if err != nil {
		return "", fmt.Errorf("create record: %w", err)
	}
	b.notify()
	return id, nil
}

func (b *Bolt) Put(_ context.Context, id string, p Patch, merge bool) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		v := bk.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var cur Conversation
		if e := json.Unmarshal(v, &cur); e != nil {
			return fmt.Errorf("decode record %s: %w", id, e)
		}
		if !merge {
			cur = Conversation{ID: id, UserID: cur.UserID, CreatedAt: cur.CreatedAt}
		}
		p.apply(&cur)
		nv, e := json.Marshal(cur)
		if e != nil {
			return e
		}
		return bk.Put([]byte(id), nv)
	})
	if err != nil {
		return err
	}
	b.notify()
	return nil
}

func (b *Bolt) Delete(_ context.Context, id string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(chatsBucket)
		if bk.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return bk.Delete([]byte(id))
	})
	if err != nil {
		return err
	}
	b.notify()
	return nil
}

func (b *Bolt) List(_ context.Context, f Filter) ([]Conversation, error) {
	return b.list(f)
}

func (b *Bolt) list(f Filter) ([]Conversation, error) {
	var out []Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(chatsBucket).ForEach(func(k, v []byte) error {
			var c Conversation
			if e := json.Unmarshal(v, &c); e != nil {
				// skip malformed entries instead of failing the whole scan
				return nil
			}
			c.ID = string(k)
			if f.matches(c) {
				out = append(out, c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	return out, nil
}

func (b *Bolt) Subscribe(_ context.Context, f Filter) (Subscription, error) {
	s := b.hub.subscribe(f)
	set, err := b.list(f)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.push(set)
	return s, nil
}

func (b *Bolt) notify() {
	b.hub.broadcast(func(f Filter) ([]Conversation, error) {
		return b.list(f)
	})
}
