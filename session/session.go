package session

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m4xw311/codexbridge/errors"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type Message struct {
	Role    Role   `json:"role"`
	Content Blocks `json:"content"`
}

// UserText builds a user message holding a single text block.
func UserText(text string) Message {
	return Message{Role: RoleUser, Content: Blocks{Text{Text: text}}}
}

// Thread is an in-memory conversation bound to a workspace root and a model.
type Thread struct {
	ID            string
	Name          string
	Model         string
	WorkspaceRoot string
	Messages      []Message
	CreatedAt     time.Time

	seq uint64
}

// ErrThreadNotFound is returned for ids the store does not know.
var ErrThreadNotFound = errors.Sentinel("thread not found")

// Store owns every thread. Callers receive copies; all mutation goes
// through the store so concurrent turns on different threads never share
// a slice.
type Store struct {
	mu      sync.RWMutex
	threads map[string]*Thread
	seq     uint64
}

func NewStore() *Store {
	return &Store{threads: make(map[string]*Thread)}
}

// Create registers a new thread with a random id.
func (s *Store) Create(name, model, root string) Thread {
	t := &Thread{
		ID:            uuid.NewString(),
		Name:          name,
		Model:         model,
		WorkspaceRoot: root,
		CreatedAt:     time.Now().UTC(),
	}
	s.mu.Lock()
	s.seq++
	t.seq = s.seq
	s.threads[t.ID] = t
	s.mu.Unlock()
	return t.snapshot()
}

// Get returns a copy of the thread.
func (s *Store) Get(id string) (Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, errors.Wrapf(ErrThreadNotFound, "%s", id)
	}
	return t.snapshot(), nil
}

// List returns copies of every thread ordered by creation time.
func (s *Store) List() []Thread {
	s.mu.RLock()
	out := make([]Thread, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, t.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Archive removes the thread from the store.
func (s *Store) Archive(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; !ok {
		return errors.Wrapf(ErrThreadNotFound, "%s", id)
	}
	delete(s.threads, id)
	return nil
}

// Append adds messages to the end of the thread history.
func (s *Store) Append(id string, msgs ...Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return errors.Wrapf(ErrThreadNotFound, "%s", id)
	}
	t.Messages = append(t.Messages, msgs...)
	return nil
}

// Messages returns a copy of the thread history.
func (s *Store) Messages(id string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, errors.Wrapf(ErrThreadNotFound, "%s", id)
	}
	return append([]Message(nil), t.Messages...), nil
}

// SetModel changes the model used for subsequent turns.
func (s *Store) SetModel(id, model string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return errors.Wrapf(ErrThreadNotFound, "%s", id)
	}
	t.Model = model
	return nil
}

func (t *Thread) snapshot() Thread {
	c := *t
	c.Messages = append([]Message(nil), t.Messages...)
	return c
}
