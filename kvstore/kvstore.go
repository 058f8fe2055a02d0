// Package kvstore provides the scoped key-value storage areas backing the
// auth session state: a durable area for the session itself and a transient
// area for in-flight login handshake state. Every backend publishes writes
// on a change bus so that other store consumers (including other processes,
// for the file backend) observe session replacements without polling.
package kvstore

import "sync"

// Reserved keys used by the auth packages. The names match the persisted
// state layout exactly and must not change between releases.
const (
	// KeySession holds the serialized UserSession in the durable area.
	KeySession = "session"
	// KeyPKCEVerifier holds the PKCE code verifier in the transient area
	// for the duration of one authorization round trip.
	KeyPKCEVerifier = "pkceKey"
	// KeyEntrypoint holds the pre-login destination URL, stored alongside
	// the verifier with the same lifecycle.
	KeyEntrypoint = "entrypoint"
)

// Event describes a single key change. Value is empty when Deleted is set.
// InstanceID identifies the writing store instance; changes made by other
// processes and observed by the file backend carry an empty InstanceID.
// Same-process subscribers receive every write, their own included.
type Event struct {
	Key        string
	Value      string
	Deleted    bool
	InstanceID string
}

// Store is a scoped get/set/delete view over one storage area.
// Get reports whether the key was present; absent keys are not errors.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
	Close() error
}

// Notifier is implemented by stores that can report key changes.
// Subscribe registers fn and returns a cancel function. Events are
// delivered synchronously in write order.
type Notifier interface {
	Subscribe(fn func(Event)) func()
}

// bus fans change events out to subscribers. Publication is synchronous:
// the single-writer model keeps ordering trivial and subscribers cheap.
type bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]func(Event)
}

func newBus() *bus {
	return &bus{subs: make(map[int]func(Event))}
}

func (b *bus) Subscribe(fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
	}
}

func (b *bus) Publish(event Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(event)
	}
}
