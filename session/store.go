package session

import (
	"encoding/json"

	"github.com/jrsteele09/go-auth-client/kvstore"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Store is the typed session wrapper around a durable key-value area.
// Every read validates the stored shape; anything unreadable is treated
// as "no session" rather than an error, so corrupt state degrades to the
// logged-out state instead of wedging the app.
type Store struct {
	kv         kvstore.Store
	sealer     *sealer
	sealSecret []byte
	log        zerolog.Logger
}

// StoreOption defines a function type to modify the Store instance.
type StoreOption func(*Store)

// WithSealSecret enables at-rest encryption of the stored session with
// the given 32-byte key.
func WithSealSecret(secret []byte) StoreOption {
	return func(s *Store) { s.sealSecret = secret }
}

// WithLogger sets the store's logger.
func WithLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) { s.log = logger }
}

// NewStore creates a session store over the durable key-value area.
func NewStore(kv kvstore.Store, options ...StoreOption) (*Store, error) {
	if kv == nil {
		return nil, errors.New("[NewStore] kv store is required")
	}

	store := &Store{kv: kv, log: log.Logger}
	for _, opt := range options {
		opt(store)
	}

	if store.sealSecret != nil {
		sealer, err := newSealer(store.sealSecret)
		if err != nil {
			return nil, err
		}
		store.sealer = sealer
	}
	return store, nil
}

// Get returns a copy of the stored session, or ErrNoSession when absent,
// corrupt, or shape-invalid.
func (s *Store) Get() (*UserSession, error) {
	raw, ok, err := s.kv.Get(kvstore.KeySession)
	if err != nil {
		return nil, errors.Wrap(err, "[Store.Get] kv.Get")
	}
	if !ok {
		return nil, ErrNoSession
	}

	session, ok := s.decode(raw)
	if !ok {
		return nil, ErrNoSession
	}
	return session, nil
}

// Set validates and persists the whole session object. Partial updates
// are impossible by construction: callers always replace the session.
func (s *Store) Set(session *UserSession) error {
	if session == nil {
		return errors.New("[Store.Set] session is required")
	}
	if err := session.Validate(); err != nil {
		return errors.Wrap(err, "[Store.Set] invalid session")
	}

	data, err := json.Marshal(session)
	if err != nil {
		return errors.Wrap(err, "[Store.Set] marshal")
	}

	value := string(data)
	if s.sealer != nil {
		if value, err = s.sealer.Seal(data); err != nil {
			return errors.Wrap(err, "[Store.Set] seal")
		}
	}

	if err := s.kv.Set(kvstore.KeySession, value); err != nil {
		return errors.Wrap(err, "[Store.Set] kv.Set")
	}
	return nil
}

// Clear removes the stored session.
func (s *Store) Clear() error {
	if err := s.kv.Delete(kvstore.KeySession); err != nil {
		return errors.Wrap(err, "[Store.Clear] kv.Delete")
	}
	return nil
}

// Subscribe registers fn for session replacements, including those made
// by other store instances or processes sharing the backing store. fn
// receives nil when the session was cleared or replaced with something
// unreadable. Returns a no-op cancel when the backing store cannot
// notify.
func (s *Store) Subscribe(fn func(*UserSession)) func() {
	notifier, ok := s.kv.(kvstore.Notifier)
	if !ok {
		return func() {}
	}

	return notifier.Subscribe(func(event kvstore.Event) {
		if event.Key != kvstore.KeySession {
			return
		}
		if event.Deleted {
			fn(nil)
			return
		}
		session, ok := s.decode(event.Value)
		if !ok {
			fn(nil)
			return
		}
		fn(session)
	})
}

// decode unmarshals (and unseals) a raw stored value, reporting false
// for anything that cannot be fully trusted.
func (s *Store) decode(raw string) (*UserSession, bool) {
	data := []byte(raw)
	if s.sealer != nil {
		unsealed, err := s.sealer.Unseal(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("session: discarding unsealable stored session")
			return nil, false
		}
		data = unsealed
	}

	var session UserSession
	if err := json.Unmarshal(data, &session); err != nil {
		s.log.Warn().Err(err).Msg("session: discarding unparsable stored session")
		return nil, false
	}
	if err := session.Validate(); err != nil {
		return nil, false
	}
	return &session, true
}
