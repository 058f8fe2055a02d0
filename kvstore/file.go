package kvstore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// File is a durable store persisting one JSON document on disk. Writes are
// atomic (temp file + rename) and always replace the whole document, so a
// concurrent reader never observes a partially written state.
//
// An fsnotify watcher republishes modifications made by other processes on
// the change bus, which is what stands in for the browser's cross-tab
// storage event: several processes sharing one state file observe each
// other's session replacements.
type File struct {
	path       string
	mu         sync.Mutex
	snapshot   map[string]string
	bus        *bus
	instanceID string
	watcher    *fsnotify.Watcher
	done       chan struct{}
	log        zerolog.Logger
}

// FileOption configures a File store.
type FileOption func(*File)

// WithFileLogger sets the logger used by the background watcher.
func WithFileLogger(logger zerolog.Logger) FileOption {
	return func(f *File) { f.log = logger }
}

// NewFile opens (or creates) the store at path and starts watching for
// external modifications.
func NewFile(path string, options ...FileOption) (*File, error) {
	f := &File{
		path:       path,
		bus:        newBus(),
		instanceID: uuid.New().String(),
		done:       make(chan struct{}),
		log:        log.Logger,
	}
	for _, opt := range options {
		opt(f)
	}

	snapshot, err := f.load()
	if err != nil {
		return nil, errors.Wrap(err, "[NewFile] initial load")
	}
	f.snapshot = snapshot

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "[NewFile] fsnotify.NewWatcher")
	}
	// Watch the directory rather than the file: atomic renames replace the
	// inode, which would silently detach a file-level watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, errors.Wrap(err, "[NewFile] watcher.Add")
	}
	f.watcher = watcher

	go f.watch()
	return f, nil
}

// Get re-reads the document from disk so that changes made by other
// processes are always visible.
func (f *File) Get(key string) (string, bool, error) {
	values, err := f.load()
	if err != nil {
		return "", false, errors.Wrap(err, "[File.Get] load")
	}
	value, ok := values[key]
	return value, ok, nil
}

// Set stores value under key, rewriting the whole document.
func (f *File) Set(key, value string) error {
	f.mu.Lock()
	values, err := f.load()
	if err != nil {
		f.mu.Unlock()
		return errors.Wrap(err, "[File.Set] load")
	}
	values[key] = value
	if err := f.write(values); err != nil {
		f.mu.Unlock()
		return errors.Wrap(err, "[File.Set] write")
	}
	f.snapshot = values
	f.mu.Unlock()

	f.bus.Publish(Event{Key: key, Value: value, InstanceID: f.instanceID})
	return nil
}

// Delete removes key, rewriting the whole document.
func (f *File) Delete(key string) error {
	f.mu.Lock()
	values, err := f.load()
	if err != nil {
		f.mu.Unlock()
		return errors.Wrap(err, "[File.Delete] load")
	}
	_, existed := values[key]
	delete(values, key)
	if existed {
		if err := f.write(values); err != nil {
			f.mu.Unlock()
			return errors.Wrap(err, "[File.Delete] write")
		}
		f.snapshot = values
	}
	f.mu.Unlock()

	if existed {
		f.bus.Publish(Event{Key: key, Deleted: true, InstanceID: f.instanceID})
	}
	return nil
}

// Subscribe implements Notifier. External modifications are delivered with
// an empty InstanceID.
func (f *File) Subscribe(fn func(Event)) func() {
	return f.bus.Subscribe(fn)
}

// Close stops the watcher.
func (f *File) Close() error {
	close(f.done)
	return f.watcher.Close()
}

func (f *File) load() (map[string]string, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, err
	}

	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		// A corrupt document is treated as absent state: the session layer
		// fails open to unauthenticated rather than erroring.
		f.log.Warn().Err(err).Str("path", f.path).Msg("kvstore: discarding corrupt state file")
		return map[string]string{}, nil
	}
	return values, nil
}

func (f *File) write(values map[string]string) error {
	data, err := json.Marshal(values)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), ".kvstore-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), f.path)
}

// watch republishes external file modifications as change events. Own
// writes update the snapshot under lock before the rename lands, so they
// diff to nothing here and are not published twice.
func (f *File) watch() {
	for {
		select {
		case <-f.done:
			return
		case event, ok := <-f.watcher.Events:
			if !ok {
				return
			}
			if event.Name != f.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			f.publishExternalChanges()
		case err, ok := <-f.watcher.Errors:
			if !ok {
				return
			}
			f.log.Warn().Err(err).Str("path", f.path).Msg("kvstore: watch error")
		}
	}
}

func (f *File) publishExternalChanges() {
	f.mu.Lock()
	current, err := f.load()
	if err != nil {
		f.mu.Unlock()
		f.log.Warn().Err(err).Str("path", f.path).Msg("kvstore: reload after external change failed")
		return
	}
	previous := f.snapshot
	f.snapshot = current

	var events []Event
	for key, value := range current {
		if previous[key] != value {
			events = append(events, Event{Key: key, Value: value})
		}
	}
	for key := range previous {
		if _, still := current[key]; !still {
			events = append(events, Event{Key: key, Deleted: true})
		}
	}
	f.mu.Unlock()

	for _, event := range events {
		f.bus.Publish(event)
	}
}
