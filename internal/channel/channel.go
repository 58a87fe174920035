// Package channel implements the append-only per-channel object log and
// multi-channel merge iteration (spec §4.2).
package channel

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/kittclouds/topicengine/internal/canonical"
	"github.com/kittclouds/topicengine/internal/errs"
	"github.com/kittclouds/topicengine/internal/objectstore"
)

const channelsDir = "channels"

const osAppendFlags = os.O_APPEND | os.O_CREATE | os.O_WRONLY

// Entry is one append-only record in a channel's log.
type Entry struct {
	ChannelID   string `json:"channelId"`
	ContentHash string `json:"contentHash"`
	Timestamp   int64  `json:"timestamp"`
	AuthorID    string `json:"authorId"`
}

// ChannelInfo names a logical channel; federation (multiple owners of
// the same logical channel) is modeled by Owner, though this local-only
// implementation always returns a single owner ("local").
type ChannelInfo struct {
	ChannelID string
	Owner     string
}

// UpdateHandler receives notification of new entries on any channel it
// is subscribed to.
type UpdateHandler func(channelInfoIDHash, channelID, channelOwner string, timeOfEarliestChange int64)

// Manager is the C2 Channel Manager.
type Manager struct {
	fs    afero.Fs
	root  string
	store *objectstore.Store
	log   *zap.SugaredLogger

	mu        sync.Mutex
	appendMus map[string]*sync.Mutex

	subMu    sync.Mutex
	handlers map[int]UpdateHandler
	nextSub  int
}

// New creates a Manager writing channel logs under root/channels.
func New(fs afero.Fs, root string, store *objectstore.Store, log *zap.SugaredLogger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if err := fs.MkdirAll(filepath.Join(root, channelsDir), 0o755); err != nil {
		return nil, errs.Wrap("channel", errs.InvariantViolation, "creating channels directory", err)
	}
	return &Manager{
		fs:        fs,
		root:      root,
		store:     store,
		log:       log,
		appendMus: make(map[string]*sync.Mutex),
		handlers:  make(map[int]UpdateHandler),
	}, nil
}

func (m *Manager) logPath(channelID string) string {
	return filepath.Join(m.root, channelsDir, channelID, "log")
}

func (m *Manager) appendLock(channelID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	mu, ok := m.appendMus[channelID]
	if !ok {
		mu = &sync.Mutex{}
		m.appendMus[channelID] = mu
	}
	return mu
}

// PostToChannel stores obj via the object store, appends an entry to
// channelID's log, and notifies subscribers.
func (m *Manager) PostToChannel(channelID string, obj canonical.Typed, authorID string, timestamp int64) (Entry, error) {
	contentHash, err := m.store.StoreUnversioned(obj)
	if err != nil {
		return Entry{}, err
	}

	entry := Entry{ChannelID: channelID, ContentHash: contentHash, Timestamp: timestamp, AuthorID: authorID}

	mu := m.appendLock(channelID)
	mu.Lock()
	defer mu.Unlock()

	if err := m.fs.MkdirAll(filepath.Join(m.root, channelsDir, channelID), 0o755); err != nil {
		return Entry{}, errs.Wrap("channel", errs.InvariantViolation, "creating channel directory", err)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, errs.Wrap("channel", errs.InvariantViolation, "marshalling entry", err)
	}
	line = append(line, '\n')

	f, err := m.fs.OpenFile(m.logPath(channelID), osAppendFlags, 0o644)
	if err != nil {
		return Entry{}, errs.Wrap("channel", errs.InvariantViolation, "opening channel log", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return Entry{}, errs.Wrap("channel", errs.InvariantViolation, "appending channel log", err)
	}

	m.notify(channelID, timestamp)
	m.log.Debugw("posted to channel", "channelId", channelID, "contentHash", contentHash)
	return entry, nil
}

// GetMatchingChannelInfos returns the channels matching channelID. This
// local-only implementation has exactly one owner per channel.
func (m *Manager) GetMatchingChannelInfos(channelID string) []ChannelInfo {
	return []ChannelInfo{{ChannelID: channelID, Owner: "local"}}
}

// ReadEntries reads every entry appended to channelID's log, in append
// order.
func (m *Manager) ReadEntries(channelID string) ([]Entry, error) {
	exists, err := afero.Exists(m.fs, m.logPath(channelID))
	if err != nil {
		return nil, errs.Wrap("channel", errs.InvariantViolation, "checking channel log", err)
	}
	if !exists {
		return nil, nil
	}
	f, err := m.fs.Open(m.logPath(channelID))
	if err != nil {
		return nil, errs.Wrap("channel", errs.InvariantViolation, "opening channel log", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, errs.Wrap("channel", errs.CorruptObject, "decoding channel entry", err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, errs.Wrap("channel", errs.InvariantViolation, "scanning channel log", err)
	}
	return entries, nil
}

// EntryWithObject pairs a channel entry with its decoded object.
type EntryWithObject[T any] struct {
	Entry Entry
	Obj   T
}

// DecodeByType reads a single channel in append order, or merges entries
// from several channels in infos in timestamp order (ties broken by
// content hash), deduplicates repeated content
// hashes, keeps only entries whose object carries the "$type$" tag
// typeName (channels interleave Messages, Keywords, Subjects and
// Summaries), and decodes the survivors into T.
func DecodeByType[T any](m *Manager, infos []ChannelInfo, typeName string) ([]EntryWithObject[T], error) {
	var all []Entry
	for _, info := range infos {
		entries, err := m.ReadEntries(info.ChannelID)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}

	if len(infos) > 1 {
		sort.SliceStable(all, func(i, j int) bool {
			if all[i].Timestamp != all[j].Timestamp {
				return all[i].Timestamp < all[j].Timestamp
			}
			return all[i].ContentHash < all[j].ContentHash
		})
	}

	seen := make(map[string]bool, len(all))
	out := make([]EntryWithObject[T], 0, len(all))
	for _, e := range all {
		if seen[e.ContentHash] {
			continue
		}
		seen[e.ContentHash] = true

		raw, err := m.store.GetRawByContentHash(e.ContentHash)
		if err != nil {
			return nil, err
		}
		var tagged struct {
			Type string `json:"$type$"`
		}
		if err := json.Unmarshal(raw, &tagged); err != nil {
			return nil, errs.Wrap("channel", errs.CorruptObject, "decoding object tag", err)
		}
		if tagged.Type != typeName {
			continue
		}

		var obj T
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, errs.Wrap("channel", errs.CorruptObject, "decoding typed object", err)
		}
		out = append(out, EntryWithObject[T]{Entry: e, Obj: obj})
	}
	return out, nil
}

// OnUpdated subscribes handler to channel:updated notifications,
// returning an unsubscribe function.
func (m *Manager) OnUpdated(handler UpdateHandler) (unsubscribe func()) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	id := m.nextSub
	m.nextSub++
	m.handlers[id] = handler
	return func() {
		m.subMu.Lock()
		defer m.subMu.Unlock()
		delete(m.handlers, id)
	}
}

func (m *Manager) notify(channelID string, timestamp int64) {
	m.subMu.Lock()
	handlers := make([]UpdateHandler, 0, len(m.handlers))
	for _, h := range m.handlers {
		handlers = append(handlers, h)
	}
	m.subMu.Unlock()

	idHash := fmt.Sprintf("%x", []byte(channelID)) // stable, human-debuggable; not a content hash
	for _, h := range handlers {
		h(idHash, channelID, "local", timestamp)
	}
}
