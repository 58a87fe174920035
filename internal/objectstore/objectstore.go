// Package objectstore implements the content-addressed + versioned
// object persistence layer (spec §4.1, §6): objects keyed by content
// hash under objects/, and version-head files under vheads/ mapping an
// ID hash to its current content hash.
//
// Filesystem access goes through afero.Fs so the same code runs against
// a real directory (afero.NewOsFs) or an in-memory filesystem in tests
// (afero.NewMemMapFs), mirroring the teacher's store-behind-an-interface
// pattern (internal/store.Storer) without tying persistence to SQLite.
package objectstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/kittclouds/topicengine/internal/canonical"
	"github.com/kittclouds/topicengine/internal/errs"
)

const (
	objectsDir = "objects"
	vheadsDir  = "vheads"
)

// Chained is implemented by domain types that carry their own
// previousVersion pointer (currently Summary). StoreVersioned validates
// that pointer resolves before writing.
type Chained interface {
	PrevVersionHash() *string
}

// HistoryEntry records one past version in a vhead's chain, letting
// IterateVersions walk backwards without re-deriving history from
// content that is no longer the "current" pointer anywhere else.
type HistoryEntry struct {
	Version     int    `json:"version"`
	ContentHash string `json:"contentHash"`
}

// VHead is the record persisted at vheads/<idHash>. The first three
// fields are exactly the spec's documented shape; History is an
// additive extension needed to support IterateVersions without
// depending on every domain type declaring its own back-pointer.
type VHead struct {
	CurrentHash  string         `json:"currentHash"`
	PreviousHash *string        `json:"previousHash"`
	Version      int            `json:"version"`
	History      []HistoryEntry `json:"history"`
}

// Store is the C1 object store.
type Store struct {
	fs   afero.Fs
	root string
	log  *zap.SugaredLogger

	vheadLocks sync.Map // idHash -> *sync.Mutex
}

// New creates a Store rooted at root on fs, creating the objects/ and
// vheads/ directories if absent.
func New(fs afero.Fs, root string, log *zap.SugaredLogger) (*Store, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	s := &Store{fs: fs, root: root, log: log}
	for _, d := range []string{objectsDir, vheadsDir} {
		if err := s.fs.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			return nil, errs.Wrap("objectstore", errs.InvariantViolation, "creating store directories", err)
		}
	}
	return s, nil
}

func (s *Store) objectPath(hash string) string { return filepath.Join(s.root, objectsDir, hash) }
func (s *Store) vheadPath(idHash string) string { return filepath.Join(s.root, vheadsDir, idHash) }

// writeAtomic writes data to path via a temp file + rename so a reader
// never observes a partially written file.
func (s *Store) writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return err
	}
	return s.fs.Rename(tmp, path)
}

// StoreUnversioned persists obj keyed by its content hash. Idempotent:
// writing the same content twice is a no-op on the second call.
func (s *Store) StoreUnversioned(obj canonical.Typed) (contentHash string, err error) {
	hash, raw, err := canonical.ContentHash(obj)
	if err != nil {
		return "", err
	}
	path := s.objectPath(hash)
	if exists, _ := afero.Exists(s.fs, path); exists {
		return hash, nil
	}
	if err := s.writeAtomic(path, raw); err != nil {
		return "", errs.Wrap("objectstore", errs.InvariantViolation, "writing object", err)
	}
	s.log.Debugw("stored unversioned object", "contentHash", hash, "type", obj.TypeName())
	return hash, nil
}

// StoreVersioned persists obj by content hash, then advances the vhead
// for its ID hash. The object file is always durable before the vhead
// is touched, so a crash between the two leaves the vhead pointing at
// the prior (still valid) version.
func (s *Store) StoreVersioned(obj canonical.IDFielded) (contentHash, idHash string, err error) {
	if chained, ok := obj.(Chained); ok {
		if prev := chained.PrevVersionHash(); prev != nil {
			if exists, _ := afero.Exists(s.fs, s.objectPath(*prev)); !exists {
				return "", "", errs.New("objectstore", errs.InvariantViolation,
					fmt.Sprintf("previousVersion %q does not resolve", *prev))
			}
		}
	}

	contentHash, raw, err := canonical.ContentHash(obj)
	if err != nil {
		return "", "", err
	}
	idHash, _, err = canonical.IDHash(obj)
	if err != nil {
		return "", "", err
	}

	objPath := s.objectPath(contentHash)
	if exists, _ := afero.Exists(s.fs, objPath); !exists {
		if err := s.writeAtomic(objPath, raw); err != nil {
			return "", "", errs.Wrap("objectstore", errs.InvariantViolation, "writing object", err)
		}
	}

	muAny, _ := s.vheadLocks.LoadOrStore(idHash, &sync.Mutex{})
	mu := muAny.(*sync.Mutex)
	mu.Lock()
	defer mu.Unlock()

	prior, err := s.readVHead(idHash)
	if err != nil && !errs.Is(err, errs.NotFound) {
		return "", "", err
	}

	next := VHead{CurrentHash: contentHash, Version: 1}
	if prior != nil {
		if prior.CurrentHash == contentHash {
			// identical content already current; nothing to advance.
			return contentHash, idHash, nil
		}
		prevHash := prior.CurrentHash
		next.PreviousHash = &prevHash
		next.Version = prior.Version + 1
		next.History = append(append([]HistoryEntry{}, prior.History...), HistoryEntry{
			Version: prior.Version, ContentHash: prior.CurrentHash,
		})
	}

	vraw, err := json.Marshal(next)
	if err != nil {
		return "", "", errs.Wrap("objectstore", errs.InvariantViolation, "marshal vhead", err)
	}
	if err := s.writeAtomic(s.vheadPath(idHash), vraw); err != nil {
		return "", "", errs.Wrap("objectstore", errs.InvariantViolation, "writing vhead", err)
	}

	s.log.Debugw("stored versioned object", "idHash", idHash, "contentHash", contentHash, "version", next.Version)
	return contentHash, idHash, nil
}

func (s *Store) readVHead(idHash string) (*VHead, error) {
	raw, err := afero.ReadFile(s.fs, s.vheadPath(idHash))
	if err != nil {
		return nil, errs.New("objectstore", errs.NotFound, "vhead "+idHash)
	}
	var v VHead
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, errs.Wrap("objectstore", errs.CorruptObject, "decoding vhead "+idHash, err)
	}
	return &v, nil
}

// GetRawByContentHash returns the verified canonical bytes for hash.
func (s *Store) GetRawByContentHash(hash string) ([]byte, error) {
	if _, err := hex.DecodeString(hash); err != nil || len(hash) != 64 {
		return nil, errs.New("objectstore", errs.NotFound, "malformed content hash")
	}
	raw, err := afero.ReadFile(s.fs, s.objectPath(hash))
	if err != nil {
		return nil, errs.New("objectstore", errs.NotFound, "content hash "+hash)
	}
	sum, _, hashErr := rehash(raw)
	if hashErr != nil {
		return nil, hashErr
	}
	if sum != hash {
		return nil, errs.New("objectstore", errs.CorruptObject,
			fmt.Sprintf("recomputed hash %s disagrees with filename %s", sum, hash))
	}
	return raw, nil
}

func rehash(raw []byte) (string, []byte, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", nil, errs.Wrap("objectstore", errs.CorruptObject, "decoding stored object", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), raw, nil
}

// GetByContentHash decodes the object stored at hash into T.
func GetByContentHash[T any](s *Store, hash string) (T, error) {
	var zero T
	raw, err := s.GetRawByContentHash(hash)
	if err != nil {
		return zero, err
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return zero, errs.Wrap("objectstore", errs.CorruptObject, "decoding object "+hash, err)
	}
	return out, nil
}

// GetByIDHash follows the vhead for idHash and decodes the current
// version into T.
func GetByIDHash[T any](s *Store, idHash string) (obj T, contentHash string, err error) {
	var zero T
	v, err := s.readVHead(idHash)
	if err != nil {
		return zero, "", err
	}
	obj, err = GetByContentHash[T](s, v.CurrentHash)
	if err != nil {
		return zero, "", err
	}
	return obj, v.CurrentHash, nil
}

// IterateVersions returns every version of idHash, newest first.
func IterateVersions[T any](s *Store, idHash string) ([]T, error) {
	v, err := s.readVHead(idHash)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]T, 0, len(v.History)+1)
	cur, err := GetByContentHash[T](s, v.CurrentHash)
	if err != nil {
		return nil, err
	}
	out = append(out, cur)
	for i := len(v.History) - 1; i >= 0; i-- {
		obj, err := GetByContentHash[T](s, v.History[i].ContentHash)
		if err != nil {
			return nil, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// Exists reports whether idHash currently resolves to a version.
func (s *Store) Exists(idHash string) bool {
	_, err := s.readVHead(idHash)
	return err == nil
}
