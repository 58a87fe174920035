// Package keywordstore implements C4: typed operations over Keyword,
// Subject and Summary objects on top of the object store and channel
// manager, with TTL caches and the term/id reverse-index maps the spec
// names (spec §4.4).
package keywordstore

import (
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/kittclouds/topicengine/internal/channel"
	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/errs"
	"github.com/kittclouds/topicengine/internal/objectstore"
)

// Store is the C4 Keyword/Subject Store.
type Store struct {
	objects  *objectstore.Store
	channels *channel.Manager
	log      *zap.SugaredLogger

	keywordCache *lru.LRU[string, []domain.Keyword] // topicId -> keywords
	subjectCache *lru.LRU[string, []domain.Subject]  // topicId -> subjects

	mu            sync.RWMutex
	keywordIDHash map[string]string // term -> Keyword ID hash
	subjectIDHash map[string]string // subject id -> Subject ID hash
}

// New creates a Store. cacheTTL is the spec's keywordCacheTtlMs, shared
// by both the keyword and the subject listing caches.
func New(objects *objectstore.Store, channels *channel.Manager, cacheTTL time.Duration, log *zap.SugaredLogger) *Store {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Store{
		objects:       objects,
		channels:      channels,
		log:           log,
		keywordCache:  lru.NewLRU[string, []domain.Keyword](1024, nil, cacheTTL),
		subjectCache:  lru.NewLRU[string, []domain.Subject](1024, nil, cacheTTL),
		keywordIDHash: make(map[string]string),
		subjectIDHash: make(map[string]string),
	}
}

func (s *Store) rememberKeywordIDHash(term, idHash string) {
	s.mu.Lock()
	s.keywordIDHash[term] = idHash
	s.mu.Unlock()
}

func (s *Store) rememberSubjectIDHash(id, idHash string) {
	s.mu.Lock()
	s.subjectIDHash[id] = idHash
	s.mu.Unlock()
}

func (s *Store) invalidate(topicID string) {
	s.keywordCache.Remove(topicID)
	s.subjectCache.Remove(topicID)
}

// CombinationID forms the sorted-join Subject ID from member terms.
func CombinationID(terms []string) string {
	sorted := append([]string(nil), terms...)
	sort.Strings(sorted)
	return strings.Join(sorted, "+")
}

// GetKeywordByTerm returns the latest version of term as posted to
// topicId's channel — the channel history, not the vhead, is the
// source of truth (spec §4.4).
func (s *Store) GetKeywordByTerm(topicID, term string) (domain.Keyword, bool, error) {
	infos := s.channels.GetMatchingChannelInfos(topicID)
	entries, err := channel.DecodeByType[domain.Keyword](s.channels, infos, domain.Keyword{}.TypeName())
	if err != nil {
		return domain.Keyword{}, false, err
	}
	var latest *domain.Keyword
	for i := range entries {
		if entries[i].Obj.Term == term {
			kw := entries[i].Obj
			latest = &kw
		}
	}
	if latest == nil {
		return domain.Keyword{}, false, nil
	}
	return *latest, true, nil
}

// upsertKeyword writes a new Keyword version (creating it if absent) and
// posts it to topicId's channel, returning the ID hash.
func (s *Store) upsertKeyword(topicID string, kw domain.Keyword, authorID string, now int64) (string, error) {
	_, idHash, err := s.objects.StoreVersioned(kw)
	if err != nil {
		return "", err
	}
	if _, err := s.channels.PostToChannel(topicID, kw, authorID, now); err != nil {
		return "", err
	}
	s.rememberKeywordIDHash(kw.Term, idHash)
	s.invalidate(topicID)
	return idHash, nil
}

// CreateSubject implements createSubject: every member term's Keyword is
// stored first; only then is the Subject stored referencing the
// now-durable Keyword ID hashes. Violating this order is the spec's
// canonical InvariantViolation example.
func (s *Store) CreateSubject(topicID string, keywordTerms []string, combinationID, description string, confidence *float64, now int64) (domain.Subject, string, error) {
	if combinationID == "" {
		combinationID = CombinationID(keywordTerms)
	}

	keywordIDHashes := make([]string, 0, len(keywordTerms))
	created := make(map[string]domain.Keyword, len(keywordTerms))
	for _, term := range keywordTerms {
		existing, found, err := s.GetKeywordByTerm(topicID, term)
		var idHash string
		if err != nil {
			return domain.Subject{}, "", err
		}
		if found {
			existing.LastSeen = now
			idHash, err = s.upsertKeyword(topicID, existing, "system", now)
		} else {
			kw := domain.Keyword{
				Term:      term,
				Frequency: 1,
				Subjects:  []string{},
				Score:     0,
				CreatedAt: now,
				LastSeen:  now,
			}
			idHash, err = s.upsertKeyword(topicID, kw, "system", now)
			created[term] = kw
		}
		if err != nil {
			return domain.Subject{}, "", err
		}
		keywordIDHashes = append(keywordIDHashes, idHash)
	}

	// Every Keyword ID hash above is now durable: a Subject referencing
	// one that didn't resolve would be the spec's InvariantViolation.
	for _, h := range keywordIDHashes {
		if !s.objects.Exists(h) {
			return domain.Subject{}, "", errs.New("keywordstore", errs.InvariantViolation,
				"subject references a keyword ID hash that does not resolve: "+h)
		}
	}

	subject := domain.Subject{
		ID:           combinationID,
		Topic:        topicID,
		Keywords:     keywordIDHashes,
		TimeRanges:   []domain.TimeRange{{Start: now, End: now}},
		MessageCount: 1,
		Description:  description,
		Confidence:   confidence,
		CreatedAt:    now,
		LastSeenAt:   now,
	}

	_, idHash, err := s.objects.StoreVersioned(subject)
	if err != nil {
		return domain.Subject{}, "", err
	}
	if _, err := s.channels.PostToChannel(topicID, subject, "system", now); err != nil {
		return domain.Subject{}, "", err
	}
	s.rememberSubjectIDHash(subject.ID, idHash)

	// The new Subject back-references every member Keyword; now fold
	// the Subject's own ID hash into each Keyword's subjects[] set. A
	// Keyword created above already counts this mention, so it only gains
	// the back-reference; a pre-existing one goes through
	// AddKeywordToSubject.
	for _, term := range keywordTerms {
		if kw, isNew := created[term]; isNew {
			kw.Subjects = []string{idHash}
			if _, err := s.upsertKeyword(topicID, kw, "system", now); err != nil {
				return domain.Subject{}, "", err
			}
			continue
		}
		if err := s.AddKeywordToSubject(topicID, term, idHash, now); err != nil {
			return domain.Subject{}, "", err
		}
	}

	s.invalidate(topicID)
	return subject, idHash, nil
}

// AddKeywordToSubject implements addKeywordToSubject: if the Keyword
// exists, write a new version with incremented frequency, refreshed
// lastSeen, and subjectIDHash folded into subjects[]; otherwise create
// it linked to the subject from the start.
func (s *Store) AddKeywordToSubject(topicID, term, subjectIDHash string, now int64) error {
	existing, found, err := s.GetKeywordByTerm(topicID, term)
	if err != nil {
		return err
	}

	var kw domain.Keyword
	if found {
		kw = existing
		kw.Frequency++
		kw.LastSeen = now
		if !containsString(kw.Subjects, subjectIDHash) {
			kw.Subjects = append(kw.Subjects, subjectIDHash)
		}
	} else {
		kw = domain.Keyword{
			Term:      term,
			Frequency: 1,
			Subjects:  []string{subjectIDHash},
			CreatedAt: now,
			LastSeen:  now,
		}
	}

	if _, err := s.upsertKeyword(topicID, kw, "system", now); err != nil {
		return err
	}
	return nil
}

func containsString(haystack []string, needle string) bool {
	for _, h := range haystack {
		if h == needle {
			return true
		}
	}
	return false
}

// RefreshKeyword bumps an existing Keyword's frequency/lastSeen/
// confidence without changing its subjects[] set, for a standalone
// mention that didn't form or extend a Subject this pass. No-op if the
// term has no existing Keyword.
func (s *Store) RefreshKeyword(topicID, term string, confidence *float64, now int64) error {
	existing, found, err := s.GetKeywordByTerm(topicID, term)
	if err != nil || !found {
		return err
	}
	existing.Frequency++
	existing.LastSeen = now
	existing.Confidence = confidence
	_, err = s.upsertKeyword(topicID, existing, "system", now)
	return err
}

// FindSubjectsByKeyword resolves every Subject referenced in term's
// Keyword.subjects[] set (which may span topics, supporting C9's
// cross-topic proposal ranking).
func (s *Store) FindSubjectsByKeyword(topicID, term string) ([]domain.Subject, error) {
	kw, found, err := s.GetKeywordByTerm(topicID, term)
	if err != nil || !found {
		return nil, err
	}
	subjects := make([]domain.Subject, 0, len(kw.Subjects))
	for _, idHash := range kw.Subjects {
		subj, _, err := objectstore.GetByIDHash[domain.Subject](s.objects, idHash)
		if err != nil {
			if errs.Is(err, errs.NotFound) {
				continue
			}
			return nil, err
		}
		subjects = append(subjects, subj)
	}
	return subjects, nil
}

// GetKeywordWithSubjects is a convenience combining GetKeywordByTerm and
// FindSubjectsByKeyword.
func (s *Store) GetKeywordWithSubjects(topicID, term string) (domain.Keyword, []domain.Subject, error) {
	kw, found, err := s.GetKeywordByTerm(topicID, term)
	if err != nil || !found {
		return domain.Keyword{}, nil, err
	}
	subjects, err := s.FindSubjectsByKeyword(topicID, term)
	return kw, subjects, err
}

// ListKeywords returns every distinct term's latest Keyword for
// topicID, from the 5s TTL cache when fresh.
func (s *Store) ListKeywords(topicID string) ([]domain.Keyword, error) {
	if cached, ok := s.keywordCache.Get(topicID); ok {
		return cached, nil
	}

	infos := s.channels.GetMatchingChannelInfos(topicID)
	entries, err := channel.DecodeByType[domain.Keyword](s.channels, infos, domain.Keyword{}.TypeName())
	if err != nil {
		return nil, err
	}
	latestByTerm := make(map[string]domain.Keyword, len(entries))
	for _, e := range entries {
		latestByTerm[e.Obj.Term] = e.Obj
	}
	out := make([]domain.Keyword, 0, len(latestByTerm))
	for _, kw := range latestByTerm {
		out = append(out, kw)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Term < out[j].Term })

	s.keywordCache.Add(topicID, out)
	return out, nil
}

// ListSubjects returns every distinct subject ID's latest Subject for
// topicID. Archived subjects are excluded unless includeArchived is set.
func (s *Store) ListSubjects(topicID string, includeArchived bool) ([]domain.Subject, error) {
	cacheKey := topicID
	if includeArchived {
		cacheKey = topicID + "\x00archived"
	}
	if cached, ok := s.subjectCache.Get(cacheKey); ok {
		return cached, nil
	}

	infos := s.channels.GetMatchingChannelInfos(topicID)
	entries, err := channel.DecodeByType[domain.Subject](s.channels, infos, domain.Subject{}.TypeName())
	if err != nil {
		return nil, err
	}
	latestByID := make(map[string]domain.Subject, len(entries))
	for _, e := range entries {
		latestByID[e.Obj.ID] = e.Obj
	}
	out := make([]domain.Subject, 0, len(latestByID))
	for _, subj := range latestByID {
		if subj.Archived && !includeArchived {
			continue
		}
		out = append(out, subj)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	s.subjectCache.Add(cacheKey, out)
	return out, nil
}

// UpdateSubjectRecurrence writes subj as a new version as-is (its
// Keywords field is left untouched), used when a Subject recurs and
// only its message count / time ranges / description need updating.
func (s *Store) UpdateSubjectRecurrence(topicID string, subj domain.Subject, now int64) error {
	_, idHash, err := s.objects.StoreVersioned(subj)
	if err != nil {
		return err
	}
	if _, err := s.channels.PostToChannel(topicID, subj, "system", now); err != nil {
		return err
	}
	s.rememberSubjectIDHash(subj.ID, idHash)
	s.invalidate(topicID)
	return nil
}

// ArchiveSubject writes a new Subject version with archived=true.
func (s *Store) ArchiveSubject(topicID, subjectID string, now int64) error {
	subjects, err := s.ListSubjects(topicID, true)
	if err != nil {
		return err
	}
	for _, subj := range subjects {
		if subj.ID != subjectID {
			continue
		}
		subj.Archived = true
		_, idHash, err := s.objects.StoreVersioned(subj)
		if err != nil {
			return err
		}
		if _, err := s.channels.PostToChannel(topicID, subj, "system", now); err != nil {
			return err
		}
		s.rememberSubjectIDHash(subj.ID, idHash)
		s.invalidate(topicID)
		return nil
	}
	return errs.New("keywordstore", errs.NotFound, "subject "+subjectID)
}

// ExtendOrAppendTimeRange implements the analyzer's time-range update
// (spec §4.6 step 7): a recurrence within 5 minutes of the latest range
// extends it; otherwise a new range is appended.
func ExtendOrAppendTimeRange(ranges []domain.TimeRange, now int64) []domain.TimeRange {
	const fiveMinutesMs = 5 * 60 * 1000
	if len(ranges) == 0 {
		return []domain.TimeRange{{Start: now, End: now}}
	}
	last := &ranges[len(ranges)-1]
	if now-last.End <= fiveMinutesMs {
		last.End = now
		return ranges
	}
	return append(ranges, domain.TimeRange{Start: now, End: now})
}
