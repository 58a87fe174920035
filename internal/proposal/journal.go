package proposal

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/kittclouds/topicengine/internal/domain"
	"github.com/kittclouds/topicengine/internal/errs"
)

const journalPath = "journals/proposals.log"

// FileJournal is the append-only journals/proposals.log implementation
// of Journal (spec §6), mirroring the channel manager's O_APPEND log
// files but without content-addressing: journal
// entries are small and never looked up by hash.
type FileJournal struct {
	fs   afero.Fs
	root string
	mu   sync.Mutex
}

// NewFileJournal creates a FileJournal rooted at root on fs.
func NewFileJournal(fs afero.Fs, root string) (*FileJournal, error) {
	if err := fs.MkdirAll(filepath.Join(root, "journals"), 0o755); err != nil {
		return nil, errs.Wrap("proposal", errs.InvariantViolation, "creating journals directory", err)
	}
	return &FileJournal{fs: fs, root: root}, nil
}

func (j *FileJournal) path() string { return filepath.Join(j.root, journalPath) }

// Record appends entry to the journal.
func (j *FileJournal) Record(entry domain.ProposalJournalEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return errs.Wrap("proposal", errs.InvariantViolation, "marshalling journal entry", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := j.fs.OpenFile(j.path(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errs.Wrap("proposal", errs.InvariantViolation, "opening journal", err)
	}
	defer f.Close()
	if _, err := f.Write(line); err != nil {
		return errs.Wrap("proposal", errs.InvariantViolation, "appending journal entry", err)
	}
	return nil
}

// IsDismissed reports whether pastSubjectIDHash was ever dismissed for
// topicID. A later share() does not un-dismiss a prior dismiss(); the
// journal is a record of lifecycle events, not a toggle.
func (j *FileJournal) IsDismissed(topicID, pastSubjectIDHash string) (bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	f, err := j.fs.Open(j.path())
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errs.Wrap("proposal", errs.InvariantViolation, "opening journal", err)
	}
	defer f.Close()

	dismissed := false
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var entry domain.ProposalJournalEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		if entry.TopicID != topicID || entry.PastSubjectIDHash != pastSubjectIDHash {
			continue
		}
		if entry.Kind == domain.JournalDismiss {
			dismissed = true
		}
	}
	if err := scanner.Err(); err != nil {
		return false, errs.Wrap("proposal", errs.InvariantViolation, "reading journal", err)
	}
	return dismissed, nil
}
