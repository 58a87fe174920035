// Package domain declares the engine's persisted entity types (spec §3)
// and their canonical type tags / ID-field sets.
package domain

import "strconv"

// Format is a Message's content encoding.
type Format string

const (
	FormatPlain    Format = "plain"
	FormatMarkdown Format = "markdown"
)

// Attachment references content-addressed bytes stored outside the
// object store proper (rendering is out of scope; only the reference and
// MIME metadata are modeled here).
type Attachment struct {
	ContentHash string `json:"contentHash"`
	MimeType    string `json:"mimeType"`
	Filename    string `json:"filename,omitempty"`
	SizeBytes   int64  `json:"sizeBytes,omitempty"`
}

func (Attachment) TypeName() string { return "Attachment" }

// Message is unversioned: once posted to a channel it is never mutated.
type Message struct {
	ID          string       `json:"id"`
	TopicID     string       `json:"topicId"`
	SenderID    string       `json:"senderId"`
	Text        string       `json:"text"`
	Timestamp   int64        `json:"timestamp"`
	Format      Format       `json:"format"`
	Attachments []Attachment `json:"attachments,omitempty"`
	IsAI        bool         `json:"isAI,omitempty"`
	Welcome     bool         `json:"welcome,omitempty"`
	Status      string       `json:"status,omitempty"` // "", "streaming", "error"
}

func (Message) TypeName() string { return "Message" }

// Keyword is versioned; ID = {term}.
type Keyword struct {
	Term       string   `json:"term"`
	Frequency  int      `json:"frequency"`
	Subjects   []string `json:"subjects"` // Subject ID-hashes
	Score      float64  `json:"score"`
	Confidence *float64 `json:"confidence,omitempty"`
	CreatedAt  int64    `json:"createdAt"`
	LastSeen   int64    `json:"lastSeen"`
}

func (Keyword) TypeName() string { return "Keyword" }

func (k Keyword) IDFields() map[string]any {
	return map[string]any{"term": k.Term}
}

// TimeRange is a single active interval for a Subject, in millis.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (TimeRange) TypeName() string { return "TimeRange" }

// Subject is versioned; ID = {id = sorted-join of member keyword terms}.
type Subject struct {
	ID           string      `json:"id"`
	Topic        string      `json:"topic"`
	Keywords     []string    `json:"keywords"` // Keyword ID-hashes
	TimeRanges   []TimeRange `json:"timeRanges"`
	MessageCount int         `json:"messageCount"`
	Description  string      `json:"description,omitempty"`
	Confidence   *float64    `json:"confidence,omitempty"`
	CreatedAt    int64       `json:"createdAt"`
	LastSeenAt   int64       `json:"lastSeenAt"`
	Archived     bool        `json:"archived"`
}

func (Subject) TypeName() string { return "Subject" }

func (s Subject) IDFields() map[string]any {
	return map[string]any{"id": s.ID}
}

// Summary is versioned; ID = "{topicId}-v{version}".
type Summary struct {
	Topic           string   `json:"topic"`
	Content         string   `json:"content"`
	Subjects        []string `json:"subjects"` // Subject ID-hashes
	Keywords        []string `json:"keywords"` // Keyword ID-hashes
	Version         int      `json:"version"`
	PreviousVersion *string  `json:"previousVersion"`
	CreatedAt       int64    `json:"createdAt"`
	UpdatedAt       int64    `json:"updatedAt"`
	ChangeReason    string   `json:"changeReason,omitempty"`
}

func (Summary) TypeName() string { return "Summary" }

func (s Summary) IDFields() map[string]any {
	return map[string]any{"id": SummaryID(s.Topic, s.Version)}
}

// PrevVersionHash implements objectstore.Chained: the object store
// validates this resolves before writing a new Summary version.
func (s Summary) PrevVersionHash() *string { return s.PreviousVersion }

// SummaryID forms the "{topicId}-v{version}" ID string the spec names.
func SummaryID(topicID string, version int) string {
	return topicID + "-v" + strconv.Itoa(version)
}

// Proposal is derived/cached, never canonically persisted.
type Proposal struct {
	ID                string  `json:"id"`
	TopicID           string  `json:"topicId"`
	PastSubjectIDHash string  `json:"pastSubjectIdHash"`
	Score             float64 `json:"score"`
	Rationale         string  `json:"rationale"`
	CreatedAt         int64   `json:"createdAt"`
	Dismissed         bool    `json:"dismissed"`
}

// ProposalJournalEntryKind distinguishes dismiss/share journal rows.
type ProposalJournalEntryKind string

const (
	JournalDismiss ProposalJournalEntryKind = "dismiss"
	JournalShare   ProposalJournalEntryKind = "share"
)

// ProposalJournalEntry is an append-only record in journals/proposals.log.
type ProposalJournalEntry struct {
	Kind              ProposalJournalEntryKind `json:"kind"`
	TopicID           string                   `json:"topicId"`
	PastSubjectIDHash string                   `json:"pastSubjectIdHash"`
	Timestamp         int64                    `json:"timestamp"`
}

func (ProposalJournalEntry) TypeName() string { return "ProposalJournalEntry" }
