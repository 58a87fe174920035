package canonical_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/topicengine/internal/canonical"
	"github.com/kittclouds/topicengine/internal/domain"
)

type fakeDoc struct {
	Zeta  string `json:"zeta"`
	Alpha string `json:"alpha"`
}

func (fakeDoc) TypeName() string { return "FakeDoc" }

func TestEncodeSortsKeysAndTagsType(t *testing.T) {
	raw, err := canonical.Encode(fakeDoc{Zeta: "z", Alpha: "a"})
	require.NoError(t, err)

	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &generic))
	require.Equal(t, `"FakeDoc"`, string(generic["$type$"]))

	zetaIdx := indexOf(string(raw), `"zeta"`)
	alphaIdx := indexOf(string(raw), `"alpha"`)
	require.Greater(t, zetaIdx, alphaIdx, "alpha must sort before zeta")
}

func TestContentHashRoundTrips(t *testing.T) {
	doc := fakeDoc{Zeta: "z", Alpha: "a"}
	hash1, raw1, err := canonical.ContentHash(doc)
	require.NoError(t, err)

	var decoded fakeDoc
	require.NoError(t, json.Unmarshal(raw1, &decoded))
	require.Equal(t, doc, decoded)

	hash2, raw2, err := canonical.ContentHash(decoded)
	require.NoError(t, err)
	require.Equal(t, hash1, hash2)
	require.Equal(t, raw1, raw2)
}

func TestContentHashIsDeterministic(t *testing.T) {
	doc := fakeDoc{Zeta: "z", Alpha: "a"}
	h1, _, err := canonical.ContentHash(doc)
	require.NoError(t, err)
	h2, _, err := canonical.ContentHash(doc)
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	other, _, err := canonical.ContentHash(fakeDoc{Zeta: "z", Alpha: "b"})
	require.NoError(t, err)
	require.NotEqual(t, h1, other)
}

type fakeIDDoc struct {
	ID      string `json:"id"`
	Ignored string `json:"ignored"`
}

func (fakeIDDoc) TypeName() string { return "FakeIDDoc" }
func (d fakeIDDoc) IDFields() map[string]any {
	return map[string]any{"id": d.ID}
}

func TestIDHashIgnoresNonIDFields(t *testing.T) {
	h1, _, err := canonical.IDHash(fakeIDDoc{ID: "x", Ignored: "one"})
	require.NoError(t, err)
	h2, _, err := canonical.IDHash(fakeIDDoc{ID: "x", Ignored: "two"})
	require.NoError(t, err)
	require.Equal(t, h1, h2, "ID hash must depend only on declared ID fields")

	h3, _, err := canonical.IDHash(fakeIDDoc{ID: "y", Ignored: "one"})
	require.NoError(t, err)
	require.NotEqual(t, h1, h3)
}

func TestEncodeTagsNestedObjects(t *testing.T) {
	msg := domain.Message{
		ID:      "m1",
		TopicID: "t1",
		Text:    "see attached",
		Attachments: []domain.Attachment{
			{ContentHash: "abc", MimeType: "image/png"},
		},
	}
	raw, err := canonical.Encode(msg)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	require.Equal(t, "Message", generic["$type$"])

	attachments, ok := generic["attachments"].([]any)
	require.True(t, ok)
	require.Len(t, attachments, 1)
	att, ok := attachments[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "Attachment", att["$type$"])
}

func TestEncodeTagsNestedTimeRanges(t *testing.T) {
	subj := domain.Subject{
		ID:         "graph+search",
		Topic:      "t1",
		Keywords:   []string{"graph", "search"},
		TimeRanges: []domain.TimeRange{{Start: 1000, End: 2000}},
	}
	raw, err := canonical.Encode(subj)
	require.NoError(t, err)

	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))

	ranges, ok := generic["timeRanges"].([]any)
	require.True(t, ok)
	require.Len(t, ranges, 1)
	tr, ok := ranges[0].(map[string]any)
	require.True(t, ok)
	require.Equal(t, "TimeRange", tr["$type$"])
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}
