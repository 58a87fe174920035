// Package topicroom implements C3, a thin typed facade over a single
// channel: posting and iterating a topic's Messages.
package topicroom

import (
	"github.com/google/uuid"

	"github.com/kittclouds/topicengine/internal/channel"
	"github.com/kittclouds/topicengine/internal/domain"
)

// NewMessageHandler is notified after a Message is durably posted.
type NewMessageHandler func(domain.Message)

// Room is the C3 Topic Room.
type Room struct {
	id           string
	participants []string
	channels     *channel.Manager

	unsubscribe []func()
}

// New creates a Room bound to topicID's channel.
func New(topicID string, participants []string, channels *channel.Manager) *Room {
	return &Room{id: topicID, participants: participants, channels: channels}
}

// ID returns the topic's ID.
func (r *Room) ID() string { return r.id }

// Participants returns the topic's participant IDs.
func (r *Room) Participants() []string { return r.participants }

// PostMessage posts a new Message from senderID, returning the durable
// Message. If messageID is empty, a fresh one is assigned; otherwise the
// caller-supplied id is used so upstream dedup (C8's lastProcessedId
// check) can compare against the same id that ends up persisted.
func (r *Room) PostMessage(text, senderID string, timestampMillis int64, attachments []domain.Attachment, messageID string) (domain.Message, error) {
	if messageID == "" {
		messageID = uuid.NewString()
	}
	msg := domain.Message{
		ID:          messageID,
		TopicID:     r.id,
		SenderID:    senderID,
		Text:        text,
		Timestamp:   timestampMillis,
		Format:      domain.FormatPlain,
		Attachments: attachments,
	}
	if _, err := r.channels.PostToChannel(r.id, msg, senderID, timestampMillis); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// PostWelcomeMessage posts a first-class AI welcome Message.
func (r *Room) PostWelcomeMessage(text string, timestampMillis int64) (domain.Message, error) {
	msg := domain.Message{
		ID:        uuid.NewString(),
		TopicID:   r.id,
		SenderID:  "ai",
		Text:      text,
		Timestamp: timestampMillis,
		Format:    domain.FormatPlain,
		IsAI:      true,
		Welcome:   true,
	}
	if _, err := r.channels.PostToChannel(r.id, msg, "ai", timestampMillis); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// PostAssistantMessage posts a non-welcome AI-authored Message, e.g. the
// final result of a streaming generation.
func (r *Room) PostAssistantMessage(text string, timestampMillis int64, status string) (domain.Message, error) {
	msg := domain.Message{
		ID:        uuid.NewString(),
		TopicID:   r.id,
		SenderID:  "ai",
		Text:      text,
		Timestamp: timestampMillis,
		Format:    domain.FormatPlain,
		IsAI:      true,
		Status:    status,
	}
	if _, err := r.channels.PostToChannel(r.id, msg, "ai", timestampMillis); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// IterateMessages returns the topic's Messages in append (chronological)
// order. limit <= 0 means unbounded.
func (r *Room) IterateMessages(limit int) ([]domain.Message, error) {
	infos := r.channels.GetMatchingChannelInfos(r.id)
	merged, err := channel.DecodeByType[domain.Message](r.channels, infos, domain.Message{}.TypeName())
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(merged))
	for _, e := range merged {
		msgs = append(msgs, e.Obj)
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

// OnNewMessage subscribes handler to new Messages posted to this topic.
// Returns an unsubscribe function.
func (r *Room) OnNewMessage(handler NewMessageHandler) func() {
	return r.channels.OnUpdated(func(_, channelID, _ string, _ int64) {
		if channelID != r.id {
			return
		}
		msgs, err := r.IterateMessages(1)
		if err != nil || len(msgs) == 0 {
			return
		}
		handler(msgs[len(msgs)-1])
	})
}
