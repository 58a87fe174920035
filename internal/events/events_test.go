package events_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kittclouds/topicengine/internal/events"
)

func TestSubscribeReceivesEmittedEvents(t *testing.T) {
	bus := events.NewBus()
	var received []events.Event
	bus.Subscribe(func(ev events.Event) { received = append(received, ev) })

	bus.Emit(events.Event{Name: events.KeywordsUpdated, TopicID: "t1"})
	bus.Emit(events.Event{Name: events.SubjectsUpdated, TopicID: "t1"})

	require.Len(t, received, 2)
	require.Equal(t, events.KeywordsUpdated, received[0].Name)
	require.Equal(t, events.SubjectsUpdated, received[1].Name)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := events.NewBus()
	count := 0
	unsubscribe := bus.Subscribe(func(events.Event) { count++ })

	bus.Emit(events.Event{Name: events.ProposalsUpdated})
	unsubscribe()
	bus.Emit(events.Event{Name: events.ProposalsUpdated})

	require.Equal(t, 1, count)
}

func TestMultipleSubscribersAllReceiveEvent(t *testing.T) {
	bus := events.NewBus()
	count1, count2 := 0, 0
	bus.Subscribe(func(events.Event) { count1++ })
	bus.Subscribe(func(events.Event) { count2++ })

	bus.Emit(events.Event{Name: events.AIError})

	require.Equal(t, 1, count1)
	require.Equal(t, 1, count2)
}
