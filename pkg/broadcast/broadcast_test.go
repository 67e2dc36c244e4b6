package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/riannom/archetype/pkg/types"
)

func drain(sub *Subscriber) []Message {
	var out []Message
	for {
		select {
		case msg := <-sub.C():
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestPublishFiltersByLab(t *testing.T) {
	b := New()
	subA := b.Subscribe("lab-a", 4)
	subB := b.Subscribe("lab-b", 4)
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subB)

	b.PublishLabState("lab-a", types.LabStateRunning, "")

	gotA := drain(subA)
	require.Len(t, gotA, 1)
	assert.Equal(t, TypeLabState, gotA[0].Type)
	assert.Equal(t, "lab-a", gotA[0].LabID)
	assert.Empty(t, drain(subB))
}

func TestSlowSubscriberDropsAlone(t *testing.T) {
	b := New()
	slow := b.Subscribe("lab-a", 1)
	fast := b.Subscribe("lab-a", 4)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	ns := &types.NodeState{LabID: "lab-a", NodeName: "r1", Actual: types.NodeActualRunning}
	b.PublishNodeState(ns)
	b.PublishNodeState(ns)

	assert.Len(t, drain(slow), 1, "second publish dropped for the full queue")
	assert.True(t, slow.Missed())
	assert.False(t, slow.Missed(), "missed flag clears on read")

	assert.Len(t, drain(fast), 2, "fast subscriber unaffected")
	assert.False(t, fast.Missed())
}

func TestSendAfterUnsubscribeIsSafe(t *testing.T) {
	b := New()
	sub := b.Subscribe("lab-a", 1)
	b.Unsubscribe(sub)

	// Must not panic on the closed channel.
	b.Send(sub, Message{Type: TypePong, LabID: "lab-a"})
	b.PublishLabState("lab-a", types.LabStateRunning, "")

	_, open := <-sub.C()
	assert.False(t, open)
}

func TestPublishLinkStateCarriesEpoch(t *testing.T) {
	b := New()
	sub := b.Subscribe("lab-a", 4)
	defer b.Unsubscribe(sub)

	b.PublishLinkState(&types.LinkState{
		ID:        "l-1",
		LabID:     "lab-a",
		Name:      "r1:eth1-r2:eth1",
		Desired:   types.LinkDesiredUp,
		Actual:    types.LinkActualUp,
		OperEpoch: 7,
	})

	got := drain(sub)
	require.Len(t, got, 1)
	payload, ok := got[0].Payload.(LinkStatePayload)
	require.True(t, ok)
	assert.Equal(t, int64(7), payload.OperEpoch)
	assert.Equal(t, "r1:eth1-r2:eth1", payload.Name)
}
