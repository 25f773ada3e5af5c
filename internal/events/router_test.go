package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRouter_OfferToWaitingInstance(t *testing.T) {
	r := New()
	var buf Buffer
	assert.Empty(t, r.Await("i1", []string{"Approval"}, buf))
	assert.Equal(t, []string{"Approval"}, r.Waiting("i1"))

	assert.True(t, r.Offer("i1", "Approval"))
	assert.Empty(t, r.Waiting("i1"), "a delivered wait is consumed")

	// A second event before the next wait is left to the caller to buffer.
	assert.False(t, r.Offer("i1", "Approval"))
}

func TestBuffer_LastWriteWins(t *testing.T) {
	var buf Buffer
	buf.Put("Approval", []byte("1"))
	buf.Put("Approval", []byte("2"))
	buf.Put("Other", []byte("x"))
	assert.Equal(t, []string{"Approval", "Other"}, buf.Pending())

	r := New()
	got := r.Await("i1", []string{"Approval", "Missing"}, buf)
	assert.Equal(t, []Delivery{{Name: "Approval", Payload: []byte("2")}}, got)
	assert.Equal(t, []string{"Missing"}, r.Waiting("i1"))
	assert.Equal(t, []string{"Other"}, buf.Pending(), "consumed events leave the buffer")
}

func TestRouter_AwaitReplacesWaits(t *testing.T) {
	r := New()
	r.Await("i1", []string{"A", "B"}, nil)
	r.Await("i1", []string{"B"}, nil)
	assert.Equal(t, []string{"B"}, r.Waiting("i1"))

	assert.False(t, r.Offer("i1", "A"))
	r.Await("i1", nil, nil)
	assert.Empty(t, r.Waiting("i1"))
}

func TestRouter_CancelAndForget(t *testing.T) {
	r := New()
	r.Await("i1", []string{"A", "B"}, nil)
	r.Cancel("i1", "A")
	assert.Equal(t, []string{"B"}, r.Waiting("i1"))
	assert.False(t, r.Offer("i1", "A"))

	r.Forget("i1")
	assert.Empty(t, r.Waiting("i1"))

	// Instances are independent.
	r.Await("i2", []string{"A"}, nil)
	assert.False(t, r.Offer("i3", "A"))
	assert.True(t, r.Offer("i2", "A"))
}
