package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/mixsignal/internal/model"
)

func TestBroker_FanOut(t *testing.T) {
	b := NewBroker(2)
	a, unsubA := b.Subscribe()
	c, unsubC := b.Subscribe()
	defer unsubC()
	assert.Equal(t, 2, b.Subscribers())

	b.Publish(model.RunEvent{RunID: "r1"})
	assert.Equal(t, "r1", (<-a).RunID)
	assert.Equal(t, "r1", (<-c).RunID)

	unsubA()
	unsubA()
	assert.Equal(t, 1, b.Subscribers())
	_, open := <-a
	assert.False(t, open)
}

func TestBroker_FullBufferDrops(t *testing.T) {
	b := NewBroker(1)
	drops := 0
	b.dropped = func() { drops++ }
	ch, unsub := b.Subscribe()
	defer unsub()

	b.Publish(model.RunEvent{RunID: "r1"})
	b.Publish(model.RunEvent{RunID: "r2"})

	assert.Equal(t, 1, drops)
	assert.Equal(t, "r1", (<-ch).RunID)
	assert.Len(t, ch, 0)
}
