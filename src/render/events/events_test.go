package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTopicDeliversInOrder(t *testing.T) {
	var topic Topic[string]
	var got []string

	topic.Subscribe(func(s string) { got = append(got, "first:"+s) })
	topic.Subscribe(func(s string) { got = append(got, "second:"+s) })
	topic.Publish("M")

	assert.Equal(t, []string{"first:M", "second:M"}, got)
}

func TestTopicUnsubscribe(t *testing.T) {
	var topic Topic[[]int]
	calls := 0
	unsub := topic.Subscribe(func([]int) { calls++ })

	topic.Publish([]int{1})
	unsub()
	unsub()
	topic.Publish([]int{2})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, topic.Len())
}

func TestTopicNilHandler(t *testing.T) {
	var topic Topic[int]
	unsub := topic.Subscribe(nil)
	unsub()
	assert.Equal(t, 0, topic.Len())
	topic.Publish(1)
}
