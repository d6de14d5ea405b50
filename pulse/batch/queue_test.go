package batch

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityQueue(t *testing.T) {
	var q priorityQueue
	q.push("low", 1, 1)
	q.push("high-a", 5, 2)
	q.push("mid", 3, 3)
	q.push("high-b", 5, 4)
	q.remove("mid")
	q.remove("absent")

	var got []string
	for {
		id, ok := q.pop()
		if !ok {
			break
		}
		got = append(got, id)
	}
	assert.Equal(t, []string{"high-a", "high-b", "low"}, got)
}
