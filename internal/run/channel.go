package run

import (
	"sync"
	"time"

	"github.com/botchat/botchat-backend/api/events"
)

// EventChannel is an unbounded ordered queue of encoded event frames.
// Publish never blocks the producer; readers poll with a bounded wait.
type EventChannel struct {
	mu    sync.Mutex
	queue []events.Frame
	wake  chan struct{}
}

// NewEventChannel creates an empty channel.
func NewEventChannel() *EventChannel {
	return &EventChannel{wake: make(chan struct{}, 1)}
}

// Publish appends a frame in arrival order.
func (c *EventChannel) Publish(frame events.Frame) {
	c.mu.Lock()
	c.queue = append(c.queue, frame)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// NextOrTimeout pops the oldest frame, waiting at most d for one to arrive.
// The second return is false when the wait expired empty.
func (c *EventChannel) NextOrTimeout(d time.Duration) (events.Frame, bool) {
	if frame, ok := c.pop(); ok {
		return frame, true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-c.wake:
			if frame, ok := c.pop(); ok {
				return frame, true
			}
		case <-timer.C:
			return events.Frame{}, false
		}
	}
}

func (c *EventChannel) pop() (events.Frame, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return events.Frame{}, false
	}
	frame := c.queue[0]
	c.queue = c.queue[1:]
	return frame, true
}

// Len reports the number of queued frames.
func (c *EventChannel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
