package chat

import "sync"

// MaxRecentSends is the number of keyed sends remembered per sender.
const MaxRecentSends = 64

// recentSend maps a client idempotency key to the message it produced.
type recentSend struct {
	key string
	msg *Message
}

// RecentSends remembers the last N keyed sends per sender so a retried send
// returns the original message instead of creating a duplicate.
// It is goroutine-safe and uses a ring buffer per sender.
type RecentSends struct {
	mu      sync.Mutex
	buffers map[string]*ringBuffer // senderID -> ring buffer
	size    int
}

// ringBuffer is a fixed-size circular buffer of recent sends.
type ringBuffer struct {
	items []recentSend
	pos   int
	count int
}

// NewRecentSends creates an empty RecentSends holding size entries per
// sender. A non-positive size means MaxRecentSends.
func NewRecentSends(size int) *RecentSends {
	if size <= 0 {
		size = MaxRecentSends
	}
	return &RecentSends{
		buffers: make(map[string]*ringBuffer),
		size:    size,
	}
}

// Lookup returns the message previously recorded for (senderID, key).
func (rs *RecentSends) Lookup(senderID, key string) (*Message, bool) {
	if key == "" {
		return nil, false
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rb, ok := rs.buffers[senderID]
	if !ok {
		return nil, false
	}
	for i := 0; i < rb.count; i++ {
		if it := rb.items[i]; it.key == key {
			return it.msg, true
		}
	}
	return nil, false
}

// Add records msg under (senderID, key). If the buffer is full the oldest
// entry is overwritten. An empty key is ignored.
func (rs *RecentSends) Add(senderID, key string, msg *Message) {
	if key == "" {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rb, ok := rs.buffers[senderID]
	if !ok {
		rb = &ringBuffer{items: make([]recentSend, rs.size)}
		rs.buffers[senderID] = rb
	}

	rb.items[rb.pos] = recentSend{key: key, msg: msg}
	rb.pos = (rb.pos + 1) % rs.size
	if rb.count < rs.size {
		rb.count++
	}
}
