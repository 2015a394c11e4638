// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

package isolate

import (
	"sync"
)

// messageChunkSize is the number of messages per node of a messageList.
const messageChunkSize = 64

// messageQueue is one delivery lane of a MessageHandler. Messages inserted
// at the head keep FIFO order among themselves, and all of them precede any
// message inserted at the tail.
//
// Not thread-safe; the owning handler's mutex must be held.
type messageQueue struct {
	head messageList
	tail messageList
}

// messageList is a chunked linked-list FIFO of messages.
type messageList struct {
	first  *messageChunk
	last   *messageChunk
	length int
}

type messageChunk struct {
	messages [messageChunkSize]*Message
	next     *messageChunk
	readPos  int
	pos      int
}

var messageChunkPool = sync.Pool{
	New: func() any {
		return &messageChunk{}
	},
}

func newMessageChunk() *messageChunk {
	c := messageChunkPool.Get().(*messageChunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

func releaseMessageChunk(c *messageChunk) {
	clear(c.messages[:c.pos])
	c.pos = 0
	c.readPos = 0
	c.next = nil
	messageChunkPool.Put(c)
}

func (q *messageQueue) enqueue(msg *Message, atHead bool) {
	if atHead {
		q.head.push(msg)
	} else {
		q.tail.push(msg)
	}
}

func (q *messageQueue) dequeue() *Message {
	if msg, ok := q.head.pop(); ok {
		return msg
	}
	msg, _ := q.tail.pop()
	return msg
}

func (q *messageQueue) len() int {
	return q.head.length + q.tail.length
}

func (q *messageQueue) clear() {
	q.head.clear()
	q.tail.clear()
}

func (l *messageList) push(msg *Message) {
	if l.last == nil {
		l.last = newMessageChunk()
		l.first = l.last
	}
	if l.last.pos == len(l.last.messages) {
		c := newMessageChunk()
		l.last.next = c
		l.last = c
	}
	l.last.messages[l.last.pos] = msg
	l.last.pos++
	l.length++
}

func (l *messageList) pop() (*Message, bool) {
	if l.first == nil || l.first.readPos >= l.first.pos {
		return nil, false
	}

	msg := l.first.messages[l.first.readPos]
	l.first.messages[l.first.readPos] = nil
	l.first.readPos++
	l.length--

	if l.first.readPos >= l.first.pos {
		if l.first == l.last {
			l.first.pos = 0
			l.first.readPos = 0
		} else {
			old := l.first
			l.first = old.next
			releaseMessageChunk(old)
		}
	}

	return msg, true
}

func (l *messageList) clear() {
	for c := l.first; c != nil; {
		next := c.next
		releaseMessageChunk(c)
		c = next
	}
	*l = messageList{}
}
