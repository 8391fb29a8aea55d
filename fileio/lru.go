package fileio

// node is one entry in a doubly linked list, used to track the
// least-recently-used cached stream.
type node struct {
	path string
	prev *node
	next *node
}

// lruList is an intrusive doubly linked list tracking recency of use for the
// stream cache. The cache-level mutex in pool already guards all access to
// this list, so it needs no locking of its own.
type lruList struct {
	head *node
	tail *node
	size int
}

func newLRUList() *lruList {
	return &lruList{}
}

// touch moves n to the head (most-recently-used position), unlinking it from
// its current position first.
func (l *lruList) touch(n *node) {
	if l.head == n {
		return
	}
	l.unlink(n)
	l.pushFront(n)
}

func (l *lruList) pushFront(n *node) *node {
	n.prev = nil
	n.next = l.head
	if l.head != nil {
		l.head.prev = n
	} else {
		l.tail = n
	}
	l.head = n
	l.size++
	return n
}

func (l *lruList) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else if l.head == n {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else if l.tail == n {
		l.tail = n.prev
	}
	n.prev = nil
	n.next = nil
	l.size--
}

// evictLRU removes and returns the least-recently-used node (the tail), or
// nil if the list is empty.
func (l *lruList) evictLRU() *node {
	if l.tail == nil {
		return nil
	}
	n := l.tail
	l.unlink(n)
	return n
}
