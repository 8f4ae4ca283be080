package sched

// entityQueue is an intrusive FIFO list of entities. An entity is linked into
// at most one queue at a time; the queue back-pointer enforces that.
type entityQueue struct {
	head, tail *Entity
	count      uint32
}

func (q *entityQueue) empty() bool {
	return q.head == nil
}

func (q *entityQueue) len() uint32 {
	return q.count
}

// pushTail appends e. The entity must not be linked anywhere.
func (q *entityQueue) pushTail(e *Entity) {
	if e.queue != nil {
		panic("sched: entity already queued")
	}
	e.queue = q
	e.prev = q.tail
	e.next = nil
	if q.tail != nil {
		q.tail.next = e
	} else {
		q.head = e
	}
	q.tail = e
	q.count++
}

// pushHead prepends e. Used for the gaming urgency path and for returning a
// preempted entity to the front of its level.
func (q *entityQueue) pushHead(e *Entity) {
	if e.queue != nil {
		panic("sched: entity already queued")
	}
	e.queue = q
	e.next = q.head
	e.prev = nil
	if q.head != nil {
		q.head.prev = e
	} else {
		q.tail = e
	}
	q.head = e
	q.count++
}

// remove unlinks e from this queue.
func (q *entityQueue) remove(e *Entity) {
	if e.queue != q {
		panic("sched: entity not on this queue")
	}
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		q.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		q.tail = e.prev
	}
	e.prev = nil
	e.next = nil
	e.queue = nil
	q.count--
}

// popHead removes and returns the first entity, or nil.
func (q *entityQueue) popHead() *Entity {
	e := q.head
	if e != nil {
		q.remove(e)
	}
	return e
}

// forEach walks the queue front to back. fn must not unlink entities; collect
// first and mutate after when removal is needed.
func (q *entityQueue) forEach(fn func(e *Entity)) {
	for e := q.head; e != nil; e = e.next {
		fn(e)
	}
}

// collect returns the queued entities front to back.
func (q *entityQueue) collect() []*Entity {
	out := make([]*Entity, 0, q.count)
	for e := q.head; e != nil; e = e.next {
		out = append(out, e)
	}
	return out
}
