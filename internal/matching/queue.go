package matching

// queueSlot records which queue a connection is waiting in.
type queueSlot struct {
	general  bool
	interest int
}

// queues holds one FIFO per interest plus the general FIFO. Insertion order
// is wait order. An interest key exists only while its queue is non-empty.
//
// queues is pure bookkeeping: it never sends anything and knows nothing about
// rooms. Callers serialize access.
type queues struct {
	interest map[int][]*conn
	general  []*conn
	slots    map[string]queueSlot // conn id -> where it waits
}

func newQueues() *queues {
	return &queues{
		interest: make(map[int][]*conn),
		slots:    make(map[string]queueSlot),
	}
}

// enqueueInterest appends c to the queue for interestID, creating it if
// absent. c must not already be queued.
func (q *queues) enqueueInterest(interestID int, c *conn) {
	q.interest[interestID] = append(q.interest[interestID], c)
	q.slots[c.id()] = queueSlot{interest: interestID}
}

// dequeueNext pops the oldest entry for interestID and prunes the queue when
// it becomes empty.
func (q *queues) dequeueNext(interestID int) (*conn, bool) {
	list, ok := q.interest[interestID]
	if !ok {
		return nil, false
	}
	c := list[0]
	list[0] = nil
	list = list[1:]
	if len(list) == 0 {
		delete(q.interest, interestID)
	} else {
		q.interest[interestID] = list
	}
	delete(q.slots, c.id())
	return c, true
}

func (q *queues) enqueueGeneral(c *conn) {
	q.general = append(q.general, c)
	q.slots[c.id()] = queueSlot{general: true}
}

func (q *queues) dequeueGeneral() (*conn, bool) {
	if len(q.general) == 0 {
		return nil, false
	}
	c := q.general[0]
	q.general[0] = nil
	q.general = q.general[1:]
	if len(q.general) == 0 {
		q.general = nil
	}
	delete(q.slots, c.id())
	return c, true
}

// removeConnection drops c from whichever queue holds it. It is a no-op for
// connections that are not queued and reports whether anything was removed.
func (q *queues) removeConnection(c *conn) bool {
	id := c.id()
	slot, ok := q.slots[id]
	if !ok {
		return false
	}
	delete(q.slots, id)

	if slot.general {
		q.general = removeFrom(q.general, id)
		if len(q.general) == 0 {
			q.general = nil
		}
		return true
	}

	list := removeFrom(q.interest[slot.interest], id)
	if len(list) == 0 {
		delete(q.interest, slot.interest)
	} else {
		q.interest[slot.interest] = list
	}
	return true
}

func (q *queues) queued(c *conn) bool {
	_, ok := q.slots[c.id()]
	return ok
}

// interestSizes returns the length of every non-empty interest queue.
func (q *queues) interestSizes() map[int]int {
	sizes := make(map[int]int, len(q.interest))
	for id, list := range q.interest {
		sizes[id] = len(list)
	}
	return sizes
}

func (q *queues) generalSize() int { return len(q.general) }

func removeFrom(list []*conn, id string) []*conn {
	for i, c := range list {
		if c.id() == id {
			copy(list[i:], list[i+1:])
			list[len(list)-1] = nil
			return list[:len(list)-1]
		}
	}
	return list
}
