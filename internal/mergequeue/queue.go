package mergequeue

import "container/list"

type queueEntry struct {
	pr          *PullRequest
	topPriority bool
}

// queue is the ordered set of pull requests a MergeService is waiting to
// integrate. It keeps a stable two-tier partition: every top-priority
// entry precedes every normal entry, and within a tier entries stay in
// the order they were inserted. Lookup and removal by pull request
// number are O(1) via the elems index.
type queue struct {
	topPriority *list.List
	normal      *list.List
	elems       map[int]*list.Element
}

func newQueue() *queue {
	return &queue{
		topPriority: list.New(),
		normal:      list.New(),
		elems:       map[int]*list.Element{},
	}
}

// Upsert inserts pr at the back of its tier if it is not queued yet. If
// pr is already queued, its stored value is refreshed; it keeps its
// position when its tier is unchanged, and moves to the back of the new
// tier when topPriority differs from its current tier. It reports
// whether pr was newly inserted.
func (q *queue) Upsert(pr *PullRequest, topPriority bool) bool {
	if el, exist := q.elems[pr.Number]; exist {
		entry := el.Value.(*queueEntry)
		entry.pr = pr

		if entry.topPriority != topPriority {
			if entry.topPriority {
				q.topPriority.Remove(el)
			} else {
				q.normal.Remove(el)
			}

			entry.topPriority = topPriority
			l := q.normal
			if topPriority {
				l = q.topPriority
			}
			q.elems[pr.Number] = l.PushBack(entry)
		}

		return false
	}

	l := q.normal
	if topPriority {
		l = q.topPriority
	}

	el := l.PushBack(&queueEntry{pr: pr, topPriority: topPriority})
	q.elems[pr.Number] = el

	return true
}

// Remove drops the pull request with the given number from the queue, if
// present, and returns it.
func (q *queue) Remove(number int) *PullRequest {
	el, exist := q.elems[number]
	if !exist {
		return nil
	}

	entry := el.Value.(*queueEntry)
	delete(q.elems, number)

	if entry.topPriority {
		q.topPriority.Remove(el)
	} else {
		q.normal.Remove(el)
	}

	return entry.pr
}

// Contains reports whether number is currently queued.
func (q *queue) Contains(number int) bool {
	_, exist := q.elems[number]
	return exist
}

// Get returns the queued pull request with the given number, or nil.
func (q *queue) Get(number int) *PullRequest {
	el, exist := q.elems[number]
	if !exist {
		return nil
	}

	return el.Value.(*queueEntry).pr
}

// First returns the head of the queue: the oldest top-priority entry, or
// if there is none, the oldest normal entry. It returns nil if the queue
// is empty.
func (q *queue) First() *PullRequest {
	if e := q.topPriority.Front(); e != nil {
		return e.Value.(*queueEntry).pr
	}

	if e := q.normal.Front(); e != nil {
		return e.Value.(*queueEntry).pr
	}

	return nil
}

// Len returns the number of queued pull requests.
func (q *queue) Len() int {
	return len(q.elems)
}

// TierCounts returns how many pull requests are queued in each tier.
func (q *queue) TierCounts() (topPriority, normal int) {
	return q.topPriority.Len(), q.normal.Len()
}

// AsSlice returns the queue contents in tier order: all top-priority
// entries first, then all normal entries, each in insertion order.
func (q *queue) AsSlice() []*PullRequest {
	result := make([]*PullRequest, 0, q.Len())

	for e := q.topPriority.Front(); e != nil; e = e.Next() {
		result = append(result, e.Value.(*queueEntry).pr)
	}

	for e := q.normal.Front(); e != nil; e = e.Next() {
		result = append(result, e.Value.(*queueEntry).pr)
	}

	return result
}

// Position returns the 0-based index of number in the tier-ordered
// sequence returned by AsSlice, and whether it is queued at all.
func (q *queue) Position(number int) (int, bool) {
	idx := 0

	for e := q.topPriority.Front(); e != nil; e = e.Next() {
		if e.Value.(*queueEntry).pr.Number == number {
			return idx, true
		}
		idx++
	}

	for e := q.normal.Front(); e != nil; e = e.Next() {
		if e.Value.(*queueEntry).pr.Number == number {
			return idx, true
		}
		idx++
	}

	return 0, false
}
