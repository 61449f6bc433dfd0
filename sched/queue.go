package sched

import "github.com/tidalrt/zero/fiber"

// item is the scheduler's task queue entry: a tagged record holding either
// a fiber or a callback, plus an optional worker pin. Constructing an item
// from a fiber transfers logical ownership of it to the queue until it is
// dequeued.
type item struct {
	f      *fiber.Fiber
	cb     func()
	thread int // -1 means "any worker"
}

func fiberItem(f *fiber.Fiber, thread int) item {
	return item{f: f, thread: thread}
}

func callbackItem(cb func(), thread int) item {
	return item{cb: cb, thread: thread}
}

// queue is the scheduler's runnable-item list. It is protected by the
// Scheduler's spinlock-like mutex; operations here assume the caller
// already holds it.
type queue struct {
	items []item
}

func (q *queue) push(it item) {
	q.items = append(q.items, it)
}

func (q *queue) empty() bool { return len(q.items) == 0 }

func (q *queue) len() int { return len(q.items) }

// popFor scans front-to-back for the first entry that is either unpinned or
// pinned to workerID, and whose fiber (if any) is not currently EXEC.
// Returns the item and whether any pinned-elsewhere entry was skipped
// (meaning other workers should be tickled, since this worker can no
// longer see it waiting behind where it now sits relative to new work).
func (q *queue) popFor(workerID int) (it item, ok bool, skippedPinned bool) {
	for i := range q.items {
		cand := q.items[i]
		if cand.thread != -1 && cand.thread != workerID {
			skippedPinned = true
			continue
		}
		if cand.f != nil && cand.f.State() == fiber.StateExec {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		return cand, true, skippedPinned
	}
	return item{}, false, skippedPinned
}
