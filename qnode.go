package gothrottle

import (
	"github.com/gammazero/deque"
)

// qnode keeps requests queued on a service queue separated by the group
// they came from. When several groups feed the same per-direction list,
// requests are popped qnode by qnode in round-robin order so no single
// source can hog a dispatch window.
//
// A qnode always belongs to a throttleGroup. Linking a qnode into a
// list takes a reference on the owning group and unlinking drops it,
// which keeps the whole group chain pinned while requests are in
// flight. Synthetic device-group entities are owned by their
// deviceGroup instead and skip the reference.
type qnode struct {
	requests *deque.Deque
	tg       *throttleGroup
	queued   bool
}

func newQnode(tg *throttleGroup) *qnode {
	return &qnode{
		requests: deque.New(qnodeMinCapacity, qnodeMinCapacity),
		tg:       tg,
	}
}

const qnodeMinCapacity = 16

// qnodeAdd appends the request to the qnode's FIFO and links the qnode
// at the tail of the list if it was idle.
func qnodeAdd(req *Request, qn *qnode, list *deque.Deque) {
	qn.requests.PushBack(req)
	if !qn.queued {
		qn.queued = true
		list.PushBack(qn)
		if !qn.tg.synthetic {
			qn.tg.get()
		}
	}
}

// peekQueued returns the head request of the head qnode without
// removing it, or nil when the list is empty.
func peekQueued(list *deque.Deque) *Request {
	if list.Len() == 0 {
		return nil
	}
	qn := list.Front().(*qnode)
	return qn.requests.Front().(*Request)
}

// popQueued pops the head request of the head qnode. An emptied qnode
// is unlinked and its group reference handed back through the second
// return value, deferred so the caller can keep using the group first;
// a non-empty qnode is rotated to the tail for round-robin fairness.
//
// A nil tgToPut means there is nothing to release.
func popQueued(list *deque.Deque) (*Request, *throttleGroup) {
	if list.Len() == 0 {
		return nil, nil
	}

	qn := list.Front().(*qnode)
	req := qn.requests.PopFront().(*Request)

	var tgToPut *throttleGroup
	if qn.requests.Len() == 0 {
		list.PopFront()
		qn.queued = false
		if !qn.tg.synthetic {
			tgToPut = qn.tg
		}
	} else {
		list.PopFront()
		list.PushBack(qn)
	}

	return req, tgToPut
}
