package gothrottle

import (
	"testing"

	"github.com/gammazero/deque"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQnodeFIFOWithinOneGroup(t *testing.T) {
	_, children := newTestQueueWithChildren(t, 1)
	tg := children[0]

	list := deque.New(qnodeMinCapacity, qnodeMinCapacity)
	first := mkReq("", "sda", Read, 1)
	second := mkReq("", "sda", Read, 2)

	qnodeAdd(first, tg.qnodeOnSelf[dirRead], list)
	qnodeAdd(second, tg.qnodeOnSelf[dirRead], list)

	req, tgToPut := popQueued(list)
	assert.Same(t, first, req)
	assert.Nil(t, tgToPut, "a non-empty qnode keeps its reference")

	req, tgToPut = popQueued(list)
	assert.Same(t, second, req)
	require.NotNil(t, tgToPut)
	assert.Same(t, tg, tgToPut)

	req, _ = popQueued(list)
	assert.Nil(t, req)
}

func TestQnodeRoundRobinAcrossGroups(t *testing.T) {
	_, children := newTestQueueWithChildren(t, 2)
	a, b := children[0], children[1]

	list := deque.New(qnodeMinCapacity, qnodeMinCapacity)
	a1 := mkReq("", "sda", Read, 1)
	a2 := mkReq("", "sda", Read, 2)
	b1 := mkReq("", "sda", Read, 3)
	b2 := mkReq("", "sda", Read, 4)

	qnodeAdd(a1, a.qnodeOnSelf[dirRead], list)
	qnodeAdd(a2, a.qnodeOnSelf[dirRead], list)
	qnodeAdd(b1, b.qnodeOnSelf[dirRead], list)
	qnodeAdd(b2, b.qnodeOnSelf[dirRead], list)

	var got []*Request
	for {
		req, _ := popQueued(list)
		if req == nil {
			break
		}
		got = append(got, req)
	}

	// sources alternate, each staying FIFO internally
	assert.Equal(t, []*Request{a1, b1, a2, b2}, got)
}

func TestQnodePeekDoesNotConsume(t *testing.T) {
	_, children := newTestQueueWithChildren(t, 1)
	tg := children[0]

	list := deque.New(qnodeMinCapacity, qnodeMinCapacity)
	assert.Nil(t, peekQueued(list))

	req := mkReq("", "sda", Write, 7)
	qnodeAdd(req, tg.qnodeOnSelf[dirWrite], list)

	assert.Same(t, req, peekQueued(list))
	assert.Same(t, req, peekQueued(list))

	popped, _ := popQueued(list)
	assert.Same(t, req, popped)
}

func TestQnodeReferenceCounting(t *testing.T) {
	_, children := newTestQueueWithChildren(t, 1)
	tg := children[0]
	base := tg.refs.Load()

	list := deque.New(qnodeMinCapacity, qnodeMinCapacity)
	qnodeAdd(mkReq("", "sda", Read, 1), tg.qnodeOnSelf[dirRead], list)
	assert.Equal(t, base+1, tg.refs.Load(), "linking the qnode pins the group")

	qnodeAdd(mkReq("", "sda", Read, 2), tg.qnodeOnSelf[dirRead], list)
	assert.Equal(t, base+1, tg.refs.Load(), "an already linked qnode takes no extra reference")

	popQueued(list)
	_, tgToPut := popQueued(list)
	require.NotNil(t, tgToPut)
	tgToPut.put()
	assert.Equal(t, base, tg.refs.Load())
}
