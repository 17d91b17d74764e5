package gothrottle

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

// issueRecorder collects the requests the throttler releases, so tests
// can observe dispatch order and timing.
type issueRecorder struct {
	mu   sync.Mutex
	reqs []*Request
}

func (r *issueRecorder) record(req *Request) {
	r.mu.Lock()
	r.reqs = append(r.reqs, req)
	r.mu.Unlock()
}

func (r *issueRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reqs)
}

func (r *issueRecorder) all() []*Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Request, len(r.reqs))
	copy(out, r.reqs)
	return out
}

// captureLogger keeps error lines so tests can assert on reported
// conditions; the chattier levels are discarded.
type captureLogger struct {
	mu   sync.Mutex
	errs []string
}

func (l *captureLogger) Debug(string)   {}
func (l *captureLogger) Info(string)    {}
func (l *captureLogger) Warning(string) {}

func (l *captureLogger) Error(msg string) {
	l.mu.Lock()
	l.errs = append(l.errs, msg)
	l.mu.Unlock()
}

func (l *captureLogger) errors() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, len(l.errs))
	copy(out, l.errs)
	return out
}

// newTestThrottler builds a throttler on a mock clock with a 1s slice
// period, which keeps the rate arithmetic in tests round.
func newTestThrottler(t *testing.T, mutate func(*Config)) (*Throttler, *clock.Mock, *issueRecorder) {
	t.Helper()

	rec := &issueRecorder{}
	mock := clock.NewMock()
	mock.Set(time.Unix(1_000_000, 0))

	config := &Config{
		IssueFunc:   rec.record,
		SlicePeriod: time.Second,
		Logger:      NewNoOpLogger(),
		Clock:       mock,
	}
	if mutate != nil {
		mutate(config)
	}

	th, err := New(config)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = th.Close()
	})

	return th, mock, rec
}

func mkReq(group, device string, dir Direction, bytes uint64) *Request {
	return &Request{
		Group:  group,
		Device: device,
		Dir:    dir,
		Bytes:  bytes,
	}
}

// mustSubmit submits and asserts the request passed without queueing.
func mustSubmit(t *testing.T, th *Throttler, req *Request) {
	t.Helper()
	queued, err := th.Submit(req)
	require.NoError(t, err)
	require.False(t, queued)
}

// mustQueue submits and asserts the request was held back.
func mustQueue(t *testing.T, th *Throttler, req *Request) {
	t.Helper()
	queued, err := th.Submit(req)
	require.NoError(t, err)
	require.True(t, queued)
}
