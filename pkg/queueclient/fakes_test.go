package queueclient

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	c     *fakeClock
	at    time.Time
	seq   int
	f     func()
	fired bool
	gone  bool
}

func newFakeClock(t time.Time) *fakeClock { return &fakeClock{now: t} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &fakeTimer{c: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	if t.fired || t.gone {
		return false
	}
	t.gone = true
	return true
}

// pending counts timers that are armed and not yet due or stopped.
func (c *fakeClock) pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.fired && !t.gone {
			n++
		}
	}
	return n
}

// Advance moves time forward and runs due callbacks in order, on the
// caller's goroutine and without holding the clock's lock.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var due []*fakeTimer
		for _, t := range c.timers {
			if !t.fired && !t.gone && !t.at.After(target) {
				due = append(due, t)
			}
		}
		if len(due) == 0 {
			c.now = target
			c.mu.Unlock()
			return
		}
		sort.Slice(due, func(i, j int) bool {
			if due[i].at.Equal(due[j].at) {
				return due[i].seq < due[j].seq
			}
			return due[i].at.Before(due[j].at)
		})
		next := due[0]
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

var errTransport = errors.New("connection refused")

// fakeAPI is a scripted coordinator. Status answers are consumed in order;
// the last one repeats.
type fakeAPI struct {
	mu sync.Mutex

	check    CheckResult
	checkErr error
	join     JoinResult
	joinErr  error
	statuses []JobStatus
	statErr  error

	checkCalls, joinCalls, statusCalls int
	cancelled                          []string

	// onStatus runs inside Status before it answers
	onStatus func()
	// onJoin runs inside Join before it answers
	onJoin func()
}

func (f *fakeAPI) CheckActiveOrder(context.Context, string, string) (CheckResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.checkCalls++
	return f.check, f.checkErr
}

func (f *fakeAPI) Join(context.Context, string, string) (JoinResult, error) {
	f.mu.Lock()
	f.joinCalls++
	hook := f.onJoin
	res, err := f.join, f.joinErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return res, err
}

func (f *fakeAPI) Status(context.Context, string) (JobStatus, error) {
	f.mu.Lock()
	f.statusCalls++
	hook := f.onStatus
	var js JobStatus
	if len(f.statuses) > 0 {
		js = f.statuses[0]
		if len(f.statuses) > 1 {
			f.statuses = f.statuses[1:]
		}
	}
	err := f.statErr
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return js, err
}

func (f *fakeAPI) Cancel(_ context.Context, jobID, _ string) (CancelResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, jobID)
	return CancelResult{Cancelled: true, Status: JobCancelled}, nil
}

func (f *fakeAPI) counts() (check, join, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkCalls, f.joinCalls, f.statusCalls
}

func (f *fakeAPI) cancelledJobs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func waiting(pos int64) JobStatus {
	return JobStatus{JobID: "job-1", Status: JobWaiting, Position: pos, Ticket: 7}
}

func done(orderID string) JobStatus {
	return JobStatus{JobID: "job-1", Status: JobDone, Ticket: 7, Result: &JobResult{OrderID: orderID}}
}
