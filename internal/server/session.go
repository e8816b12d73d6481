package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/vu-isis/depi/internal/rpc"
	"github.com/vu-isis/depi/internal/storage"
)

// queueDepth bounds each per-session update queue. Slow consumers
// drop updates rather than stall the publisher.
const queueDepth = 256

// eventQueue is one session watch queue: publishers push, exactly one
// stream consumer drains. Termination is signalled out of band so a
// full buffer can never mask it.
type eventQueue struct {
	ch   chan any
	done chan struct{}
	once sync.Once
}

func newEventQueue() *eventQueue {
	return &eventQueue{ch: make(chan any, queueDepth), done: make(chan struct{})}
}

// push enqueues an event without blocking. Reports false when the
// queue is full and the event was dropped.
func (q *eventQueue) push(ev any) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// close terminates the queue. Events still buffered are discarded by
// the consumer's next call.
func (q *eventQueue) close() {
	q.once.Do(func() { close(q.done) })
}

// next blocks until an event arrives or the queue is closed.
func (q *eventQueue) next() (any, bool) {
	select {
	case <-q.done:
		return nil, false
	case ev := <-q.ch:
		select {
		case <-q.done:
			return nil, false
		default:
		}
		return ev, true
	}
}

type groupKey struct {
	toolID string
	url    string
}

// Session is one logged-in client. A session tracks its branch, its
// idle timer, the groups it watches and the three update streams.
type Session struct {
	id     string
	user   *User
	toolID string

	mu            sync.Mutex
	branch        storage.Branch
	lastRequest   time.Time
	watchedGroups map[groupKey]struct{}

	watchingDepi       bool
	watchingBlackboard bool
	watchingResources  bool
	depiQ              *eventQueue
	blackboardQ        *eventQueue
	resourceQ          *eventQueue
}

func newSession(id string, user *User, toolID string, branch storage.Branch) *Session {
	return &Session{
		id:            id,
		user:          user,
		toolID:        toolID,
		branch:        branch,
		lastRequest:   time.Now(),
		watchedGroups: map[groupKey]struct{}{},
	}
}

// newSessionID returns a 32-character random hex token.
func newSessionID() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}

// ID returns the session id.
func (sess *Session) ID() string { return sess.id }

// User returns the session's user.
func (sess *Session) User() *User { return sess.user }

// Branch returns the session's current branch.
func (sess *Session) Branch() storage.Branch {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.branch
}

func (sess *Session) setBranch(b storage.Branch) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.branch = b
}

func (sess *Session) touch(now time.Time) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.lastRequest = now
}

func (sess *Session) idleSince() time.Time {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.lastRequest
}

func (sess *Session) watchGroup(k groupKey) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.watchedGroups[k] = struct{}{}
}

func (sess *Session) unwatchGroup(k groupKey) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	delete(sess.watchedGroups, k)
}

// beginDepiWatch flips the depi watching flag and installs a fresh
// queue, returning it to the stream consumer.
func (sess *Session) beginDepiWatch() *eventQueue {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.watchingDepi = true
	sess.depiQ = newEventQueue()
	return sess.depiQ
}

// endDepiWatch clears the flag when q is still the session's current
// queue. A newer watch keeps its own flag.
func (sess *Session) endDepiWatch(q *eventQueue) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.depiQ == q {
		sess.watchingDepi = false
	}
}

func (sess *Session) stopDepiWatch() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.watchingDepi = false
	if sess.depiQ != nil {
		sess.depiQ.close()
	}
}

func (sess *Session) beginBlackboardWatch() *eventQueue {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.watchingBlackboard = true
	sess.blackboardQ = newEventQueue()
	return sess.blackboardQ
}

func (sess *Session) endBlackboardWatch(q *eventQueue) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.blackboardQ == q {
		sess.watchingBlackboard = false
	}
}

func (sess *Session) stopBlackboardWatch() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.watchingBlackboard = false
	if sess.blackboardQ != nil {
		sess.blackboardQ.close()
	}
}

func (sess *Session) beginResourceWatch() *eventQueue {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.watchingResources = true
	sess.resourceQ = newEventQueue()
	return sess.resourceQ
}

func (sess *Session) endResourceWatch(q *eventQueue) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.resourceQ == q {
		sess.watchingResources = false
	}
}

func (sess *Session) stopResourceWatch() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.watchingResources = false
	if sess.resourceQ != nil {
		sess.resourceQ.close()
	}
}

// pushDepi delivers a registry update when the session watches the
// registry on the given branch. branch "" matches every session.
func (sess *Session) pushDepi(branch string, upd rpc.DepiUpdate) (delivered, dropped bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.watchingDepi || sess.depiQ == nil {
		return false, false
	}
	if branch != "" && sess.branch.Name() != branch {
		return false, false
	}
	if !sess.depiQ.push(upd) {
		return false, true
	}
	return true, false
}

// pushBlackboard delivers a blackboard update when the session watches
// its blackboard. The caller filters by user.
func (sess *Session) pushBlackboard(upd rpc.BlackboardUpdate) (delivered, dropped bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.watchingBlackboard || sess.blackboardQ == nil {
		return false, false
	}
	if !sess.blackboardQ.push(upd) {
		return false, true
	}
	return true, false
}

// pushResource delivers a dirtiness notification when the session
// watches the dirtied group on the given branch.
func (sess *Session) pushResource(branch string, key groupKey, ru rpc.ResourceUpdate) (delivered, dropped bool) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.watchingResources || sess.resourceQ == nil {
		return false, false
	}
	if branch != "" && sess.branch.Name() != branch {
		return false, false
	}
	if _, ok := sess.watchedGroups[key]; !ok {
		return false, false
	}
	if !sess.resourceQ.push(ru) {
		return false, true
	}
	return true, false
}

// closeQueues terminates all three streams, ending any consumers.
func (sess *Session) closeQueues() {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.watchingDepi = false
	sess.watchingBlackboard = false
	sess.watchingResources = false
	for _, q := range []*eventQueue{sess.depiQ, sess.blackboardQ, sess.resourceQ} {
		if q != nil {
			q.close()
		}
	}
}
