// Package credentials rotates requests across a pool of interchangeable
// upstream API keys.
package credentials

import (
	"errors"
	"sync"
)

// ErrEmptyPool is returned by NewRotator when no credentials are given.
var ErrEmptyPool = errors.New("credential pool is empty")

// FailureKind tells the rotator how to account for a failed call.
type FailureKind int

const (
	// FailureCredential is an authentication or authorization rejection.
	FailureCredential FailureKind = iota
	// FailureQuota is a per-credential quota or rate-limit rejection.
	FailureQuota
	// FailureTransient is a server-side or network failure not tied to the
	// credential.
	FailureTransient
)

// Credential is one selected pool entry.
type Credential struct {
	Index int
	Key   string
}

// Rotator hands out credentials round-robin. While consecutive failures are
// outstanding it skips ahead by min(failures, size-1) positions. Within a
// round (the selections since the last success or since every credential was
// last used) no credential is handed out twice, so a run of failures visits
// the whole pool before repeating any key.
type Rotator struct {
	mu                sync.Mutex
	keys              []string
	cursor            int
	consecutiveErrors int
	round             []bool
	roundSize         int
}

// NewRotator creates a rotator over keys in order.
func NewRotator(keys []string) (*Rotator, error) {
	if len(keys) == 0 {
		return nil, ErrEmptyPool
	}
	return &Rotator{
		keys:  append([]string(nil), keys...),
		round: make([]bool, len(keys)),
	}, nil
}

// Next selects the next credential and advances the cursor past it.
func (r *Rotator) Next() Credential {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(r.keys)
	if r.roundSize == n {
		r.clearRoundLocked()
	}

	start := r.cursor
	if r.consecutiveErrors > 0 {
		start = (start + min(r.consecutiveErrors, n-1)) % n
	}

	idx := start
	for i := 0; i < n; i++ {
		idx = (start + i) % n
		if !r.round[idx] {
			break
		}
	}

	r.round[idx] = true
	r.roundSize++
	r.cursor = (idx + 1) % n
	return Credential{Index: idx, Key: r.keys[idx]}
}

// ReportSuccess clears the failure streak.
func (r *Rotator) ReportSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveErrors = 0
	r.clearRoundLocked()
}

// ReportFailure accounts for a failed call. Credential and quota failures
// extend the streak; transient failures are not attributed to the
// credential and reset it.
func (r *Rotator) ReportFailure(kind FailureKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if kind == FailureTransient {
		r.consecutiveErrors = 0
		return
	}
	r.consecutiveErrors++
}

// Size reports the number of credentials in the pool.
func (r *Rotator) Size() int {
	return len(r.keys)
}

// ConsecutiveErrors reports the current failure streak.
func (r *Rotator) ConsecutiveErrors() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.consecutiveErrors
}

// Reset returns the rotator to its initial state.
func (r *Rotator) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursor = 0
	r.consecutiveErrors = 0
	r.clearRoundLocked()
}

func (r *Rotator) clearRoundLocked() {
	for i := range r.round {
		r.round[i] = false
	}
	r.roundSize = 0
}
