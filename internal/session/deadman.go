package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DeadmanCancelReason classifies why a pending action was cancelled.
type DeadmanCancelReason string

const (
	CancelCancelled  DeadmanCancelReason = "cancelled"
	CancelSuperseded DeadmanCancelReason = "superseded"
	CancelStopped    DeadmanCancelReason = "stopped"
)

// ErrPendingConflict is returned when arming a caregiver call while a
// media start is pending, or vice versa. The two are mutually exclusive:
// neither may silently supersede the other.
var ErrPendingConflict = errors.New("conflicting action already pending")

// deadmanExpiry is how long an armed action waits for the wearer to
// cancel before it commits on its own.
const deadmanExpiry = 10 * time.Second

type pendingAction struct {
	id       string
	action   string
	onCommit func()
	onCancel func(DeadmanCancelReason)
	expire   *time.Timer
}

// DeadmanOptions wires the narrow closures DeadmanSwitch needs.
type DeadmanOptions struct {
	SendToWatch    func(msg any)
	GetSessionID   func() string
	IsUserSpeaking func() bool
	Expiry         time.Duration
}

// DeadmanSwitch arms a single pending action (e.g. starting a caregiver
// call, starting media playback) that commits after a countdown unless
// the wearer cancels it first.
type DeadmanSwitch struct {
	opts DeadmanOptions

	mu      sync.Mutex
	pending *pendingAction
}

// NewDeadmanSwitch builds a DeadmanSwitch.
func NewDeadmanSwitch(opts DeadmanOptions) *DeadmanSwitch {
	if opts.Expiry <= 0 {
		opts.Expiry = deadmanExpiry
	}
	return &DeadmanSwitch{opts: opts}
}

// IsPending reports whether any action is currently armed.
func (d *DeadmanSwitch) IsPending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending != nil
}

// PendingAction returns the armed action's name, or "" if none.
func (d *DeadmanSwitch) PendingAction() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return ""
	}
	return d.pending.action
}

// conflicting reports whether two actions are in the mutually exclusive
// call/media pair.
func conflicting(a, b string) bool {
	aCall := a == "start_call"
	bCall := b == "start_call"
	return aCall != bCall
}

// ArmStart arms a new pending action and notifies the wearer's device so
// it can show the cancel countdown. Re-arming the same kind of action
// supersedes the prior one; arming a call while media is pending (or the
// reverse) fails with ErrPendingConflict. The action commits itself when
// the countdown expires.
func (d *DeadmanSwitch) ArmStart(action string, onCommit func(), onCancel func(DeadmanCancelReason)) (string, error) {
	d.mu.Lock()
	prior := d.pending
	if prior != nil && conflicting(action, prior.action) {
		d.mu.Unlock()
		return "", ErrPendingConflict
	}
	if prior != nil && prior.expire != nil {
		prior.expire.Stop()
	}

	id := uuid.NewString()
	p := &pendingAction{id: id, action: action, onCommit: onCommit, onCancel: onCancel}
	p.expire = time.AfterFunc(d.opts.Expiry, func() { d.Commit(id) })
	d.pending = p
	d.mu.Unlock()

	if prior != nil && prior.onCancel != nil {
		prior.onCancel(CancelSuperseded)
	}

	if d.opts.SendToWatch != nil {
		d.opts.SendToWatch(map[string]any{
			"type":       "deadman-pending",
			"pendingId":  id,
			"action":     action,
			"expiresInMs": d.opts.Expiry.Milliseconds(),
		})
	}
	return id, nil
}

// Commit fires the pending action's onCommit callback and clears it, if
// pendingID still matches the currently armed action.
func (d *DeadmanSwitch) Commit(pendingID string) bool {
	p := d.take(pendingID, "")
	if p == nil {
		return false
	}
	if p.onCommit != nil {
		p.onCommit()
	}
	return true
}

// Cancel cancels the pending action identified by pendingID, if it is
// still the one armed.
func (d *DeadmanSwitch) Cancel(pendingID string, reason DeadmanCancelReason) bool {
	p := d.take(pendingID, "")
	if p == nil {
		return false
	}
	if p.onCancel != nil {
		p.onCancel(reason)
	}
	return true
}

// CancelIfAction cancels the pending action only if its name matches
// action, used at session end to tear down specific pending media
// actions without disturbing an unrelated pending call.
func (d *DeadmanSwitch) CancelIfAction(action string, reason DeadmanCancelReason) bool {
	p := d.take("", action)
	if p == nil {
		return false
	}
	if p.onCancel != nil {
		p.onCancel(reason)
	}
	return true
}

// CancelAny cancels whatever action is pending, regardless of name.
func (d *DeadmanSwitch) CancelAny(reason DeadmanCancelReason) {
	d.mu.Lock()
	p := d.pending
	d.pending = nil
	d.mu.Unlock()

	if p != nil {
		if p.expire != nil {
			p.expire.Stop()
		}
		if p.onCancel != nil {
			p.onCancel(reason)
		}
	}
}

// take detaches and returns the pending action matching pendingID or
// action (whichever is non-empty), stopping its expiry timer.
func (d *DeadmanSwitch) take(pendingID, action string) *pendingAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pending == nil {
		return nil
	}
	if pendingID != "" && d.pending.id != pendingID {
		return nil
	}
	if action != "" && d.pending.action != action {
		return nil
	}
	p := d.pending
	d.pending = nil
	if p.expire != nil {
		p.expire.Stop()
	}
	return p
}
