// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sched provides a cooperative timer substrate: a millisecond Clock
// and a Scheduler that arms/cancels deadlines and fires callbacks in deadline
// order when ticked. DiagEngine arms its query timeouts here; MessagingCore
// and MqttSnClient keep their own deadlines and do not use it. There is no preemption: callbacks only run inside
// RunTick.
package sched

import "time"

// Clock returns the current time as a monotonic millisecond count. Tests
// inject a fake Clock so retransmission timing is deterministic.
type Clock interface {
	NowMillis() int64
}

// RealClock is a Clock backed by the wall clock, suitable for production use.
type RealClock struct{ start time.Time }

// NewRealClock creates a RealClock anchored to the current time.
func NewRealClock() *RealClock { return &RealClock{start: time.Now()} }

// NowMillis returns milliseconds elapsed since the clock was created.
func (c *RealClock) NowMillis() int64 { return time.Since(c.start).Milliseconds() }

// Expired reports whether (now - deadline) interpreted as a signed 32-bit
// value is >= 0, i.e. deadline has passed, using a wraparound-safe
// comparison. Scheduler.RunTick uses it to pick due timers.
func Expired(now, deadline int64) bool {
	return int32(now-deadline) >= 0
}

// TimerID identifies an armed timer so it can later be cancelled.
type TimerID uint64

// timerEntry is one armed deadline.
type timerEntry struct {
	id       TimerID
	deadline int64
	fn       func(now int64)
	cancel   bool
}

// Scheduler is a single-threaded, cooperative deadline multiplexer. Its one
// user in this module is DiagEngine's answer wait; MessagingCore's
// retransmission and MqttSnClient's per-queue retries are driven by their
// own Tick methods instead.
type Scheduler struct {
	clock   Clock
	nextID  TimerID
	timers  []*timerEntry
}

// NewScheduler creates a Scheduler driven by clock.
func NewScheduler(clock Clock) *Scheduler {
	return &Scheduler{clock: clock}
}

// Clock returns the scheduler's time source.
func (s *Scheduler) Clock() Clock { return s.clock }

// ArmTimer schedules fn to run the next time RunTick observes
// deadlineMillis has passed. Returns an ID that can be passed to
// CancelTimer.
func (s *Scheduler) ArmTimer(deadlineMillis int64, fn func(now int64)) TimerID {
	s.nextID++
	id := s.nextID
	s.timers = append(s.timers, &timerEntry{id: id, deadline: deadlineMillis, fn: fn})
	return id
}

// CancelTimer cancels a previously armed timer. It is a no-op if the timer
// already fired or was already cancelled.
func (s *Scheduler) CancelTimer(id TimerID) {
	for _, t := range s.timers {
		if t.id == id {
			t.cancel = true
			return
		}
	}
}

// RunTick invokes every expired, non-cancelled timer exactly once, in
// deadline order, then prunes them from the schedule. Callbacks may arm new
// timers; those are picked up on a subsequent RunTick, not the current one,
// so a callback cannot cause unbounded recursion within a single tick.
func (s *Scheduler) RunTick(now int64) {
	due := s.timers[:0:0]
	var remaining []*timerEntry
	for _, t := range s.timers {
		if t.cancel {
			continue
		}
		if Expired(now, t.deadline) {
			due = append(due, t)
		} else {
			remaining = append(remaining, t)
		}
	}
	s.timers = remaining

	// stable order: by deadline, then insertion order (slice order already
	// preserves insertion order; sort only by deadline to keep it simple and
	// deterministic for ties).
	for i := 1; i < len(due); i++ {
		j := i
		for j > 0 && due[j].deadline < due[j-1].deadline {
			due[j], due[j-1] = due[j-1], due[j]
			j--
		}
	}

	for _, t := range due {
		t.fn(now)
	}
}

// Pending returns the number of currently armed (non-cancelled) timers.
func (s *Scheduler) Pending() int {
	n := 0
	for _, t := range s.timers {
		if !t.cancel {
			n++
		}
	}
	return n
}

// NextDeadline returns the earliest armed deadline and true, or (0, false)
// if nothing is armed — the deadline subsystems arm their single timer to,
// rather than polling RunTick on a fixed cadence.
func (s *Scheduler) NextDeadline() (int64, bool) {
	var (
		best    int64
		found   bool
	)
	for _, t := range s.timers {
		if t.cancel {
			continue
		}
		if !found || t.deadline < best {
			best = t.deadline
			found = true
		}
	}
	return best, found
}
