// Copyright 2025 Kadir Pekel
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

// Package agent defines the worker identity model and the runtime
// registry that mirrors it.
//
// An Agent is a persistent LLM-backed worker: a stable id, a short alias
// unique within the session, an opaque model reference, accumulated XP
// and the level derived from it, and a lifecycle status that only the
// supervisor may change.
package agent

import (
	"math"
	"time"
)

// Status is the lifecycle state of an agent.
type Status string

const (
	StatusActive   Status = "active"
	StatusSleeping Status = "sleeping"
	StatusOnBreak  Status = "on_break"
	StatusDegraded Status = "degraded"
	StatusRetired  Status = "retired"
)

// RoleSupervisor marks the single agent allowed to hold the safety plane.
const RoleSupervisor = "supervisor"

// Agent is a persistent worker identity.
type Agent struct {
	ID       string
	Alias    string
	ModelRef string
	Role     string

	XP    int64
	Level int

	Status          Status
	StatusReason    string
	StatusExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Active reports whether the agent can be scheduled.
func (a *Agent) Active() bool {
	return a.Status == StatusActive
}

// maxLevel bounds the threshold table; XP beyond this is still counted
// but the level no longer grows.
const maxLevel = 60

// Threshold returns the total XP required to reach level l.
//
// The curve is piecewise: quadratic up to level 10, then geometric with a
// 1.2 growth factor. It is strictly monotonic in l.
func Threshold(l int) int64 {
	if l <= 0 {
		return 0
	}
	if l <= 10 {
		return int64(100*l + 10*l*l)
	}
	base := float64(Threshold(10))
	extra := float64(l-10) * 500 * math.Pow(1.2, float64(l-10))
	return int64(base + extra)
}

// LevelForXP returns the highest level whose threshold is covered by xp.
func LevelForXP(xp int64) int {
	if xp <= 0 {
		return 0
	}
	level := 0
	for l := 1; l <= maxLevel; l++ {
		if Threshold(l) > xp {
			break
		}
		level = l
	}
	return level
}
