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

// Package axe is a multi-agent orchestration engine that runs a pool of
// LLM-backed agents against a shared workspace under a single scheduler.
//
// Agents take turns proposing filesystem and shell operations, a shared
// transcript keeps every agent's view consistent, and a supervisor enforces
// work-hour limits, break quotas, and degradation-based rest. All durable
// state lives in a SQLite store so an interrupted session can be resumed.
//
// The pieces compose in a fixed order: open the Store, build the agent
// Registry, attach the Transcript with the store as its mirror, start the
// Supervisor over the registry, then hand everything to the session
// Scheduler. The cmd/axe command wires this up from a YAML config file.
package axe
