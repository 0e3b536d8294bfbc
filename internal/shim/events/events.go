// Package events publishes ordered task lifecycle events to the
// orchestrator's event channel.
package events

import "time"

// Kind is the lifecycle event kind.
type Kind string

const (
	KindCreate Kind = "create"
	KindStart  Kind = "start"
	KindExit   Kind = "exit"
	KindDelete Kind = "delete"
)

// Event is one lifecycle event. ExitCode and Pid are meaningful for Exit
// events only. Delivery is at-least-once; consumers deduplicate on
// (task id, exec id, kind, timestamp).
type Event struct {
	TaskID    string    `json:"task_id"`
	ExecID    string    `json:"exec_id"`
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Pid       int       `json:"pid,omitempty"`
}
