// Package models defines the domain models for blayzen-console
package models

import (
	"time"
)

// PresenceStatus is the agent availability classification reported to the
// routing system.
type PresenceStatus string

const (
	PresenceAvailable    PresenceStatus = "available"
	PresenceOnCall       PresenceStatus = "on_call"
	PresencePaused       PresenceStatus = "paused"
	PresenceDoNotDisturb PresenceStatus = "do_not_disturb"
)

// CallDirection represents whether a call is inbound or outbound
type CallDirection string

const (
	CallDirectionInbound  CallDirection = "inbound"
	CallDirectionOutbound CallDirection = "outbound"
)

// CallStatus represents the persisted state of a call
type CallStatus string

const (
	CallStatusInitiated CallStatus = "initiated"
	CallStatusRinging   CallStatus = "ringing"
	CallStatusAnswered  CallStatus = "answered"
	CallStatusCompleted CallStatus = "completed"
	CallStatusFailed    CallStatus = "failed"
	CallStatusCancelled CallStatus = "cancelled"
)

// CallLog represents a call detail record (CDR) for an operator call
type CallLog struct {
	ID              string        `json:"id" db:"id"`
	CallID          string        `json:"call_id" db:"call_id"`
	Operator        string        `json:"operator" db:"operator"`
	Direction       CallDirection `json:"direction" db:"direction"`
	RemoteIdentity  string        `json:"remote_identity" db:"remote_identity"`
	Status          CallStatus    `json:"status" db:"status"`
	InitiatedAt     time.Time     `json:"initiated_at" db:"initiated_at"`
	AnsweredAt      *time.Time    `json:"answered_at,omitempty" db:"answered_at"`
	EndedAt         *time.Time    `json:"ended_at,omitempty" db:"ended_at"`
	DurationSeconds *int          `json:"duration_seconds,omitempty" db:"duration_seconds"`
	HangupCause     *string       `json:"hangup_cause,omitempty" db:"hangup_cause"`
	CreatedAt       time.Time     `json:"created_at" db:"created_at"`
}

// ActiveCallRecord is a server-sourced snapshot of one live call on the PBX.
// The lifecycle of these records is fully controlled by the push feed; the
// console never mutates them.
type ActiveCallRecord struct {
	ID         string   `json:"id"`
	Caller     string   `json:"caller"`
	CallerName string   `json:"callerName"`
	Agent      string   `json:"agent"`
	AgentName  string   `json:"agentName"`
	State      string   `json:"state"`
	StartTime  string   `json:"startTime"`
	Channels   []string `json:"channels"`
}

// QueueMetrics is a flat per-queue snapshot from the push feed
type QueueMetrics struct {
	Queue           string  `json:"queue"`
	Waiting         int     `json:"waiting"`
	Completed       int     `json:"completed"`
	Abandoned       int     `json:"abandoned"`
	ServiceLevel    float64 `json:"serviceLevel"`
	AvgTalkTime     float64 `json:"avgTalkTime"`
	AvgHoldTime     float64 `json:"avgHoldTime"`
	LongestWait     int     `json:"longestWait"`
	AgentsAvailable int     `json:"agentsAvailable"`
	AgentsBusy      int     `json:"agentsBusy"`
	AgentsPaused    int     `json:"agentsPaused"`
}

// QueueMemberStatus is a per-member roster entry from the push feed
type QueueMemberStatus struct {
	Queue      string `json:"queue"`
	Name       string `json:"name"`
	Interface  string `json:"interface"`
	Status     string `json:"status"`
	Paused     bool   `json:"paused"`
	CallsTaken int    `json:"callsTaken"`
	LastCall   string `json:"lastCall"`
}

// QueueCaller is one waiting caller in a queue
type QueueCaller struct {
	Queue      string `json:"queue"`
	Position   int    `json:"position"`
	Caller     string `json:"caller"`
	CallerName string `json:"callerName"`
	WaitSecs   int    `json:"waitSecs"`
}

// WrapUpStatus reports whether an agent is in post-call wrap-up.
// Keyed by agent extension or display name; merged additively so unrelated
// agents keep their last-known wrap state between pushes.
type WrapUpStatus struct {
	Agent    string `json:"agent"`
	InWrapUp bool   `json:"inWrapUp"`
}
