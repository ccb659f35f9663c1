package jobstats

import (
	"context"
	"time"
)

// Response is the status code and body returned by a Transport.
type Response struct {
	StatusCode int
	Body       []byte
}

// OK reports whether the response carries HTTP 200.
func (r Response) OK() bool {
	return r.StatusCode == 200
}

// Transport fetches remote logs and stats from a node.
type Transport interface {
	Fetch(ctx context.Context, url string, asJSON bool) (Response, error)
}

// LogParser turns raw log text into a snapshot. Implementations must not perform I/O.
type LogParser interface {
	Parse(text string) (Snapshot, error)
}

// LogParserFunc adapts a function to LogParser.
type LogParserFunc func(text string) (Snapshot, error)

// Parse calls f(text).
func (f LogParserFunc) Parse(text string) (Snapshot, error) {
	return f(text)
}

// BackupStore persists the last known good snapshot per job.
type BackupStore interface {
	Load(ctx context.Context, key JobKey) (Snapshot, error)
	Save(ctx context.Context, key JobKey, snapshot Snapshot) error
}

// Action is a remote job-control command.
type Action string

// Job-control actions.
const (
	ActionNone      Action = ""
	ActionStop      Action = "stop"
	ActionForceStop Action = "forcestop"
)

// JobController invokes stop or force-stop on a node.
type JobController interface {
	Invoke(ctx context.Context, action Action, key JobKey) error
}

// Sender delivers a notification with a subject and an ordered content payload.
type Sender interface {
	Send(ctx context.Context, subject string, content Content) error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
