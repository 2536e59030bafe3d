package domain

import (
	"context"
	"time"
)

// Event describes a finished job for notifiers.
type Event struct {
	Kind     JobKind
	Database string
	Target   string
	Artifact Artifact
	Duration time.Duration
	Err      error
}

func (e Event) Succeeded() bool {
	return e.Err == nil
}

type Notifier interface {
	Notify(ctx context.Context, e Event) error
}
