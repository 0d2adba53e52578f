package ports

import "context"

// Contest is the slice of contest state the video surface depends on.
type Contest interface {
	ID() string
	IsFrozen() bool
	IsRunning() bool
	IncrementDesktop(ctx context.Context)
	IncrementWebcam(ctx context.Context)
	IncrementAudio(ctx context.Context)
}

type ContestDirectory interface {
	Contests(ctx context.Context) ([]Contest, error)
}
