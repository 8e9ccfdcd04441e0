package geom

import (
	"errors"
	"fmt"
)

// ErrWrongSpace is matched by every SpaceError.
var ErrWrongSpace = errors.New("pose is in the wrong space")

// SpaceError reports a pose handed to an entry point for another frame.
type SpaceError struct {
	Want, Got Space
}

func (e *SpaceError) Error() string {
	return fmt.Sprintf("pose is in %s space, want %s", e.Got, e.Want)
}

func (e *SpaceError) Is(target error) bool { return target == ErrWrongSpace }

// RequireSpace returns a SpaceError unless p is in want.
func RequireSpace(p Pose, want Space) error {
	if p.Space != want {
		return &SpaceError{Want: want, Got: p.Space}
	}
	return nil
}
