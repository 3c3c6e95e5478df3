package lifecycle

import (
	"errors"
	"fmt"
)

var (
	ErrStoryNotFound     = errors.New("story not found")
	ErrStoryNotJoinable  = errors.New("story no longer accepts writers")
	ErrNotAParticipant   = errors.New("user does not participate in this story")
	ErrFragmentLocked    = errors.New("fragment is locked")
	ErrUnauthorized      = errors.New("not allowed to modify this story")
	ErrInvalidTransition = errors.New("invalid stage transition")
	ErrStoryPublished    = errors.New("story is published")
	ErrStoryNotPublished = errors.New("story is not published")
	ErrInvalidWriters    = errors.New("number of writers out of range")
)

// ErrStoryFull is a refinement of ErrStoryNotJoinable.
var ErrStoryFull = fmt.Errorf("%w: story has reached its number of writers", ErrStoryNotJoinable)
