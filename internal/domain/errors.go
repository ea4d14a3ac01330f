package domain

import "errors"

var (
	ErrInvalidMessage    = errors.New("invalid message")
	ErrEmptyContent      = errors.New("empty content")
	ErrContentTooLong    = errors.New("content too long")
	ErrMissingRoom       = errors.New("missing room")
	ErrMessageNotFound   = errors.New("message not found")
	ErrRoomNotFound      = errors.New("room not found")
	ErrSessionNotFound   = errors.New("session not found")
	ErrNotAuthorized     = errors.New("not authorized")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Rejection is a policy outcome (rate limit, flood, denylist, room full),
// not a fault. It carries the user-visible reason.
type Rejection struct {
	Reason string
}

func (r *Rejection) Error() string { return r.Reason }

func Reject(reason string) *Rejection {
	return &Rejection{Reason: reason}
}

// IsRejection reports whether err is a policy rejection and returns it.
func IsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
