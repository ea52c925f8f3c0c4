package impl

import "errors"

var (
	ErrEmptyDeviceID    = errors.New("empty device fingerprint")
	ErrInvalidTrialType = errors.New("invalid trial type")
	ErrInvalidTrialID   = errors.New("invalid trial id")
	ErrUserMismatch     = errors.New("user id does not match identity token")
)
