package model

import (
	"errors"
)

var (
	ErrInvalidJob          = errors.New("invalid job")
	ErrJobExists           = errors.New("job already running")
	ErrJobNotFound         = errors.New("job not found")
	ErrInterpreterNotFound = errors.New("cannot locate Python binary")
	ErrEngineStopped       = errors.New("engine stopped")
)
