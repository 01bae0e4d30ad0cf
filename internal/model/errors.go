package model

import (
	"errors"
)

var (
	ErrInvalidType   = errors.New("invalid job type")
	ErrInvalidMeta   = errors.New("invalid job meta")
	ErrInvalidConfig = errors.New("invalid configuration")
)
