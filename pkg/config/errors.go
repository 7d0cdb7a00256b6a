package config

import "errors"

// Parse errors
var (
	ErrUnknownSetting = errors.New("unknown ha setting")
	ErrInvalidValue   = errors.New("invalid setting value")
)
