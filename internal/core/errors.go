package core

import "errors"

// Sentinel errors shared across stores, the engine, and the API layer.
var (
	ErrMissionNotFound  = errors.New("mission not found")
	ErrTemplateNotFound = errors.New("template not found")
	ErrRunNotFound      = errors.New("run not found")
	ErrNodeNotFound     = errors.New("node not found")
	ErrProjectNotFound  = errors.New("project not found")
	ErrNotRetriable     = errors.New("node is not in a retriable state")
	ErrInvalidID        = errors.New("invalid id")
	ErrProviderUnknown  = errors.New("unknown provider")
)
