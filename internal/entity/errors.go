package entity

import "errors"

var (
	// ErrEntityNotFound is returned when an entity id is neither present in
	// the state cache nor in the registry snapshot.
	ErrEntityNotFound = errors.New("entity: entity not found")
)
