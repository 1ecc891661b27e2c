package battle

import (
	"errors"
	"fmt"
)

// Error classes. Callers log and drop both; neither changes battle state.
var (
	// ErrStateConflict marks an action that arrived in the wrong battle state.
	ErrStateConflict = errors.New("battle state conflict")

	// ErrValidation marks an out-of-contract request.
	ErrValidation = errors.New("invalid battle request")
)

// Specific errors, classified by the sentinels above.
var (
	ErrBattleNotFound = fmt.Errorf("%w: battle not found", ErrStateConflict)
	ErrNotPlaying     = fmt.Errorf("%w: battle is not in progress", ErrStateConflict)
	ErrSlotFilled     = fmt.Errorf("%w: answer slot already filled", ErrStateConflict)
	ErrAlreadyActive  = fmt.Errorf("%w: user already in a battle", ErrStateConflict)
	ErrNotParticipant = fmt.Errorf("%w: user is not a participant", ErrValidation)
	ErrIndexRange     = fmt.Errorf("%w: question index out of range", ErrValidation)
	ErrSamePlayer     = fmt.Errorf("%w: a user cannot battle itself", ErrValidation)
)
