package payload

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidPayload indicates the raw field map could not be parsed into a payload.
	ErrInvalidPayload = errors.New("invalid payload")
	// ErrEmptyPayload indicates the payload carries no title, message or data entries.
	ErrEmptyPayload = fmt.Errorf("%w: no title, message or data", ErrInvalidPayload)
	// ErrMissingVariable indicates a template references a variable that is not defined.
	ErrMissingVariable = errors.New("template variable does not exist")
	// ErrInvalidVariableNamespace indicates a template variable path uses an unknown prefix.
	ErrInvalidVariableNamespace = errors.New("invalid template variable namespace")
)
