package channel

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation is returned when a record is missing required fields or
	// carries an unknown mode. The catalog is unchanged.
	ErrValidation = errors.New("invalid channel")

	// ErrNotFound is returned for an unknown channel id.
	ErrNotFound = errors.New("channel does not exist")

	// ErrLastChannel is returned when a delete would leave the catalog empty.
	ErrLastChannel = errors.New("cannot delete the last channel")
)

func validate(c Channel) error {
	var missing []string
	if strings.TrimSpace(c.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(c.URL) == "" {
		missing = append(missing, "url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	if !c.Mode.Valid() {
		return fmt.Errorf("%w: unknown mode %q", ErrValidation, c.Mode)
	}
	return nil
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
