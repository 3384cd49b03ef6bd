package policy

import (
	"strings"

	"lineage/internal/models"
)

// ReadErr converts a read decision into an error. Forbidden reads surface as
// Access-Denied, distinct from Not-Found.
func (d Decision) ReadErr(resource string, id interface{}) error {
	switch d {
	case Allowed:
		return nil
	case DeniedNotFound:
		return models.NewNotFoundError(resource, id)
	default:
		return models.NewAccessDeniedError("You do not have access to this " + strings.ToLower(resource))
	}
}

// WriteErr converts a mutation decision into an error. Forbidden writes
// surface as Authorization errors.
func (d Decision) WriteErr(resource string, id interface{}, message string) error {
	switch d {
	case Allowed:
		return nil
	case DeniedNotFound:
		return models.NewNotFoundError(resource, id)
	default:
		return models.NewForbiddenError(message)
	}
}
