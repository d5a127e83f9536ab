package ngsi

import (
	"errors"
	"fmt"
)

var (
	ErrAggregationUnsupported = errors.New("AggrMethod cannot be applied")
	ErrNotImplemented         = errors.New("not implemented")
	ErrGeoQueryUnsupported    = errors.New("geo query type not supported")
	ErrSchemaNotFound         = errors.New("table schema not found")
	ErrReservedAttribute      = errors.New("attribute name is reserved")
)

// UsageError reports a malformed request. It is never retried.
type UsageError struct {
	Msg string
	Err error
}

func (e *UsageError) Error() string {
	return e.Msg
}

func (e *UsageError) Unwrap() error { return e.Err }

func Usagef(format string, args ...any) error {
	return &UsageError{Msg: fmt.Sprintf(format, args...)}
}

// InvalidParameterValue reports an out-of-range or unparsable parameter.
type InvalidParameterValue struct {
	Param string
	Value string
}

func (e *InvalidParameterValue) Error() string {
	return fmt.Sprintf("The parameter value '%s' for parameter %s is not valid.", e.Value, e.Param)
}

// AmbiguousIDError is returned when an entity id exists under more than
// one entity type and no type was given.
type AmbiguousIDError struct {
	ID string
}

func (e *AmbiguousIDError) Error() string {
	return fmt.Sprintf("There are multiple entities with the given entity_id %s. Please specify entity_type.", e.ID)
}

func IsUsageError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

func IsInvalidParameter(err error) bool {
	var ip *InvalidParameterValue
	return errors.As(err, &ip)
}

func IsAmbiguousID(err error) bool {
	var ae *AmbiguousIDError
	return errors.As(err, &ae)
}
