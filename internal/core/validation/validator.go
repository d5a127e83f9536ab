package validation

import (
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (e *ValidationErrors) Error() string {
	var msgs []string
	for _, err := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", err.Field, err.Message))
	}
	return strings.Join(msgs, "; ")
}

// notificationSchema accepts NGSI v2 notifications carrying normalized or
// key-values entities.
const notificationSchema = `{
  "type": "object",
  "required": ["data"],
  "properties": {
    "subscriptionId": {"type": "string"},
    "data": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "type"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "type": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

type Validator struct {
	notification *gojsonschema.Schema
}

func NewValidator() (*Validator, error) {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(notificationSchema))
	if err != nil {
		return nil, fmt.Errorf("failed to compile notification schema: %w", err)
	}
	return &Validator{notification: schema}, nil
}

// ValidateNotification checks a raw notification body before decoding.
func (v *Validator) ValidateNotification(body []byte) error {
	result, err := v.notification.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return &ValidationErrors{Errors: []ValidationError{{Field: "(root)", Message: err.Error()}}}
	}

	if !result.Valid() {
		var validationErrors []ValidationError
		for _, desc := range result.Errors() {
			validationErrors = append(validationErrors, ValidationError{
				Field:   desc.Field(),
				Message: desc.Description(),
			})
		}
		return &ValidationErrors{Errors: validationErrors}
	}

	return nil
}

func IsValidationError(err error) bool {
	var ve *ValidationErrors
	return errors.As(err, &ve)
}

func GetValidationErrors(err error) *ValidationErrors {
	var ve *ValidationErrors
	if errors.As(err, &ve) {
		return ve
	}
	return nil
}
