package utils

import (
	"errors"

	"github.com/go-playground/validator/v10"
)

var ErrorRecordNotFound = errors.New("record not found")

// ProcessValidationErrors flattens binding failures into a field -> rule map
// suitable for an API error response.
func ProcessValidationErrors(err error) map[string]string {
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return nil
	}
	errorResponse := make(map[string]string)
	for _, ve := range validationErrors {
		errorResponse[ve.Field()] = ve.Tag()
	}
	return errorResponse
}
