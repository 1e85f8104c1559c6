// Package validator wraps go-playground/validator for validating decoded
// inbound WebSocket verb payloads before they reach a service.
package validator

import "github.com/go-playground/validator/v10"

// Validator validates tagged structs.
type Validator struct {
	validate *validator.Validate
}

// New builds a Validator with the library's default tag set. Family-core
// payloads (location samples, ghost-mode toggles, membership mutations) are
// validated with plain `validate:"required"`/`oneof=...`/`gte=`/`lte=` tags,
// so no custom validation functions are registered here.
func New() *Validator {
	return &Validator{validate: validator.New()}
}

// Validate checks i against its `validate` struct tags.
func (v *Validator) Validate(i interface{}) error {
	return v.validate.Struct(i)
}
