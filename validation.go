package heroes

import (
	"sync"

	"github.com/go-playground/validator/v10"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func requestValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterStructValidation(budgetStructLevel, Budget{})
	})
	return validate
}

// budgetStructLevel enforces 0 ≤ min ≤ max.
func budgetStructLevel(sl validator.StructLevel) {
	b := sl.Current().Interface().(Budget)
	if b.Min.IsNegative() {
		sl.ReportError(b.Min, "Min", "min", "gte", "0")
	}
	if b.Min.GreaterThan(b.Max) {
		sl.ReportError(b.Max, "Max", "max", "gtefield", "Min")
	}
}

// ValidateCreateRequest checks requester input before it reaches the backend.
// Failures classify as CategoryValidation.
func ValidateCreateRequest(in CreateRequestInput) error {
	return requestValidator().Struct(in)
}
