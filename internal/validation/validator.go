package validation

import (
	validatorv10 "github.com/go-playground/validator/v10"
)

// New returns a configured validator with the struct-level rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// items may only be omitted when retrying an existing order
	v.RegisterStructValidation(createIntentStructValidation, CreateIntentRequest{})

	return v
}

func createIntentStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CreateIntentRequest)

	if req.OrderID == "" && len(req.Items) == 0 {
		sl.ReportError(req.Items, "items", "Items", "required_without_order", "")
	}
}
