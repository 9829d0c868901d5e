package models

// ValidationLayer names one stage of the validation pipeline.
type ValidationLayer string

const (
	LayerSchema   ValidationLayer = "schema"
	LayerBusiness ValidationLayer = "business"
	LayerSecurity ValidationLayer = "security"
)

// ValidationStatus is the verdict of a layer or of the whole pipeline.
type ValidationStatus string

const (
	ValidationPassed  ValidationStatus = "passed"
	ValidationWarning ValidationStatus = "warning"
	ValidationFailed  ValidationStatus = "failed"
)

// Operation is the subject handed to the validator.
type Operation struct {
	Kind       string         `json:"kind"`
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Schema     map[string]any `json:"schema,omitempty"`
}

// LayerResult is the verdict of a single layer.
type LayerResult struct {
	Layer    ValidationLayer  `json:"layer"`
	Status   ValidationStatus `json:"status"`
	Errors   []string         `json:"errors,omitempty"`
	Warnings []string         `json:"warnings,omitempty"`
}

// ValidationResult aggregates layer results.
type ValidationResult struct {
	OverallStatus ValidationStatus `json:"overall_status"`
	Results       []LayerResult    `json:"results"`
}

// Errors flattens all layer errors.
func (r *ValidationResult) Errors() []string {
	var errs []string
	for _, res := range r.Results {
		errs = append(errs, res.Errors...)
	}

	return errs
}
