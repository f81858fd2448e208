package httpserver

import (
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"time"
)

// ValidationError represents a validation error
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ValidationResult represents the result of validation
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

var validTaskID = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateTaskID validates a task ID
func ValidateTaskID(taskID string) ValidationResult {
	if taskID == "" {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "id",
					Code:    "REQUIRED",
					Message: "Task ID is required",
				},
			},
		}
	}

	if len(taskID) > 64 {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "id",
					Code:    "TOO_LONG",
					Message: "Task ID is too long (max 64 characters)",
				},
			},
		}
	}

	if !validTaskID.MatchString(taskID) {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "id",
					Code:    "INVALID_FORMAT",
					Message: "Task ID contains invalid characters",
				},
			},
		}
	}

	return ValidationResult{Valid: true}
}

// ValidateDate validates a ledger date key in YYYY-MM-DD form.
func ValidateDate(field, date string) ValidationResult {
	if date == "" {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   field,
					Code:    "REQUIRED",
					Message: "Date is required",
				},
			},
		}
	}

	if _, err := time.Parse("2006-01-02", date); err != nil {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   field,
					Code:    "INVALID_FORMAT",
					Message: "Date must be YYYY-MM-DD",
				},
			},
		}
	}

	return ValidationResult{Valid: true}
}

// ValidateDateRange validates both range bounds and their order. Bounds are
// inclusive; YYYY-MM-DD strings order lexicographically.
func ValidateDateRange(from, to string) ValidationResult {
	if vr := ValidateDate("from", from); !vr.Valid {
		return vr
	}
	if vr := ValidateDate("to", to); !vr.Valid {
		return vr
	}
	if from > to {
		return ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   "from",
					Code:    "INVALID_RANGE",
					Message: "Range start must not be after range end",
				},
			},
		}
	}
	return ValidationResult{Valid: true}
}

// ValidateStatusFilter validates a task status filter
func ValidateStatusFilter(status string) ValidationResult {
	if status == "" {
		return ValidationResult{Valid: true}
	}

	validStatuses := []string{"pending", "running", "completed", "failed", "cancelled"}
	for _, validStatus := range validStatuses {
		if status == validStatus {
			return ValidationResult{Valid: true}
		}
	}

	return ValidationResult{
		Valid: false,
		Errors: []ValidationError{
			{
				Field:   "status",
				Code:    "INVALID_VALUE",
				Message: "Status must be one of: pending, running, completed, failed, cancelled",
			},
		},
	}
}

// QueryInt parses an optional integer query parameter constrained to
// [lo, hi], falling back to def when the parameter is absent.
func QueryInt(r *http.Request, name string, def, lo, hi int) (int, ValidationResult) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, ValidationResult{Valid: true}
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < lo || n > hi {
		return 0, ValidationResult{
			Valid: false,
			Errors: []ValidationError{
				{
					Field:   name,
					Code:    "INVALID_FORMAT",
					Message: fmt.Sprintf("%s must be an integer between %d and %d", name, lo, hi),
				},
			},
		}
	}
	return n, ValidationResult{Valid: true}
}
