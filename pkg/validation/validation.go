package validation

import (
	"encoding/base64"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/vinodismyname/frictionlab/internal/funnel"
	"github.com/vinodismyname/frictionlab/pkg/pagination"
)

var (
	v    *validator.Validate
	once sync.Once
)

// DatasetExtensions lists the file types the loader understands.
var DatasetExtensions = []string{".csv", ".xlsx", ".xlsm"}

// Validator returns a singleton validator with custom rules registered.
func Validator() *validator.Validate {
	once.Do(func() {
		v = validator.New(validator.WithRequiredStructEnabled())
		// Report json names so issues read "stage_order: ..."
		v.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return f.Name
			}
			return name
		})
		// Custom: dataset path must have a supported extension
		_ = v.RegisterValidation("dataset_ext", func(fl validator.FieldLevel) bool {
			s := strings.ToLower(strings.TrimSpace(fl.Field().String()))
			if s == "" {
				return false
			}
			for _, ext := range DatasetExtensions {
				if strings.HasSuffix(s, ext) {
					return true
				}
			}
			return false
		})
		// Custom: canonical stage label
		_ = v.RegisterValidation("stage_label", func(fl validator.FieldLevel) bool {
			_, ok := funnel.OrderOf(funnel.Stage(fl.Field().String()))
			return ok
		})
		// Custom: stage_order must agree with the sibling Stage label.
		// Unknown labels are reported by stage_label instead.
		_ = v.RegisterValidation("stage_order", func(fl validator.FieldLevel) bool {
			parent := fl.Parent()
			if !parent.IsValid() {
				return true
			}
			sf := parent.FieldByName("Stage")
			if !sf.IsValid() || sf.Kind() != reflect.String {
				return true
			}
			expected, ok := funnel.OrderOf(funnel.Stage(sf.String()))
			if !ok {
				return true
			}
			return int(fl.Field().Int()) == expected
		})
		// Custom: cursor must be decodable via pagination.DecodeCursor
		_ = v.RegisterValidation("cursor", func(fl validator.FieldLevel) bool {
			s := strings.TrimSpace(fl.Field().String())
			if s == "" {
				return true // empty is allowed; use omitempty with this tag
			}
			if _, err := base64.RawURLEncoding.DecodeString(s); err != nil {
				return false
			}
			if _, err := pagination.DecodeCursor(s); err != nil {
				return false
			}
			return true
		})
	})
	return v
}

// ValidateStruct validates a struct and returns a user-friendly error string
// suitable for MCP tool errors. Returns empty string when valid.
func ValidateStruct(s any) string {
	if err := Validator().Struct(s); err != nil {
		if ve, ok := err.(validator.ValidationErrors); ok && len(ve) > 0 {
			fe := ve[0]
			field := fe.Field()
			switch fe.Tag() {
			case "required":
				return fmt.Sprintf("VALIDATION: %s is required", field)
			case "dataset_ext":
				return "VALIDATION: path must be a dataset file (.csv, .xlsx, .xlsm)"
			case "cursor":
				return "CURSOR_INVALID: failed to decode cursor; restart pagination from the first page"
			case "oneof":
				return fmt.Sprintf("VALIDATION: %s must be one of [%s]", field, fe.Param())
			case "min", "max", "gte", "lte":
				return fmt.Sprintf("VALIDATION: %s must satisfy %s=%s", field, fe.Tag(), fe.Param())
			}
			return fmt.Sprintf("VALIDATION: invalid %s", field)
		}
		return "VALIDATION: invalid inputs"
	}
	return ""
}

// RowIssues validates a stage row and returns every issue as "field: message".
func RowIssues(row funnel.StageRow) []string {
	err := Validator().Struct(row)
	if err == nil {
		return nil
	}
	ve, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{"row: " + err.Error()}
	}
	issues := make([]string, 0, len(ve))
	for _, fe := range ve {
		issues = append(issues, fmt.Sprintf("%s: %s", fe.Field(), rowMessage(fe, row)))
	}
	return issues
}

func rowMessage(fe validator.FieldError, row funnel.StageRow) string {
	switch fe.Tag() {
	case "required":
		return "must not be empty"
	case "stage_label":
		return fmt.Sprintf("invalid stage %q", fe.Value())
	case "stage_order":
		expected, _ := funnel.OrderOf(row.Stage)
		return fmt.Sprintf("stage_order (%d) does not match stage (%s expects %d)", row.StageOrder, row.Stage, expected)
	case "oneof":
		return fmt.Sprintf("must be one of [%s]", fe.Param())
	case "min", "gte":
		return fmt.Sprintf("must be >= %s", fe.Param())
	case "max", "lte":
		return fmt.Sprintf("must be <= %s", fe.Param())
	}
	return "invalid value"
}
