package validation

import (
	"encoding/json"
	"regexp"

	validatorv10 "github.com/go-playground/validator/v10"
)

// reportKindFormat is the shape of a kind token. Whether the kind is known is
// decided when the submission is processed, so a device on an older build
// gets a recorded rejection instead of a 400.
var reportKindFormat = regexp.MustCompile(`^[A-Z][A-Z_]{0,31}$`)

// New returns a configured validator with the custom tags registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()
	_ = v.RegisterValidation("report_kind", reportKind)
	_ = v.RegisterValidation("json_object", jsonObject)
	return v
}

func reportKind(fl validatorv10.FieldLevel) bool {
	return reportKindFormat.MatchString(fl.Field().String())
}

// jsonObject accepts a json.RawMessage holding a JSON object.
func jsonObject(fl validatorv10.FieldLevel) bool {
	raw, ok := fl.Field().Interface().(json.RawMessage)
	if !ok || len(raw) == 0 {
		return false
	}
	var obj map[string]json.RawMessage
	return json.Unmarshal(raw, &obj) == nil && obj != nil
}
