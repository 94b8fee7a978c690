package httputil

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	clockPattern       = regexp.MustCompile(`^([01][0-9]|2[0-3]):[0-5][0-9]$`)
	bookingCodePattern = regexp.MustCompile(`^[0-9]{6}-[23456789ABCDEFGHJKLMNPQRSTUVWXYZ]{6}$`)
	phonePattern       = regexp.MustCompile(`^\+?[0-9][0-9 \-]{6,19}$`)
	deptCodePattern    = regexp.MustCompile(`^[A-Z0-9]{2,10}$`)
)

// Validator adapts go-playground/validator to echo.Validator. Field names in
// messages use the json tag.
type Validator struct {
	v *validator.Validate
}

func NewValidator() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("clock", matchString(clockPattern))
	_ = v.RegisterValidation("booking_code", matchString(bookingCodePattern))
	_ = v.RegisterValidation("phone", matchString(phonePattern))
	_ = v.RegisterValidation("dept_code", matchString(deptCodePattern))
	_ = v.RegisterValidation("date", func(fl validator.FieldLevel) bool {
		_, err := time.Parse(time.DateOnly, fl.Field().String())
		return err == nil
	})
	return &Validator{v: v}
}

func matchString(re *regexp.Regexp) validator.Func {
	return func(fl validator.FieldLevel) bool {
		return re.MatchString(fl.Field().String())
	}
}

// Validate returns nil or an error listing every failed field.
func (cv *Validator) Validate(i interface{}) error {
	err := cv.v.Struct(i)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fe.Field()+" "+describe(fe))
	}
	return errors.New(strings.Join(msgs, "; "))
}

var tagMessages = map[string]string{
	"required":     "is required",
	"email":        "must be a valid email address",
	"uuid":         "must be a UUID",
	"clock":        "must be a time in HH:MM format",
	"date":         "must be a date in YYYY-MM-DD format",
	"booking_code": "must be a booking code like 260115-ABCDEF",
	"phone":        "must be a phone number",
	"dept_code":    "must be 2-10 uppercase letters or digits",
	"alphanum":     "must contain only letters and digits",
}

func describe(fe validator.FieldError) string {
	if msg, ok := tagMessages[fe.Tag()]; ok {
		return msg
	}
	switch fe.Tag() {
	case "min":
		return fmt.Sprintf("must be at least %s", fe.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", strings.Join(strings.Fields(fe.Param()), ", "))
	}
	return "is invalid"
}
