package utils

import (
	"errors"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/ttacon/libphonenumber"
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

func IsValidEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// NormalizeEmail lower-cases and trims; invalid addresses become "".
func NormalizeEmail(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if !IsValidEmail(email) {
		return ""
	}
	return email
}

// NormalizePhone returns E.164 when the number parses for region, otherwise
// the digits (with a leading + kept) so that two spellings of the same local
// number still collide.
func NormalizePhone(phone, region string) string {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return ""
	}
	if p, err := libphonenumber.Parse(phone, region); err == nil && libphonenumber.IsValidNumber(p) {
		return libphonenumber.Format(p, libphonenumber.E164)
	}
	var b strings.Builder
	for i, r := range phone {
		if r >= '0' && r <= '9' || (r == '+' && i == 0) {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if strings.TrimPrefix(out, "+") == "" {
		return ""
	}
	return out
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func Validator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
		validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
			name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
			if name == "" || name == "-" {
				return fld.Name
			}
			return name
		})
	})
	return validate
}

// ValidateStruct runs struct-tag validation and converts the first failure to
// a ValidationError.
func ValidateStruct(v any) error {
	err := Validator().Struct(v)
	if err == nil {
		return nil
	}
	var vErrs validator.ValidationErrors
	if errors.As(err, &vErrs) && len(vErrs) > 0 {
		fe := vErrs[0]
		return NewValidationError(LowercaseFirst(fe.Field()), "failed on '%s' rule", fe.Tag())
	}
	return err
}

// ProcessValidationErrors flattens validator errors into field -> tag.
func ProcessValidationErrors(err error) map[string]string {
	out := map[string]string{}
	var vErrs validator.ValidationErrors
	if errors.As(err, &vErrs) {
		for _, fe := range vErrs {
			out[LowercaseFirst(fe.Field())] = fe.Tag()
		}
	}
	return out
}
