package store

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/opensource-finance/achscore/internal/domain"
)

// returnCodePattern matches NACHA return reason codes such as R01 or R29.
var returnCodePattern = regexp.MustCompile(`^R[0-9]{2}$`)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	v.RegisterValidation("return_code", func(fl validator.FieldLevel) bool {
		return returnCodePattern.MatchString(fl.Field().String())
	})

	return v
}

// ValidReturnCode reports whether code looks like a NACHA return code.
func ValidReturnCode(code string) bool {
	return returnCodePattern.MatchString(code)
}

// check returns the data model violations of a single transaction. Return
// consistency is only checked when the store carries the returned field.
func (s *Store) check(tx *domain.Transaction) []string {
	var reasons []string

	if err := validate.Struct(tx); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				reasons = append(reasons, fmt.Sprintf("field %s failed %q validation (value %v)", fe.Field(), fe.Tag(), fe.Value()))
			}
		} else {
			reasons = append(reasons, err.Error())
		}
	}

	if tx.Amount.IsNegative() {
		reasons = append(reasons, fmt.Sprintf("amount must be non-negative, got %s", tx.Amount))
	}

	if !s.HasField(domain.FieldReturned) {
		return reasons
	}

	switch {
	case tx.Returned && tx.ReturnCode == nil:
		reasons = append(reasons, "returned is true but return_code is absent")
	case !tx.Returned && tx.ReturnCode != nil:
		reasons = append(reasons, fmt.Sprintf("return_code %s is present but returned is false", *tx.ReturnCode))
	}

	switch {
	case tx.Returned && tx.DaysToReturn == nil:
		reasons = append(reasons, "returned is true but days_to_return is absent")
	case !tx.Returned && tx.DaysToReturn != nil:
		reasons = append(reasons, "days_to_return is present but returned is false")
	}

	return reasons
}
