package exceptions

import (
	"errors"
	"strings"

	"github.com/sagernet/sing-nio/common"
)

type MultiError interface {
	Unwrap() []error
}

type multiError struct {
	errors []error
}

func (e *multiError) Error() string {
	return strings.Join(common.Map(e.errors, error.Error), " | ")
}

func (e *multiError) Unwrap() []error {
	return e.errors
}

// Errors joins the non-nil errors, returning nil when there is none and the
// error itself when there is exactly one.
func Errors(errors ...error) error {
	errors = common.FilterNotNil(errors)
	errors = ExpandAll(errors)
	switch len(errors) {
	case 0:
		return nil
	case 1:
		return errors[0]
	}
	return &multiError{
		errors: errors,
	}
}

func Expand(err error) []error {
	if err == nil {
		return nil
	} else if multiErr, isMultiErr := err.(MultiError); isMultiErr {
		return ExpandAll(common.FilterNotNil(multiErr.Unwrap()))
	} else {
		return []error{err}
	}
}

func ExpandAll(errs []error) []error {
	return common.FlatMap(errs, Expand)
}

func IsMulti(err error, targetList ...error) bool {
	for _, target := range targetList {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
