package helpers

import (
	"fmt"
	"strings"

	"github.com/juju/errors"
)

func FoldErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	ss := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			ss = append(ss, e.Error())
		}
	}
	switch len(ss) {
	case 0:
		return nil
	case 1:
		for _, e := range errs {
			if e != nil {
				return e
			}
		}
	}
	return errors.New(strings.Join(ss, "\n"))
}

// PanicError converts recover() result into error.
// Returns nil for nil input, so it is safe to call unconditionally in defer.
func PanicError(r interface{}) error {
	switch x := r.(type) {
	case nil:
		return nil
	case error:
		return errors.Annotate(x, "panic")
	default:
		return errors.New(fmt.Sprintf("panic: %v", x))
	}
}
