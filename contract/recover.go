package contract

import "fmt"

// Recover converts a panic into an error. Call it via defer:
//
//	var err error
//	defer contract.Recover(&err)
//	geom.NewRange(5, 3)
//
// A violation raised by Abort arrives as *Violation and can be inspected with
// errors.As.
func Recover(errp *error) {
	if r := recover(); r != nil {
		if e, ok := r.(error); ok {
			*errp = e
		} else {
			*errp = fmt.Errorf("%v", r)
		}
	}
}
