// Package nilcheck detects nil collaborators hidden behind interfaces.
package nilcheck

import "reflect"

// IsNil reports whether value is nil or a typed nil wrapped in an interface,
// such as a (*Repository)(nil) passed where a Repository is expected.
func IsNil(value any) bool {
	if value == nil {
		return true
	}

	v := reflect.ValueOf(value)

	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
