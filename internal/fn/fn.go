package fn

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
)

// Name returns the name of the function.
func Name(f any) string {
	// Adapted from https://stackoverflow.com/a/7053871
	fnName := runtime.FuncForPC(reflect.ValueOf(f).Pointer()).Name()

	s := strings.Split(fnName, ".")
	fnName = s[len(s)-1]

	return strings.TrimSuffix(fnName, "-fm")
}

// MethodName returns the name of the method f refers to after verifying that receiver has an exported method
// with that name and a compatible signature. A nil f yields an empty name.
func MethodName(receiver any, f any) (string, error) {
	fv := reflect.ValueOf(f)
	if f == nil || fv.IsNil() {
		return "", nil
	}

	name := Name(f)

	m := reflect.ValueOf(receiver).MethodByName(name)
	if !m.IsValid() {
		return "", fmt.Errorf("callback %q is not an exported method of %T", name, receiver)
	}

	if !m.Type().ConvertibleTo(fv.Type()) {
		return "", fmt.Errorf("method %q of %T has signature %v, expected %v", name, receiver, m.Type(), fv.Type())
	}

	return name, nil
}

// Method binds the named method of receiver as a function of type T.
func Method[T any](receiver any, name string) (T, error) {
	var zero T

	m := reflect.ValueOf(receiver).MethodByName(name)
	if !m.IsValid() {
		return zero, fmt.Errorf("%T has no exported method %q", receiver, name)
	}

	t := reflect.TypeOf((*T)(nil)).Elem()
	if !m.Type().ConvertibleTo(t) {
		return zero, fmt.Errorf("method %q of %T has signature %v, expected %v", name, receiver, m.Type(), t)
	}

	return m.Convert(t).Interface().(T), nil
}
