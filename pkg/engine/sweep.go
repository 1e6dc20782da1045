package engine

import "errors"

// untilFirstError calls fn for each item in order and returns the first
// error, leaving the remaining items untouched.
func untilFirstError[T any](items []T, fn func(T) error) error {
	for _, item := range items {
		if err := fn(item); err != nil {
			return err
		}
	}
	return nil
}

// collectErrors calls fn for every item regardless of failures and returns
// the joined errors, or nil.
func collectErrors[T any](items []T, fn func(T) error) error {
	var errs []error
	for _, item := range items {
		if err := fn(item); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
