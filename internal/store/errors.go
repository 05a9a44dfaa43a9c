package store

import "errors"

var (
	// ErrEmptyURL indicates a URL parameter is missing or empty
	ErrEmptyURL = errors.New("empty_url")

	// ErrEmptyName indicates a name/key parameter is missing or empty
	ErrEmptyName = errors.New("empty_name")

	// ErrNotFound indicates the referenced row does not exist
	ErrNotFound = errors.New("not_found")
)
