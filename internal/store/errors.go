package store

import "errors"

var (
	ErrClaimNotFound = errors.New("tenant claim not found")
)
