package model

import "github.com/oklog/ulid/v2"

// NewID returns a new job ID. IDs sort by creation time.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether s is a well-formed job ID.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
