package objects

import "github.com/oklog/ulid/v2"

// IDProvider issues object identifiers.
type IDProvider interface {
	NewID() (string, error)
}

type ulidProvider struct{}

// NewULIDProvider constructs an IDProvider issuing lexically sortable ULIDs.
func NewULIDProvider() IDProvider {
	return ulidProvider{}
}

func (ulidProvider) NewID() (string, error) {
	return ulid.Make().String(), nil
}
