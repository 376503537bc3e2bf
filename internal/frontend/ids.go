package frontend

import (
	"github.com/oklog/ulid/v2"
)

// IDSource generates channel ids. One source serves one server.
type IDSource interface {
	NewID() string
}

// ULIDSource returns lexically sortable, unique ids.
type ULIDSource struct{}

func (ULIDSource) NewID() string {
	return ulid.Make().String()
}
