package storage

import (
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// ID is the opaque identifier for every persisted entity: 12 bytes
// canonical, printed as 24 lowercase hex characters. The zero value is not
// a valid id.
type ID = primitive.ObjectID

// NilID is the zero identifier.
var NilID = primitive.NilObjectID

// NewID generates a fresh identifier.
func NewID() ID {
	return primitive.NewObjectID()
}

// ParseID converts a 24-hex-character string into an ID. Anything else
// fails with ErrInvalidID. Every externally supplied id string must pass
// through here before reaching a collection operation.
func ParseID(s string) (ID, error) {
	id, err := primitive.ObjectIDFromHex(s)
	if err != nil {
		return NilID, fmt.Errorf("%w: %q", ErrInvalidID, s)
	}

	return id, nil
}

// ParseIDs converts a batch of id strings, partitioning them into parsed
// ids and the invalid originals. Bulk operations count invalid entries as
// per-id failures instead of rejecting the whole batch.
func ParseIDs(ss []string) (ids []ID, invalid []string) {
	ids = make([]ID, 0, len(ss))

	for _, s := range ss {
		id, err := ParseID(s)
		if err != nil {
			invalid = append(invalid, s)

			continue
		}

		ids = append(ids, id)
	}

	return ids, invalid
}
