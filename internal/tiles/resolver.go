package tiles

import (
	"errors"
	"log"
)

// Resolution outcomes, in order of preference.
const (
	OutcomeExact       = "exact"
	OutcomeLegacy      = "legacy"
	OutcomePlaceholder = "placeholder"
)

// Resolver turns a structurally valid tile address into bytes, degrading
// from the exact artifact through the legacy level-less layout down to a
// shared transparent placeholder. It never reports "missing": within the
// valid address space there is always something to serve.
type Resolver struct {
	store *Store
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve returns tile bytes and the outcome that produced them. Storage
// errors other than absence are logged and degrade to the next source
// rather than surfacing to the caller.
func (r *Resolver) Resolve(variable, level string, z, x, y int, format string) ([]byte, string) {
	b, err := r.store.ReadTile(variable, level, z, x, y, format)
	if err == nil {
		return b, OutcomeExact
	}
	if !errors.Is(err, ErrNotFound) {
		log.Printf("ERROR: reading tile %s/%s/%d/%d/%d: %v", variable, level, z, x, y, err)
	}

	if format == "png" {
		b, err = r.store.ReadLegacyTile(variable, z, x, y)
		if err == nil {
			return b, OutcomeLegacy
		}
		if !errors.Is(err, ErrNotFound) {
			log.Printf("ERROR: reading legacy tile %s/%d/%d/%d: %v", variable, z, x, y, err)
		}
	}

	return Placeholder(), OutcomePlaceholder
}
