package query

import "github.com/triplesync/core/internal/store"

// CanonicalKey serializes a query Tree into its key-sorted JSON "query
// key": two trees with the same shape always produce the same key, so
// they share a cached result and subscription slot.
func CanonicalKey(tree Tree) (string, error) {
	encoded, err := store.CanonicalJSON(tree)
	if err != nil {
		return "", err
	}
	return string(encoded), nil
}
