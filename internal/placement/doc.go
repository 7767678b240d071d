// Package placement implements the placement directory: the component
// that decides, and remembers, which node hosts a given (type_name, id).
//
// A Directory fronts a store.PlacementStorage with a local LRU cache so
// that repeated lookups for a hot object never round-trip to the store,
// and collapses concurrent local allocation attempts for the same
// identity with golang.org/x/sync/singleflight so a cache stampede
// becomes one store call instead of N.
package placement
