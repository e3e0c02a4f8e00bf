// Package store declares the repository used to persist task run history so
// runs remain queryable after their handles are gone.
package store
