// Package store persists refresh-token records in Redis and implements the
// atomic conditional update that makes token rotation exactly-once. Records
// are kept after revocation for a configurable retention window so that
// reuse incidents can be investigated after the fact.
package store
