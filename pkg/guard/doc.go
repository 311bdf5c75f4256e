// Package guard screens worker output for sensitive paths. The predicate
// is fixed and case-sensitive; matching files are reverted to their
// pre-worker state and the reverts committed before anything is published.
package guard
