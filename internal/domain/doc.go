// Package domain declares the fixed rowsync deployment: the twelve entity
// types, their relationships and default delete policies, and the
// derivation and constraint rules that keep them consistent.
//
// The rule set is fixed per process. Options only select among declared
// variants (the customer balance filter) and override delete policies.
package domain
