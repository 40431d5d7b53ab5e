// Package schema is the entity schema registry: entity types, their typed
// attributes and the named parent/child relationships between them.
//
// A Registry is assembled once with a Builder at process start and is
// immutable afterward. Relationships are directed edges resolved through the
// persistence adapter; rows never hold back-pointers to their parents or
// children.
package schema
