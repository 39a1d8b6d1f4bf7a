// Package domain defines the core types shared by the governance engine.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. All types in this package are:
//
// - Independent of infrastructure (no database, cache, HTTP, etc.)
// - Shared by the permission resolver, the policy rule engine and the audit pipeline
// - Testable in isolation without mocks
//
// The dependency direction is always:
//
//	authz / policy / audit / storage → domain (CORRECT)
//	domain → any of them (FORBIDDEN)
//
// Roles and policies are produced by an external administration layer and are only
// read here. Audit events are created exactly once and never mutated.
package domain
