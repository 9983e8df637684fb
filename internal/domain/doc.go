// Package domain defines the core business types for the sequence engine.
//
// Types in this package are value objects with no database dependencies and
// no HTTP concerns. They are the shared language between the trigger
// listener, the step scheduler, the repositories and the API.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Pure methods are allowed (validation, window math, audience matching)
//   - Constants and enums belong here
package domain
