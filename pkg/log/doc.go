// Package log wraps zerolog for structured, JSON-or-console logging
// across the engine. A single package-level Logger is configured once
// via Init; callers derive scoped child loggers with WithComponent,
// WithBranch, WithEntityID, and WithOp instead of repeating fields.
//
// AsCollaborator adapts the global Logger to the narrow
// (level, module, format, args...) function signature the engine façade
// accepts from embedders that want their own logging sink instead.
package log
