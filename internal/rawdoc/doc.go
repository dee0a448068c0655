// Package rawdoc provides the document model for raw payloads.
//
// Source records arrive as semi-structured JSON with no guaranteed shape.
// rawdoc decodes them into a sealed tagged-union value model (Value) whose
// object representation preserves field order, so that recursive scans over
// a payload visit fields in the order the source emitted them. This keeps
// payload traversal deterministic, which the identity resolver depends on.
package rawdoc
