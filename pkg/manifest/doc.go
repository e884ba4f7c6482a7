// Package manifest loads scene manifests from YAML, JSON or CUE and validates
// them, reporting every violation in a single INVALID_MANIFEST error.
package manifest
