// Package ir renders scenario results into canonical JSON and derives
// content-addressed fingerprints from them.
//
// Verdicts, snapshots and golden files all go through MarshalCanonical, so
// byte equality means behavioural equality. Key design constraints:
//   - NO float types anywhere - row values are int64 or string
//   - NO null - absent values are omitted, not encoded
//   - Logical clocks (seq) only, never wall-clock timestamps
package ir
