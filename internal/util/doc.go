// Package util holds small helpers shared across packages: SafeTruncate
// for logging token prefixes without risking a slice panic, and
// NormalizeURL for RFC 8707 resource and audience comparison.
package util
