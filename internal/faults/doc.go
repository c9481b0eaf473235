// Package faults owns the error taxonomy shared by the gateway and rest packages.
//
// Ownership boundary:
// - one sentinel per failure class
// - classification of wrapped errors
//
// Packages wrap these sentinels with %w and never compare error strings.
package faults
