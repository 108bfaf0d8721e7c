// Package simd provides dispatch-table kernels for the BMW search
// loop's hot inner scans: finding the next live (non-tombstoned) entry
// in a block's value column, and finding the maximum byte value in a
// run. Each kernel is a package-level function variable initialized to
// a generic implementation; platform-specific init() functions may
// override it with a SIMD-accelerated version.
//
// Only the generic fallback ships today — no platform override is
// registered — but callers always go through the function variable so
// one can be added later without touching call sites.
package simd
