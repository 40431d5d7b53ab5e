// Package ir provides the shared value and change types for rowsync.
//
// This package contains type definitions only. All other internal packages
// import ir; ir imports nothing internal. This keeps IR the foundational
// layer with no circular dependencies.
//
// Key design constraints:
//   - NO float types anywhere - money and other fractional attributes use
//     Decimal (exact, apd-backed), counts use Int
//   - Rows are flat attribute maps; relationships are resolved through the
//     schema registry, never embedded as back-pointers
//   - All JSON tags use snake_case
//   - Logical sequence numbers (seq) only, never wall-clock timestamps
package ir
