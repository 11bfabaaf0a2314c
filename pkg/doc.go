// Package pkg provides shared utilities for the softreg driver.
//
// This package contains common functionality used by the registry, the
// request dispatcher and the platform HALs, including:
//
//   - Structured logging via Go's standard [log/slog] package
//   - Sentinel error values for the driver error taxonomy
//   - Component identifiers for log filtering
//
// # Logging
//
// The logging subsystem wraps [log/slog] with driver-specific context:
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentRegistry, "instance attached", "minor", 0)
//
// # Errors
//
// Driver errors are defined as sentinel values and wrapped with context
// using fmt.Errorf and %w:
//
//	if errors.Is(err, pkg.ErrDeviceGone) {
//	    // Session outlived its instance
//	}
//
// [Errno] maps those sentinels to the code a character device would report.
package pkg
