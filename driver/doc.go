// Package driver multiplexes hot-pluggable register devices onto client
// sessions.
//
// A [Driver] owns one [Registry] of live [Instance] values, one [Dispatcher]
// that turns client sessions into register accesses, and one [Notifier]
// that resets a device's register when its interrupt fires. Devices arrive
// and leave through a [hal.Platform]; each attached device is published
// to clients under an entry point named "<name>-<minor>".
//
// # Text protocol
//
// A [Session] reads the register as unsigned decimal text, delivered whole
// by the first read at offset 0. Writes accept a signed decimal integer of
// at most [MaxWriteLen] bytes, optionally followed by one newline, and
// store its low 32 bits.
//
// # Lifetime
//
// Sessions never pin an instance. Every operation re-resolves the minor
// and the instance generation through the registry, so an operation on a
// session whose device was detached, or replaced by another device at the
// same minor, fails with [pkg.ErrDeviceGone].
//
// # Interrupts
//
// Platform interrupt handlers only queue the line. A worker goroutine
// resolves it to the instances registered there and calls
// [Notifier.OnInterrupt] for each. Interrupts arriving while the queue is
// full are counted in [Stats].
package driver
