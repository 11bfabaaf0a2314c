// Package hal defines the Hardware Abstraction Layer for the softreg driver.
//
// The HAL separates the driver core (minor allocation, the instance
// registry, request dispatch and interrupt handling) from the platform that
// supplies devices. A platform provides three services:
//
//   - [Mapper]: make a physical register range accessible as a [Region]
//   - [Discovery]: report devices appearing and disappearing
//   - [InterruptController]: deliver interrupt lines to handlers
//
// [Platform] bundles them with a lifecycle.
//
// # Implementing a HAL
//
// To implement a HAL for a new platform:
//  1. Create a type that implements all [Platform] methods
//  2. Return regions whose Load32/Store32 are single atomic word accesses
//  3. Report each attached device once through WaitForAttach with a unique handle
//  4. Report the same handle through WaitForDetach when the device goes away
//  5. Invoke interrupt handlers without blocking
//
// Two platforms are provided: an in-memory simulator in
// [github.com/ardnew/softreg/hal/sim] and a file-backed bus in
// [github.com/ardnew/softreg/hal/fifo].
package hal
