// Package intr groups rings into interrupt contexts and services them.
//
// Every context owns a set of ring instances selected by per class bit
// masks. [Service] drains those rings in a fixed priority order under a
// work budget. A [Dispatcher] decides when contexts get serviced, either
// from interrupt lines or from a shared poll timer.
package intr
