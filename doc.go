// Package browserd is a remote browser-automation core: a CDP transport and
// dispatcher, a Browser/Page/Element session manager, and a fan-out event
// bus, driving one or more headless/headful Chromium instances over the
// Chrome DevTools Protocol.
//
// browserd does not implement an RPC server framing, configuration loading,
// or signal handling; it is the engine an external RPC server drives.
package browserd
