//go:build !(linux && cgo)

package verbs

// Sfence is a no-op on platforms without the cgo store-fence helper. The
// loopback gateway performs transfers as ordinary Go memory copies and then
// delivers the completion over a channel, which orders the copy before the
// poller sees it, so no explicit fence is needed for its writes to be
// visible.
func Sfence() {}

// Mfence is a no-op on platforms without the cgo fence helper.
func Mfence() {}
