package cortex

import (
	"sync"

	"cortexflow/logger"
)

// DataHandler receives each frame as a hot-buffer view. The view is only
// valid until the handler returns; copy it with FrameView.CopyTo to keep it.
type DataHandler func(FrameView)

// ErrorMsgHandler receives diagnostics at or below the configured verbosity.
type ErrorMsgHandler func(Verbosity, string)

// handlers holds one optional slot per event kind.
type handlers struct {
	mu     sync.RWMutex
	data   DataHandler
	errMsg ErrorMsgHandler

	// serializes ErrorMsgHandler calls coming from different goroutines
	callMu sync.Mutex
}

func (h *handlers) dataHandler() DataHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.data
}

func (h *handlers) errorMsgHandler() ErrorMsgHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.errMsg
}

// SetDataHandlerFunc replaces the data handler. nil unregisters it. The
// handler runs on the client's delivery goroutine, one call at a time. It
// must not call Exit.
func (c *Client) SetDataHandlerFunc(h DataHandler) {
	c.handlers.mu.Lock()
	c.handlers.data = h
	c.handlers.mu.Unlock()
}

// SetErrorMsgHandlerFunc replaces the diagnostic handler. nil unregisters it.
// Calls may come from the delivery goroutine, the network goroutine or the
// caller's goroutine, but never overlap.
func (c *Client) SetErrorMsgHandlerFunc(h ErrorMsgHandler) {
	c.handlers.mu.Lock()
	c.handlers.errMsg = h
	c.handlers.mu.Unlock()
}

// SetVerbosityLevel sets the threshold for the diagnostic handler. The
// structured log receives every diagnostic regardless.
func (c *Client) SetVerbosityLevel(v Verbosity) error {
	if !v.valid() {
		return misuse("set_verbosity_level", errInvalidVerbosity(v))
	}
	c.verbosity.Store(int32(v))
	return nil
}

func (c *Client) VerbosityLevel() Verbosity {
	return Verbosity(c.verbosity.Load())
}

func (c *Client) report(v Verbosity, msg string) {
	entry := c.log.WithSession("cortex_client", c.sessionID).WithFields(logger.Fields{"verbosity": v.String()})
	logAt(entry, v, msg)

	if v == VerbosityNone || v > c.VerbosityLevel() {
		return
	}
	h := c.handlers.errorMsgHandler()
	if h == nil {
		return
	}
	c.handlers.callMu.Lock()
	defer c.handlers.callMu.Unlock()
	h(v, msg)
}
