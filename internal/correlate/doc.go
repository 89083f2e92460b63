// Package correlate turns broadcast events into request/response exchanges.
//
// A request is broadcast like any other event; agents answer by sending a
// frame with the same event name. The correlator keeps one registry binding
// per event name with outstanding requests and routes each reply to them.
//
//	c := correlate.New(registry, logger)
//	reply, err := c.First(ctx, correlate.Request{Event: "identify_tab"})
//	tabs, err := c.Collect(ctx, correlate.Request{Event: "allTabs"},
//	    correlate.CollectOptions{Mode: correlate.ModeSnapshot, Reduce: correlate.MergeTabs(logger)})
//
// Snapshot collection waits for every connection that was open and matched
// the filter when the request went out, and stops waiting for connections
// that disconnect. Window collection returns whatever arrived within a fixed
// window. Both are bounded by the request timeout.
package correlate
