// Package watcher turns OS-level signals into relay events by supervising
// helper processes that print one line per signal.
//
// In keys mode a line "#mediaPlay pressed" becomes a mediaPlay broadcast
// with {"action":"pressed","timestamp":...}; events outside the allow-list
// and actions other than pressed or released are ignored. In match mode any
// line containing the configured marker emits the configured event with an
// empty payload, which is how wake detection from a system log stream works.
//
// A watcher that exits is started again after its restart delay, for as
// long as the relay runs.
package watcher
