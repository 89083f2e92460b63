// Package address implements the include/exclude target filter that rides
// in the filter segment of every relay to agent frame.
//
// A target is an opaque string generated by an agent, for example
// "dd596c87_tab:1628889998". The registry never interprets targets; it only
// compares them with the set a connection has announced as its own.
//
// Serialized forms:
//
//	""          every connection
//	"a,b"       only connections owning a or b
//	"!a,b"      every connection except those owning a or b
package address
