// Package dedupe drops events that external producers publish more than
// once. Producers attach an id to each message; the Redis source asks the
// cache whether it has seen that id within the configured TTL.
package dedupe
