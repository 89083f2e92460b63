// Package store keeps the relay's connection session history.
//
// Each accepted agent connection becomes a Session row holding its
// identity, announced targets, and connect and disconnect times. Relayed
// events themselves are never persisted.
//
//	s, err := store.NewSQLiteStore(path)
//	err = s.RecordConnect(ctx, &store.Session{...})
//	sessions, err := s.ListSessions(ctx, 50)
//
// SQLite is accessed through modernc.org/sqlite (pure Go, no cgo) with WAL
// mode enabled for file databases.
package store
