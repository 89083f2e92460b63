// Package client is the agent side of the relay connection.
//
// A Client moves through Disabled, Connecting, Connected and Disconnected.
// From Disconnected it schedules exactly one reconnect: immediately after
// losing an established connection, then with exponential backoff capped at
// MaxDelay. Configure and Close discard the live transport and any pending
// reconnect; a generation counter makes callbacks from superseded
// transports and timers no-ops.
//
//	c, err := client.New(client.Options{
//	    Endpoint: "localhost:8080",
//	    Metadata: agent.Metadata{Name: "chrome", InstanceID: id},
//	    Dialer:   &client.WebSocketDialer{},
//	})
//	c.On("allTabs", func(f *frame.Frame) { ... })
//	c.Start(ctx)
package client
