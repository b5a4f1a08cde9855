package websocket

import "context"

// Stream writes every value received from ch to c as JSON. It returns nil
// when ch is closed, the connection's context error when the peer goes away,
// and the write error otherwise.
func Stream[T any](c *Conn, ch <-chan T) error {
	for {
		select {
		case <-c.Context().Done():
			return context.Cause(c.Context())
		case v, ok := <-ch:
			if !ok {
				return nil
			}
			if err := c.WriteJSON(v); err != nil {
				return err
			}
		}
	}
}
