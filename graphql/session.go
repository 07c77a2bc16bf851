package graphql

import "context"

// ObserveAuth watches the surrounding session's authentication signal and
// clears the token cache whenever it transitions from authenticated to
// unauthenticated, so no stale token is reused after logout. The watch
// goroutine exits when the channel closes or the context is done.
func (c *Client) ObserveAuth(ctx context.Context, states <-chan bool) {
	if c.tokens == nil {
		return
	}
	go func() {
		authenticated := true
		for {
			select {
			case state, ok := <-states:
				if !ok {
					return
				}
				if authenticated && !state {
					c.log.Debug("auth state transitioned to unauthenticated, clearing token cache")
					c.tokens.Clear()
				}
				authenticated = state
			case <-ctx.Done():
				return
			}
		}
	}()
}
