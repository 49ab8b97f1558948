package examftp

import (
	"time"
)

// startKeepAlive starts a goroutine that sends PING commands
// if the connection has been idle for the configured idleTimeout.
func (c *Client) startKeepAlive() {
	if c.idleTimeout == 0 {
		return
	}

	c.quitChan = make(chan struct{})

	// We use a ticker that runs at half the idle timeout to be safe
	ticker := time.NewTicker(c.idleTimeout / 2)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// A transfer holds the command lock for its whole duration.
				if c.transferInProgress.Load() {
					continue
				}

				c.mu.Lock()
				last := c.lastCommand
				c.mu.Unlock()

				if time.Since(last) >= c.idleTimeout {
					c.logger.Debug("sending keep-alive PING")
					if err := c.Ping(); err != nil {
						c.logger.Debug("keep-alive failed", "error", err)
					}
				}
			case <-c.readDone:
				return
			case <-c.quitChan:
				return
			}
		}
	}()
}
