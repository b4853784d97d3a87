package messaging

import "context"

// Messenger delivers desk messages into a negotiation channel.
type Messenger interface {
	Send(ctx context.Context, channelID, text string) error
}
