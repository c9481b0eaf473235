package rest

import (
	"context"
	"net/http"
	"time"
)

// SessionStartLimit is the identify budget reported by the remote side.
type SessionStartLimit struct {
	Total          int `json:"total"`
	Remaining      int `json:"remaining"`
	ResetAfter     int `json:"reset_after"`
	MaxConcurrency int `json:"max_concurrency"`
}

func (l SessionStartLimit) ResetIn() time.Duration {
	return time.Duration(l.ResetAfter) * time.Millisecond
}

// GatewayBot is the push-channel bootstrap for an authenticated bot.
type GatewayBot struct {
	URL               string            `json:"url"`
	Shards            int               `json:"shards"`
	SessionStartLimit SessionStartLimit `json:"session_start_limit"`
}

var gatewayBotRoute = NewRoute(http.MethodGet, "/gateway/bot")

// GatewayBot fetches the push-channel URL, recommended shard count and identify
// concurrency.
func (c *Client) GatewayBot(ctx context.Context) (GatewayBot, error) {
	req, err := gatewayBotRoute.Request()
	if err != nil {
		return GatewayBot{}, err
	}
	var out GatewayBot
	if err := c.DoJSON(ctx, req, &out); err != nil {
		return GatewayBot{}, err
	}
	return out, nil
}
