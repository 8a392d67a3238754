package ratelimiter

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/notifyhub/realtime-gateway/internal/domain"
)

// ChannelLimiters holds one token bucket per outbound delivery channel.
// Burst equals the rate so no capacity is saved up above the per-second limit.
// Channels without a limiter are not throttled.
type ChannelLimiters struct {
	limiters map[domain.Channel]*rate.Limiter
}

// New creates limiters allowing ratePerSec sends per second on each of the
// given channels. A non-positive rate disables limiting.
func New(ratePerSec int, channels ...domain.Channel) *ChannelLimiters {
	cl := &ChannelLimiters{limiters: make(map[domain.Channel]*rate.Limiter, len(channels))}
	if ratePerSec <= 0 {
		return cl
	}
	for _, ch := range channels {
		cl.limiters[ch] = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
	}
	return cl
}

// Wait blocks until ch's limiter grants a token. It returns a non-nil error
// only if ctx ends first.
func (cl *ChannelLimiters) Wait(ctx context.Context, ch domain.Channel) error {
	l, ok := cl.limiters[ch]
	if !ok {
		return ctx.Err()
	}
	return l.Wait(ctx)
}
