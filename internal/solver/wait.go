package solver

import (
	"context"
	"time"
)

const (
	// DefaultPollInterval is the fixed delay before each poll.
	DefaultPollInterval = 2 * time.Second
	// DefaultMaxPolls caps polling at roughly two minutes.
	DefaultMaxPolls = 60
)

// PollConfig controls the polling loop shared by both protocol families.
type PollConfig struct {
	Interval time.Duration
	MaxPolls int
}

func (c PollConfig) withDefaults() PollConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultPollInterval
	}
	if c.MaxPolls <= 0 {
		c.MaxPolls = DefaultMaxPolls
	}
	return c
}

// waitForToken sleeps Interval, polls, and repeats up to MaxPolls times. A poll error
// ends the loop immediately. Cancellation of ctx while sleeping fails the attempt
// without contacting the provider again.
func waitForToken(ctx context.Context, cfg PollConfig, provider string, poll func(context.Context) (PollResult, error)) (string, int, error) {
	timer := time.NewTimer(cfg.Interval)
	defer timer.Stop()

	for i := 0; i < cfg.MaxPolls; i++ {
		if i > 0 {
			timer.Reset(cfg.Interval)
		}
		select {
		case <-ctx.Done():
			return "", i, newError(KindCancelled, provider, "CAPTCHA solving interrupted", ctx.Err())
		case <-timer.C:
		}

		res, err := poll(ctx)
		if err != nil {
			return "", i + 1, err
		}
		if res.Ready {
			return res.Token, i + 1, nil
		}
	}

	return "", cfg.MaxPolls, newError(KindTimeout, provider, "max polling attempts reached, CAPTCHA not solved", nil)
}
