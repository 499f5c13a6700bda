package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"taskboard/client"
)

const (
	loadRetryMin = time.Second
	loadRetryMax = 5 * time.Second
)

type loadCounters struct {
	attempts atomic.Uint64
	failures atomic.Uint64
	events   atomic.Uint64
}

func (c *loadCounters) failureRate() float64 {
	attempts := c.attempts.Load()
	if attempts == 0 {
		return 0
	}
	return float64(c.failures.Load()) / float64(attempts)
}

func loadCmd(opts *options) *cobra.Command {
	var (
		conns    int
		duration time.Duration
		quiet    time.Duration
		maxFail  float64
	)
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Hold many change streams open and count delivered events",
		RunE: func(cmd *cobra.Command, args []string) error {
			if conns <= 0 {
				return fmt.Errorf("--connections must be positive")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), duration)
			defer cancel()

			c := opts.newClient()
			var counters loadCounters
			var wg sync.WaitGroup
			wg.Add(conns)
			for range conns {
				go func() {
					defer wg.Done()
					holdStream(ctx, c, &counters)
				}()
			}

			stalled := make(chan struct{})
			if quiet > 0 {
				go func() {
					select {
					case <-time.After(quiet):
						if counters.events.Load() == 0 {
							close(stalled)
							cancel()
						}
					case <-ctx.Done():
					}
				}()
			}
			wg.Wait()

			rate := counters.failureRate()
			fmt.Fprintf(cmd.OutOrStdout(), "connections=%d attempts=%d failures=%d failure_rate=%.4f events=%d\n",
				conns, counters.attempts.Load(), counters.failures.Load(), rate, counters.events.Load())
			select {
			case <-stalled:
				return fmt.Errorf("no events received in %s", quiet)
			default:
			}
			if rate > maxFail {
				return fmt.Errorf("failure rate %.4f above %.4f", rate, maxFail)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&conns, "connections", "c", 200, "Concurrent streams")
	cmd.Flags().DurationVarP(&duration, "duration", "d", 2*time.Minute, "How long to hold the streams")
	cmd.Flags().DurationVar(&quiet, "quiet-limit", time.Minute, "Fail if no event arrives within this window (0 disables)")
	cmd.Flags().Float64Var(&maxFail, "max-failure-rate", 0.01, "Highest acceptable failed-attempt ratio")
	return cmd
}

// holdStream keeps one subscription open until ctx ends, reconnecting with
// a doubling delay after each failure.
func holdStream(ctx context.Context, c *client.Client, counters *loadCounters) {
	backoff := loadRetryMin
	for ctx.Err() == nil {
		counters.attempts.Add(1)
		s, err := c.Subscribe(ctx)
		if err == nil {
			backoff = loadRetryMin
			for range s.Events() {
				counters.events.Add(1)
			}
			s.Close()
			if ctx.Err() != nil {
				return
			}
		}
		counters.failures.Add(1)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return
		}
		backoff = min(backoff*2, loadRetryMax)
	}
}
