package dispatch

import (
	"fmt"
	"time"

	"github.com/mattjoyce/relay/internal/pattern"
)

// Built-in patterns answered by every served instance.
const (
	PatternPing  = "role:relay,cmd:ping"
	PatternStats = "role:relay,cmd:stats"
)

// RegisterBuiltins adds the ping and stats actions.
func RegisterBuiltins(in *Instance) error {
	if _, err := in.Add(PatternPing, func(c *Call, msg pattern.Message) (any, error) {
		return map[string]any{
			"pong":     true,
			"instance": in.ID(),
			"now":      time.Now().UTC().Format(time.RFC3339Nano),
		}, nil
	}, WithName("ping"), WithPlugin("relay", "")); err != nil {
		return fmt.Errorf("register ping: %w", err)
	}
	if _, err := in.Add(PatternStats, func(c *Call, msg pattern.Message) (any, error) {
		return in.Stats(), nil
	}, WithName("stats"), WithPlugin("relay", "")); err != nil {
		return fmt.Errorf("register stats: %w", err)
	}
	return nil
}
