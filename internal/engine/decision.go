package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/risefleet/botd/internal/ai"
)

// Decision is a persona's answer to "what is your next move". Values are
// clamped after parsing, so downstream code can trust the ranges even when
// the model cannot.
type Decision struct {
	ShouldTrade bool    `json:"should_trade"`
	Action      string  `json:"action"`
	Market      string  `json:"market"`
	SizePercent float64 `json:"size_percent"`
	Confidence  float64 `json:"confidence"`
	Reasoning   string  `json:"reasoning"`
}

func parseDecision(raw string) (Decision, error) {
	var d Decision
	if err := json.Unmarshal([]byte(ai.ExtractJSON(raw)), &d); err != nil {
		return Decision{}, fmt.Errorf("parse decision: %w", err)
	}
	d.Action = strings.ToLower(strings.TrimSpace(d.Action))
	switch d.Action {
	case "buy", "sell", "close", "":
	default:
		return Decision{}, fmt.Errorf("unknown action %q", d.Action)
	}
	if d.SizePercent < 0.01 {
		d.SizePercent = 0.01
	}
	if d.SizePercent > 0.5 {
		d.SizePercent = 0.5
	}
	if d.Confidence < 0.1 {
		d.Confidence = 0.1
	}
	if d.Confidence > 1.0 {
		d.Confidence = 1.0
	}
	return d, nil
}
