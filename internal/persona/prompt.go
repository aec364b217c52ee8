package persona

import (
	"fmt"
	"strings"
)

// MarketContext is the snapshot of the outside world a persona sees while
// deciding or chatting.
type MarketContext struct {
	// Lines holds one preformatted line per market, e.g.
	// "BTC-USD: $95,000 (+2.3% 24h)".
	Lines         []string
	Balance       float64
	PositionsText string
}

func (mc MarketContext) section() string {
	lines := mc.Lines
	if len(lines) == 0 {
		lines = []string{"No market data available."}
	}
	positions := mc.PositionsText
	if positions == "" {
		positions = "No open positions"
	}
	return fmt.Sprintf("CURRENT MARKET CONDITIONS:\n%s\n\nYOUR CURRENT SITUATION:\n- Available Balance: $%.2f USDC\n- Current Positions: %s",
		"- "+strings.Join(lines, "\n- "), mc.Balance, positions)
}

func (p Persona) card() string {
	return fmt.Sprintf("TRADING PERSONA:\n- Style: %s\n- Risk Tolerance: %.1f/1.0\n- Bio: %s\n- Traits: %s\n- Preferred Assets: %s",
		p.Style, p.RiskTolerance, p.Bio,
		strings.Join(p.Traits, ", "), strings.Join(p.FavoriteAssets, ", "))
}

const decisionSchema = `Respond with JSON:
{
  "should_trade": true/false,
  "action": "buy" or "sell" or "close" or null,
  "market": "<market symbol>" or null,
  "size_percent": 0.05-0.5 (fraction of balance to use, keep reasonable),
  "confidence": 0.1-1.0 (how confident you are),
  "reasoning": "Your reasoning in character (1-2 sentences max)"
}

Only trade if you have strong conviction. Stay in character.`

// DecisionPrompt builds the system and user messages that ask a persona
// for its next trading move.
func DecisionPrompt(p Persona, mc MarketContext) (system, user string) {
	system = fmt.Sprintf("You are %s, a crypto trader with %s style. Make trading decisions in character. Always respond with valid JSON only.",
		p.Name, p.Style)

	b := NewBuilder()
	b.Add(Block{ID: "identity", Priority: 100, Content: fmt.Sprintf("You are %s, a crypto trader with this profile:", p.Name)})
	b.Add(Block{ID: "persona", Priority: 90, Content: p.card()})
	b.Add(Block{ID: "market", Priority: 50, Content: mc.section()})
	b.Add(Block{ID: "task", Priority: 20, Content: "Based on your personality and the market conditions, decide your next trading move.\nConsider your risk tolerance, trading style, and preferred assets."})
	b.Add(Block{ID: "schema", Priority: 10, Content: decisionSchema})
	return system, b.Build()
}

// ChatSystemPrompt builds the system message a persona chats under.
func ChatSystemPrompt(p Persona, mc MarketContext) string {
	b := NewBuilder()
	b.Add(Block{ID: "identity", Priority: 100, Content: fmt.Sprintf("You are %s (@%s), an AI trading personality.\n\n%s", p.Name, p.Handle, p.Bio)})
	b.Add(Block{ID: "persona", Priority: 90, Content: p.card()})
	b.Add(Block{ID: "market", Priority: 50, Content: mc.section()})
	b.Add(Block{ID: "rules", Priority: 10, Content: "IMPORTANT INSTRUCTIONS:\n1. Stay true to your personality and core beliefs\n2. Respond in character, in your own voice\n3. Keep replies conversational and under a short paragraph\n4. Reference the market context when it is relevant"})
	return b.Build()
}
