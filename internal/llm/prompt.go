package llm

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/llmtrigger/llmtrigger/internal/model"
)

const systemPrompt = `You are a professional event analysis assistant. Your task is to analyze events and determine whether they match user-defined rules.

You will receive:
1. A user-defined rule description
2. Historical context (recent events in a time window)
3. Current event data

Based on this information, you need to:
1. Analyze whether the current event (combined with historical context) satisfies the user's rule
2. Provide a confidence score (0.0 to 1.0)
3. Explain your reasoning

Always respond in JSON format with the following structure:
{
  "should_trigger": true/false,
  "confidence": 0.0-1.0,
  "reason": "Detailed explanation of your decision"
}

Important guidelines:
- Be conservative: only trigger when you are reasonably confident (confidence >= 0.7)
- Consider temporal patterns when the rule involves sequences or trends
- Use specific data from the events to support your reasoning
- If the data is insufficient to make a determination, set should_trigger to false`

const emptyContextSummary = "No historical events in context window."

// buildUserPrompt renders the rule intent, the context summary, and the
// current event (or batch of events under analysis) into the user message.
func buildUserPrompt(ruleDescription, contextSummary string, event *model.Event, batch []*model.Event) string {
	if contextSummary == "" {
		contextSummary = emptyContextSummary
	}

	var sb strings.Builder
	sb.WriteString("## User Rule\n")
	sb.WriteString(ruleDescription)
	sb.WriteString("\n\n## Historical Context\n")
	sb.WriteString(contextSummary)

	if len(batch) > 0 {
		fmt.Fprintf(&sb, "\n\n## Current Events (batch of %d)\n", len(batch))
		for i, e := range batch {
			fmt.Fprintf(&sb, "%d. [%s] Type: %s Data: %s\n",
				i+1, e.Timestamp.UTC().Format(time.RFC3339), e.EventType, compactJSON(e.Data))
		}
	} else {
		sb.WriteString("\n\n## Current Event\n")
		fmt.Fprintf(&sb, "Type: %s\n", event.EventType)
		fmt.Fprintf(&sb, "Time: %s\n", event.Timestamp.UTC().Format(time.RFC3339))
		fmt.Fprintf(&sb, "Data: %s\n", compactJSON(event.Data))
	}

	sb.WriteString("\nPlease analyze whether this event satisfies the user's rule. Respond in JSON format.")
	return sb.String()
}

func compactJSON(data map[string]any) string {
	if len(data) == 0 {
		return "{}"
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
