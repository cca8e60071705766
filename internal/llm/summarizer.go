package llm

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/llmtrigger/llmtrigger/internal/model"
)

const summaryRecentEvents = 10

// Summarizer renders a context window as a compact chronological list with
// simple statistics over the numeric fields. The output is structured, not
// prose, so prompts stay short and cache keys stay stable.
type Summarizer struct{}

// NewSummarizer creates a context summarizer.
func NewSummarizer() *Summarizer {
	return &Summarizer{}
}

// Summarize formats the window. An empty window yields the canonical
// placeholder line.
func (s *Summarizer) Summarize(events []*model.Event) string {
	if len(events) == 0 {
		return emptyContextSummary
	}

	sorted := make([]*model.Event, len(events))
	copy(sorted, events)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	first := sorted[0]
	last := sorted[len(sorted)-1]

	var sb strings.Builder
	fmt.Fprintf(&sb, "Event Type: %s\n", first.EventType)
	fmt.Fprintf(&sb, "Time Range: %s - %s (%s)\n",
		first.Timestamp.UTC().Format("15:04:05"),
		last.Timestamp.UTC().Format("15:04:05"),
		formatDuration(last.Timestamp.Sub(first.Timestamp)))
	fmt.Fprintf(&sb, "Total Events: %d\n", len(sorted))
	sb.WriteString("\nRecent Events:\n")

	recent := sorted
	if len(recent) > summaryRecentEvents {
		recent = recent[len(recent)-summaryRecentEvents:]
	}
	for i, event := range recent {
		fmt.Fprintf(&sb, "%d. [%s] %s\n",
			i+1, event.Timestamp.UTC().Format("15:04:05"), formatEventData(event.Data))
	}

	if stats := calculateStatistics(sorted); len(stats) > 0 {
		sb.WriteString("\nStatistics:\n")
		for _, line := range stats {
			sb.WriteString(line)
			sb.WriteByte('\n')
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

func formatEventData(data map[string]any) string {
	if len(data) == 0 {
		return "(no data)"
	}

	var parts []string
	if symbol, ok := data["symbol"].(string); ok {
		parts = append(parts, symbol)
	}
	if profit, ok := asFloat(data["profit"]); ok {
		parts = append(parts, fmt.Sprintf("%+.2f", profit))
	}
	if rate, ok := asFloat(data["profit_rate"]); ok {
		parts = append(parts, fmt.Sprintf("(%+.1f%%)", rate*100))
	}
	if price, ok := asFloat(data["price"]); ok {
		parts = append(parts, fmt.Sprintf("price=%g", price))
	}
	if rate, ok := asFloat(data["change_rate"]); ok {
		parts = append(parts, fmt.Sprintf("(%+.1f%%)", rate*100))
	}
	if cpu, ok := asFloat(data["cpu_usage"]); ok {
		parts = append(parts, fmt.Sprintf("CPU=%.0f%%", cpu*100))
	}
	if mem, ok := asFloat(data["memory_usage"]); ok {
		parts = append(parts, fmt.Sprintf("MEM=%.0f%%", mem*100))
	}
	if len(parts) > 0 {
		return strings.Join(parts, " ")
	}

	raw := compactJSON(data)
	if len(raw) > 100 {
		raw = raw[:100]
	}
	return raw
}

func formatDuration(d time.Duration) string {
	total := int(d.Seconds())
	switch {
	case total < 60:
		return fmt.Sprintf("%ds", total)
	case total < 3600:
		return fmt.Sprintf("%dm %ds", total/60, total%60)
	default:
		return fmt.Sprintf("%dh %dm", total/3600, (total%3600)/60)
	}
}

func calculateStatistics(events []*model.Event) []string {
	numeric := make(map[string][]float64)
	for _, event := range events {
		for key, value := range event.Data {
			if f, ok := asFloat(value); ok {
				numeric[key] = append(numeric[key], f)
			}
		}
	}

	var stats []string
	if values, ok := numeric["profit"]; ok {
		var total float64
		positive := 0
		for _, v := range values {
			total += v
			if v > 0 {
				positive++
			}
		}
		stats = append(stats, fmt.Sprintf("- Total profit: %+.2f", total))
		stats = append(stats, fmt.Sprintf("- Win/Loss: %d/%d", positive, len(values)-positive))
	}
	if values, ok := numeric["profit_rate"]; ok {
		var sum float64
		for _, v := range values {
			sum += v
		}
		avg := sum / float64(len(values))
		stats = append(stats, fmt.Sprintf("- Average profit rate: %+.1f%%", avg*100))
	}
	if values, ok := numeric["price"]; ok && len(values) >= 2 && values[0] != 0 {
		change := (values[len(values)-1] - values[0]) / values[0] * 100
		stats = append(stats, fmt.Sprintf("- Price change: %+.2f%%", change))
	}
	return stats
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
