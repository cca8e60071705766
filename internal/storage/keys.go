package storage

import "fmt"

// Key shapes for the trigger keyspace. All state shared across worker
// processes lives under the "trigger:" prefix.
const (
	keyRuleAll           = "trigger:rules:all"
	keyRuleVersion       = "trigger:rules:version"
	RuleUpdateChannel    = "trigger:rules:update"
	keyNotifyQueue       = "trigger:notify:queue"
	keyNotifyDeadLetter  = "trigger:notify:dead_letter"
	keyIntervalLockFmt   = "trigger:mode:interval_lock:%s"
	keyIntervalLastFmt   = "trigger:mode:last:%s:%s"
	keyBatchFmt          = "trigger:mode:batch:%s:%s"
	keyBatchSinceFmt     = "trigger:mode:batch_since:%s:%s"
	keyContextFmt        = "trigger:context:%s"
	keyProcessedFmt      = "trigger:processed:%s"
	keyLLMCacheFmt       = "trigger:llm_cache:%s:%s"
	keyRuleDetailFmt     = "trigger:rules:detail:%s"
	keyRuleIndexFmt      = "trigger:rules:index:%s"
	keyNotifyDedupFmt    = "trigger:notify:dedup:%s:%s"
	keyNotifyRateFmt     = "trigger:notify:rate:%s:%s"
	keyExecutionsFmt     = "trigger:executions:%s"
)

func ruleDetailKey(ruleID string) string   { return fmt.Sprintf(keyRuleDetailFmt, ruleID) }
func ruleIndexKey(eventType string) string { return fmt.Sprintf(keyRuleIndexFmt, eventType) }
func contextKey(key string) string         { return fmt.Sprintf(keyContextFmt, key) }
func processedKey(eventID string) string   { return fmt.Sprintf(keyProcessedFmt, eventID) }

func llmCacheKey(ruleID, contextHash string) string {
	return fmt.Sprintf(keyLLMCacheFmt, ruleID, contextHash)
}

func notifyDedupKey(ruleID, ctxKey string) string {
	return fmt.Sprintf(keyNotifyDedupFmt, ruleID, ctxKey)
}

func notifyRateKey(ruleID, minute string) string {
	return fmt.Sprintf(keyNotifyRateFmt, ruleID, minute)
}

func batchKey(ruleID, ctxKey string) string {
	return fmt.Sprintf(keyBatchFmt, ruleID, ctxKey)
}

func batchSinceKey(ruleID, ctxKey string) string {
	return fmt.Sprintf(keyBatchSinceFmt, ruleID, ctxKey)
}

func intervalLastKey(ruleID, ctxKey string) string {
	return fmt.Sprintf(keyIntervalLastFmt, ruleID, ctxKey)
}

func intervalLockKey(ruleID string) string {
	return fmt.Sprintf(keyIntervalLockFmt, ruleID)
}

func executionsKey(ruleID string) string {
	return fmt.Sprintf(keyExecutionsFmt, ruleID)
}
