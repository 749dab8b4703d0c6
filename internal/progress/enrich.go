package progress

import (
	"enrichment-pipeline/internal/models"
	"enrichment-pipeline/internal/pipeline"
)

// CategoryGeneral tags events whose job is unknown to the store.
const CategoryGeneral = "general"

// Event scopes, derived from level when the caller supplies none.
const (
	ScopeTrace   = "trace"
	ScopeDetail  = "detail"
	ScopeSummary = "summary"
)

// EnrichEventData fills in scope, category, and code when absent. The input
// map is never mutated; enrichment only adds, it never overrides what a call
// site chose explicitly.
func EnrichEventData(data map[string]any, level, message, category string) map[string]any {
	out := make(map[string]any, len(data)+3)
	for k, v := range data {
		out[k] = v
	}
	if _, ok := out["scope"]; !ok {
		out["scope"] = ScopeForLevel(level)
	}
	if _, ok := out["category"]; !ok {
		out["category"] = category
	}
	if _, ok := out["code"]; !ok {
		cat, _ := out["category"].(string)
		if cat == "" {
			cat = category
		}
		out["code"] = DeriveCode(cat, message)
	}
	return out
}

// ScopeForLevel maps severity to the scope dashboards filter on.
func ScopeForLevel(level string) string {
	switch level {
	case models.LevelDebug:
		return ScopeTrace
	case models.LevelInfo:
		return ScopeDetail
	default:
		return ScopeSummary
	}
}

// DeriveCode builds a stable machine-readable code from category and message.
func DeriveCode(category, message string) string {
	return category + "." + pipeline.Slug(message)
}
