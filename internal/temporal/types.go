package temporal

import "time"

// WarmupInput is the input for the CacheWarmupWorkflow.
type WarmupInput struct {
	// MaxPatterns caps how many uncached frequent patterns one run warms.
	// Zero means no cap.
	MaxPatterns int `json:"max_patterns"`
}

// WarmupOutput is the output of the CacheWarmupWorkflow.
type WarmupOutput struct {
	Candidates int `json:"candidates"`
	Warmed     int `json:"warmed"`
	Failed     int `json:"failed"`
}

// RetentionInput is the input for the AuditRetentionWorkflow.
type RetentionInput struct {
	RetentionDays int `json:"retention_days"`
}

// RetentionOutput is the output of the AuditRetentionWorkflow.
type RetentionOutput struct {
	Cutoff time.Time `json:"cutoff"`
}
