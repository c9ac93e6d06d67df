package kafka

const (
	TopicActCommitted = "act.committed"
)

const (
	HeaderTimestamp   = "timestamp"
	HeaderCommittedBy = "committed_by"
)
