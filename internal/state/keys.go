package state

import "fmt"

// Key layout (spec.md §6). All keys live under a single "workflow:v2"
// namespace so this engine can share a Redis instance with other
// consumers without collision.
const (
	namespace = "workflow:v2"
)

func jobKey(jobID string) string {
	return fmt.Sprintf("%s:jobs:%s", namespace, jobID)
}

func unitKey(jobID, unitID string) string {
	return fmt.Sprintf("%s:jobs:%s:units:%s", namespace, jobID, unitID)
}

func jobLockKey(jobID string) string {
	return fmt.Sprintf("%s:locks:jobs:%s", namespace, jobID)
}

func unitLockKey(jobID, unitID string) string {
	return fmt.Sprintf("%s:locks:jobs:%s:units:%s", namespace, jobID, unitID)
}

func cancelledKey(jobID string) string {
	return fmt.Sprintf("%s:jobs:%s:cancelled", namespace, jobID)
}

func activitiesPendingKey() string {
	return fmt.Sprintf("%s:activities:pending", namespace)
}

func jobIndexKey() string {
	return fmt.Sprintf("%s:jobs:index", namespace)
}

func jobsActiveKey() string {
	return fmt.Sprintf("%s:jobs:active", namespace)
}

func jobsByVenueKey(venueID string) string {
	return fmt.Sprintf("%s:jobs:by_venue:%s", namespace, venueID)
}

func eventsJobChannel(jobID string) string {
	return fmt.Sprintf("events:%s", jobID)
}

func eventsGlobalChannel() string {
	return "events:global"
}
