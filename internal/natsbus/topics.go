package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicRunEvents(runID string) string {
	return fmt.Sprintf("run.%s.events", runID)
}

func TopicRunDone(runID string) string {
	return fmt.Sprintf("run.%s.done", runID)
}

func TopicScheduleTrigger(scheduleID string) string {
	return fmt.Sprintf("schedule.%s.trigger", scheduleID)
}

const (
	TopicRunsAll      = "run.>"
	TopicRunsDone     = "run.*.done"
	TopicSchedulesAll = "schedule.>"
)
