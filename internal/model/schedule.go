package model

import "time"

// RecurringSchedule submits a new task into the queue each time its cron
// expression fires
type RecurringSchedule struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Expression  string         `json:"expression"`
	TaskType    string         `json:"task_type"`
	Category    string         `json:"category"`
	Priority    TaskPriority   `json:"priority"`
	Quality     string         `json:"quality,omitempty"`
	Payload     map[string]any `json:"payload,omitempty"`
	LastRunTime *time.Time     `json:"last_run_time,omitempty"`
	NextRunTime *time.Time     `json:"next_run_time,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
