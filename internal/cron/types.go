package cron

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Schedule describes when a job fires. Exactly one kind is used:
// "cron" (expression with seconds), "every" (fixed interval), or
// "at" (one-shot absolute time).
type Schedule struct {
	Kind    string `json:"kind"`
	Expr    string `json:"expr,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	AtMs    int64  `json:"atMs,omitempty"`
}

func (s Schedule) Describe() string {
	switch s.Kind {
	case "cron":
		return s.Expr
	case "every":
		return fmt.Sprintf("every %s", time.Duration(s.EveryMs)*time.Millisecond)
	case "at":
		return "once at " + time.UnixMilli(s.AtMs).Format("2006-01-02 15:04")
	}
	return "unknown"
}

// Payload is what a job does when it fires. Message jobs deliver text to a
// chat over a channel; internal jobs are dispatched by name to a registered
// maintenance handler.
type Payload struct {
	// Kind is "message" or "internal".
	Kind    string `json:"kind"`
	Channel string `json:"channel,omitempty"`
	To      string `json:"to,omitempty"`
	Message string `json:"message,omitempty"`
	// Task names the maintenance routine for internal jobs.
	Task string `json:"task,omitempty"`
}

// JobState records the outcome of the most recent run.
type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

// CronJob is one scheduled task, persisted across restarts.
type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	Enabled        bool     `json:"enabled"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	State          JobState `json:"state"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:             uuid.NewString(),
		Name:           name,
		Schedule:       schedule,
		Payload:        payload,
		Enabled:        true,
		DeleteAfterRun: schedule.Kind == "at",
		CreatedAtMs:    time.Now().UnixMilli(),
	}
}
