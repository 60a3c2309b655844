package models

import (
	"errors"
	"strings"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

type Region string

const (
	RegionMetroManila   Region = "Metro Manila"
	RegionLuzon         Region = "Luzon"
	RegionVisayas       Region = "Visayas"
	RegionMindanao      Region = "Mindanao"
	RegionInternational Region = "International"
)

// Trigger names what started a run.
const (
	TriggerAPI      = "api"
	TriggerCLI      = "cli"
	TriggerPubSub   = "pubsub"
	TriggerSchedule = "schedule"
	TriggerStartup  = "startup"
)

// ParseTrigger validates a trigger name coming from outside (CLI flag, Pub/Sub payload).
func ParseTrigger(s string) (string, error) {
	switch t := strings.ToLower(strings.TrimSpace(s)); t {
	case TriggerAPI, TriggerCLI, TriggerPubSub, TriggerSchedule, TriggerStartup:
		return t, nil
	case "":
		return TriggerAPI, nil
	}
	return "", errors.New("invalid trigger")
}
