package model

import "fmt"

const (
	StatusPending   = "pending"
	StatusQueued    = "queued"
	StatusPreparing = "preparing"
	StatusActive    = "active"
	StatusFinished  = "finished"
	StatusError     = "error"
	StatusCanceled  = "canceled"
)

var allowedTransitions = map[string]map[string]bool{
	"": {
		StatusPending: true,
		StatusQueued:  true,
	},
	StatusPending: {
		StatusPending:  true,
		StatusQueued:   true,
		StatusCanceled: true,
	},
	StatusQueued: {
		StatusQueued:    true,
		StatusPreparing: true,
		StatusError:     true,
		StatusCanceled:  true,
	},
	StatusPreparing: {
		StatusPreparing: true,
		StatusActive:    true,
		StatusFinished:  true, // tool may finish before the first progress report
		StatusError:     true,
		StatusCanceled:  true,
	},
	StatusActive: {
		StatusActive:   true,
		StatusFinished: true,
		StatusError:    true,
		StatusCanceled: true,
	},
	StatusFinished: {StatusFinished: true},
	StatusError:    {StatusError: true},
	StatusCanceled: {StatusCanceled: true},
}

func IsKnownStatus(status string) bool {
	_, ok := allowedTransitions[status]
	return ok
}

func IsTerminal(status string) bool {
	return status == StatusFinished || status == StatusError || status == StatusCanceled
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionStatus(rec *Record, toStatus string) error {
	from := rec.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("invalid status transition: %q -> %q (key=%s provider=%s)", from, toStatus, rec.StorageKey, rec.Provider)
	}
	rec.Status = toStatus
	return nil
}
