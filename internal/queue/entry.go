package queue

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// MaxFieldLen bounds every string attribute of an entry.
const MaxFieldLen = 128

// Entry is one waiting participant.
type Entry struct {
	Key           string    // unique per waiting participant
	ParticipantID string    // identity of the owner
	TransportRef  string    // opaque handle used to notify the owner
	Category      string    // empty means no preference
	Difficulty    string    // empty means no preference
	EnqueuedAt    time.Time // millisecond precision
}

// Validate rejects entries the matcher must never see.
func (e Entry) Validate() error {
	if e.Key == "" {
		return errors.New("queue: entry key is empty")
	}
	if e.ParticipantID == "" {
		return fmt.Errorf("queue: entry %s: participant id is empty", e.Key)
	}
	if e.TransportRef == "" {
		return fmt.Errorf("queue: entry %s: transport ref is empty", e.Key)
	}
	if e.EnqueuedAt.IsZero() {
		return fmt.Errorf("queue: entry %s: enqueue time is zero", e.Key)
	}
	for name, v := range map[string]string{
		"key":            e.Key,
		"participant id": e.ParticipantID,
		"transport ref":  e.TransportRef,
		"category":       e.Category,
		"difficulty":     e.Difficulty,
	} {
		if len(v) > MaxFieldLen {
			return fmt.Errorf("queue: entry %s: %s exceeds %d bytes", e.Key, name, MaxFieldLen)
		}
		if !utf8.ValidString(v) {
			return fmt.Errorf("queue: entry %s: %s contains invalid UTF-8", e.Key, name)
		}
	}
	return nil
}

// Waited returns how long the entry has been queued as of now.
func (e Entry) Waited(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}
