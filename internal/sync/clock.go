package sync

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time retrieval so engine logic is deterministic in tests.
type Clock interface {
	Now() time.Time
}

// RealClock returns the actual current time.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// IDGenerator produces message identifiers. IDs must be globally unique and
// sort in creation order so mailbox listings process oldest-first.
type IDGenerator interface {
	NewMessageID(at time.Time) string
}

// TimeUUIDGenerator produces IDs of the form
// msg_20240115T103000Z_1a2b3c4d: a UTC timestamp prefix for ordering and a
// UUID fragment for uniqueness within the same second.
type TimeUUIDGenerator struct{}

func (TimeUUIDGenerator) NewMessageID(at time.Time) string {
	ts := at.UTC().Format("20060102T150405Z")
	return fmt.Sprintf("msg_%s_%s", ts, uuid.New().String()[:8])
}
