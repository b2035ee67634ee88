package core

import (
	"time"

	"github.com/google/uuid"
)

// ActorStats contains runtime statistics for an actor instance.
type ActorStats struct {
	// Address of the instance
	Addr Addr

	// Key within the group
	Key string

	// Current status
	Status ActorStatus

	// Total messages processed across restarts
	MessagesProcessed uint64

	// Crashes observed
	Failures uint64

	// Restarts performed
	Restarts uint64

	// Messages currently in mailbox
	MailboxSize int

	// Mailbox capacity
	MailboxCapacity int

	// Time when the instance was created
	CreatedAt time.Time

	// Last message processing time
	LastMessageAt time.Time
}

// GroupStats contains runtime statistics for a group.
type GroupStats struct {
	Name  string
	State GroupState

	// Restarts granted since the group started
	Restarts int

	// Restarts inside the current window
	RestartWindow int

	// Number of installed configuration snapshots
	ConfigVersion uint64

	Actors []ActorStats
}

// SystemStats contains runtime statistics for the whole system.
type SystemStats struct {
	ID         uuid.UUID
	Node       NodeNo
	Workers    int
	ReadyQueue int
	Addresses  int
	Pending    int // outstanding asks
	Groups     []GroupStats
}
