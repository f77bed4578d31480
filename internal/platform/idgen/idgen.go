// Package idgen centralizes entity id generation so every component uses the
// same strategy. Grounded on common.GenerateUUIDv7 usage throughout the
// teacher's command files — time-ordered ids keep Postgres primary key
// indexes append-mostly under heavy insert load (audit, mirror, outbox rows).
package idgen

import "github.com/google/uuid"

// New returns a new time-ordered (UUIDv7) identifier.
func New() uuid.UUID {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails if the runtime's random source is broken;
		// falling back to v4 keeps the kernel available rather than panicking
		// on an unrelated entropy hiccup.
		return uuid.New()
	}

	return id
}
