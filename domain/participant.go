// Package domain contains core concepts of the relay.
// This file defines participant identities.
// No runtime, network, or UI logic should be added here.
package domain

import "github.com/google/uuid"

type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}
