// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// Role names a participant class on the exchange
type Role string

const (
	RoleManager Role = "manager"
	RoleAgent   Role = "agent"
)

// Topic returns the private topic of one participant: "<exchange>.<role>.<id>"
func Topic(exchange string, role Role, id string) string {
	return fmt.Sprintf("%s.%s.%s", exchange, role, id)
}

// FulfillmentTopic returns the broadcast topic every participant of role listens on
// for auctions: "<exchange>.<role>.fulfillment"
func FulfillmentTopic(exchange string, role Role) string {
	return fmt.Sprintf("%s.%s.fulfillment", exchange, role)
}

// TopicIDFromUUID derives a compact, topic-safe id from a UUID string.
// Anything that is not a UUID is returned unchanged.
func TopicIDFromUUID(id string) string {
	u, err := uuid.Parse(id)
	if err != nil {
		return id
	}
	return base64.RawURLEncoding.EncodeToString(u[:])
}
