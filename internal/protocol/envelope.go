// Copyright (C) 2026 Noldarim
// SPDX-License-Identifier: AGPL-3.0-or-later

package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownMessageType is returned when an envelope names a kind nobody registered
var ErrUnknownMessageType = errors.New("unknown message type")

// Envelope is the wire frame of every message
type Envelope struct {
	Kind    Kind            `json:"kind"`
	ReplyTo string          `json:"reply_to,omitempty"`
	Version string          `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// registry is the closed set of decodable kinds
var registry = map[Kind]func() Message{
	KindWorkflowCreate:            func() Message { return &WorkflowCreate{} },
	KindJobFulfillmentRequest:     func() Message { return &JobFulfillmentRequest{} },
	KindJobFulfillmentDecline:     func() Message { return &JobFulfillmentDecline{} },
	KindJobFulfillmentOffer:       func() Message { return &JobFulfillmentOffer{} },
	KindJobFulfillmentOfferAccept: func() Message { return &JobFulfillmentOfferAccept{} },
	KindJobFulfillmentOfferReject: func() Message { return &JobFulfillmentOfferReject{} },
	KindJobQueued:                 func() Message { return &JobQueued{} },
	KindJobStatusRequest:          func() Message { return &JobStatusRequest{} },
	KindJobStatusUpdate:           func() Message { return &JobStatusUpdate{} },
	KindJobDataReady:              func() Message { return &JobDataReady{} },
}

// Kinds returns every registered kind, sorted
func Kinds() []Kind {
	kinds := make([]Kind, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Encode frames msg with its kind and reply-to topic
func Encode(msg Message, replyTo string) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", msg.Kind(), err)
	}
	return json.Marshal(Envelope{
		Kind:    msg.Kind(),
		ReplyTo: replyTo,
		Version: CurrentProtocolVersion,
		Payload: payload,
	})
}

// Decode unframes data. The returned message is a pointer to the concrete type,
// e.g. *JobQueued. An unregistered kind yields the envelope and ErrUnknownMessageType.
func Decode(data []byte) (*Envelope, Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("failed to decode envelope: %w", err)
	}

	factory, ok := registry[env.Kind]
	if !ok {
		return &env, nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Kind)
	}

	msg := factory()
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, msg); err != nil {
			return &env, nil, fmt.Errorf("failed to decode %s payload: %w", env.Kind, err)
		}
	}
	return &env, msg, nil
}
