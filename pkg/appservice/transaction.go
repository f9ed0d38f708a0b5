// Copyright 2024-2026 Aiku AI

package appservice

import (
	"encoding/json"
	"time"

	"maunium.net/go/mautrix/event"
)

// Transaction is one batch of events pushed by the homeserver, identified by
// a unique ID for retry deduplication. It is read-only once parsed and lives
// only for the duration of one intake call.
type Transaction struct {
	ID         string
	Events     []*event.Event
	Ephemeral  []*event.Event
	ReceivedAt time.Time
}

// transactionPayload is the wire shape of the transaction body. Ephemeral
// events arrive under the stable key or the MSC2409 prefixed one depending
// on homeserver version.
type transactionPayload struct {
	Events       []*event.Event `json:"events"`
	Ephemeral    []*event.Event `json:"ephemeral,omitempty"`
	EphemeralMSC []*event.Event `json:"de.sorunome.msc2409.ephemeral,omitempty"`
}

func (txn *Transaction) UnmarshalJSON(data []byte) error {
	var payload transactionPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return err
	}
	txn.Events = payload.Events
	txn.Ephemeral = payload.Ephemeral
	if len(txn.Ephemeral) == 0 {
		txn.Ephemeral = payload.EphemeralMSC
	}
	return nil
}

func (txn *Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(&transactionPayload{
		Events:       txn.Events,
		EphemeralMSC: txn.Ephemeral,
	})
}
