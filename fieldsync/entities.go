// Copyright 2026 laurent387
// SPDX-License-Identifier: Apache-2.0

package fieldsync

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// EntityKind names one of the synchronized entity tables. The set is fixed
// and shared by client and server; anything else is rejected per event.
type EntityKind string

const (
	EntityClients     EntityKind = "clients"
	EntityMachines    EntityKind = "machines"
	EntityInspections EntityKind = "inspections"
)

// EntityKinds lists every entity registered for sync, in a stable order.
var EntityKinds = []EntityKind{EntityClients, EntityMachines, EntityInspections}

var ErrUnknownEntity = errors.New("unknown entity")

// KnownEntity reports whether name is on the sync allow-list.
func KnownEntity(name string) bool {
	switch EntityKind(name) {
	case EntityClients, EntityMachines, EntityInspections:
		return true
	default:
		return false
	}
}

// Record is one validated entity payload. Each entity on the allow-list has
// its own variant with its own field set; DecodePayload is the only way to
// obtain one from wire data.
type Record interface {
	Kind() EntityKind
	Validate() error
	// Columns returns the column/value pairs for writing the record to its
	// entity table. Local-only sync columns are never included.
	Columns() map[string]any
}

// Inspection result values
const (
	ResultPass    = "pass"
	ResultFail    = "fail"
	ResultReserve = "reserve"
)

// ClientRecord is a customer site that owns machines under inspection.
type ClientRecord struct {
	ID      uuid.UUID `json:"id"`
	Name    string    `json:"name"`
	Address string    `json:"address,omitempty"`
	Phone   string    `json:"phone,omitempty"`
	Email   string    `json:"email,omitempty"`
}

func (r *ClientRecord) Kind() EntityKind { return EntityClients }

func (r *ClientRecord) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("clients: id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("clients: name is required")
	}
	return nil
}

func (r *ClientRecord) Columns() map[string]any {
	return map[string]any{
		"id":      r.ID.String(),
		"name":    r.Name,
		"address": r.Address,
		"phone":   r.Phone,
		"email":   r.Email,
	}
}

// MachineRecord is a piece of equipment subject to periodic inspection.
type MachineRecord struct {
	ID             uuid.UUID `json:"id"`
	ClientID       uuid.UUID `json:"client_id"`
	Model          string    `json:"model"`
	SerialNo       string    `json:"serial_no"`
	CommissionedAt int64     `json:"commissioned_at,omitempty"` // unix seconds
}

func (r *MachineRecord) Kind() EntityKind { return EntityMachines }

func (r *MachineRecord) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("machines: id is required")
	}
	if r.ClientID == uuid.Nil {
		return fmt.Errorf("machines: client_id is required")
	}
	if r.Model == "" {
		return fmt.Errorf("machines: model is required")
	}
	if r.SerialNo == "" {
		return fmt.Errorf("machines: serial_no is required")
	}
	return nil
}

func (r *MachineRecord) Columns() map[string]any {
	return map[string]any{
		"id":              r.ID.String(),
		"client_id":       r.ClientID.String(),
		"model":           r.Model,
		"serial_no":       r.SerialNo,
		"commissioned_at": r.CommissionedAt,
	}
}

// InspectionRecord is one completed inspection of a machine.
type InspectionRecord struct {
	ID          uuid.UUID `json:"id"`
	MachineID   uuid.UUID `json:"machine_id"`
	InspectedAt int64     `json:"inspected_at"` // unix seconds
	Result      string    `json:"result"`
	Notes       string    `json:"notes,omitempty"`
	Inspector   string    `json:"inspector,omitempty"`
}

func (r *InspectionRecord) Kind() EntityKind { return EntityInspections }

func (r *InspectionRecord) Validate() error {
	if r.ID == uuid.Nil {
		return fmt.Errorf("inspections: id is required")
	}
	if r.MachineID == uuid.Nil {
		return fmt.Errorf("inspections: machine_id is required")
	}
	if r.InspectedAt == 0 {
		return fmt.Errorf("inspections: inspected_at is required")
	}
	switch r.Result {
	case ResultPass, ResultFail, ResultReserve:
	default:
		return fmt.Errorf("inspections: invalid result %q", r.Result)
	}
	return nil
}

func (r *InspectionRecord) Columns() map[string]any {
	return map[string]any{
		"id":           r.ID.String(),
		"machine_id":   r.MachineID.String(),
		"inspected_at": r.InspectedAt,
		"result":       r.Result,
		"notes":        r.Notes,
		"inspector":    r.Inspector,
	}
}

// DecodePayload decodes raw JSON into the typed record for the given entity
// and validates it against that entity's field set. Unknown fields are
// rejected, which also keeps reserved local columns (is_synced, last_modified,
// synced_at) out of wire payloads.
func DecodePayload(kind EntityKind, raw json.RawMessage) (Record, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty payload for %s", kind)
	}

	var rec Record
	switch kind {
	case EntityClients:
		rec = &ClientRecord{}
	case EntityMachines:
		rec = &MachineRecord{}
	case EntityInspections:
		rec = &InspectionRecord{}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntity, kind)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(rec); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	return rec, nil
}
