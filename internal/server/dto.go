package server

import (
	"encoding/json"

	"quorumledger/internal/domain"
)

// Request payloads

type CreateTaskRequest struct {
	Kind       string `json:"kind" enum:"administrative,operational"`
	DetailsURI string `json:"details_uri,omitempty"`
}

type ReasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

type RoleChangeRequest struct {
	TaskID  uint64 `json:"task_id" minimum:"1"`
	Address string `json:"address" example:"0x00000000000000000000000000000000000000aa"`
}

type TransferRequest struct {
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
}

type BatchTransferRequest struct {
	TaskID         uint64   `json:"task_id" minimum:"1"`
	Recipients     []string `json:"recipients"`
	Amounts        []uint64 `json:"amounts"`
	LockTimestamps []int64  `json:"lock_timestamps"`
}

type UpdateLocksRequest struct {
	TaskID         uint64   `json:"task_id" minimum:"1"`
	Accounts       []string `json:"accounts"`
	LockTimestamps []int64  `json:"lock_timestamps"`
}

type NativeValueRequest struct {
	Value uint64 `json:"value"`
}

type DevLoginRequest struct {
	Address string `json:"address"`
}

// Response payloads

type TaskResponse struct {
	domain.Task
	Threshold int `json:"threshold"`
}

type RoleMembersResponse struct {
	Role      string   `json:"role" enum:"admin,creator,approver,executor,finalizer"`
	Count     int      `json:"count"`
	Threshold int      `json:"threshold"`
	Members   []string `json:"members"`
}

type BatchTransferResponse struct {
	TaskID     uint64 `json:"task_id"`
	Recipients int    `json:"recipients"`
	Total      uint64 `json:"total"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	Emitter    string         `json:"emitter"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type WhoAmIResponse struct {
	Address string   `json:"address"`
	Source  string   `json:"source"`
	Roles   []string `json:"roles"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedTasks struct {
	Items      []TaskResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		Emitter:    e.Emitter,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return map[string]any{}
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		return map[string]any{}
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func addressStrings(in []domain.Address) []string {
	out := make([]string, 0, len(in))
	for _, a := range in {
		out = append(out, a.String())
	}
	return out
}

type LockUpdateResponse struct {
	TaskID   uint64 `json:"task_id"`
	Accounts int    `json:"accounts"`
}
