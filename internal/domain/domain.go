package domain

// RoleKind names one of the committees held by the task manager.
type RoleKind string

const (
	RoleAdmin     RoleKind = "admin"
	RoleCreator   RoleKind = "creator"
	RoleApprover  RoleKind = "approver"
	RoleExecutor  RoleKind = "executor"
	RoleFinalizer RoleKind = "finalizer"
)

// Roles lists every role kind in a stable order.
var Roles = []RoleKind{RoleAdmin, RoleCreator, RoleApprover, RoleExecutor, RoleFinalizer}

func (r RoleKind) Valid() bool {
	switch r {
	case RoleAdmin, RoleCreator, RoleApprover, RoleExecutor, RoleFinalizer:
		return true
	}
	return false
}

type TaskKind string

const (
	TaskAdministrative TaskKind = "administrative"
	TaskOperational    TaskKind = "operational"
)

func (k TaskKind) Valid() bool {
	return k == TaskAdministrative || k == TaskOperational
}

// CreatorRole is the role allowed to open a task of this kind.
func (k TaskKind) CreatorRole() RoleKind {
	if k == TaskAdministrative {
		return RoleAdmin
	}
	return RoleCreator
}

// ApproverRole is the committee that votes on a task of this kind.
func (k TaskKind) ApproverRole() RoleKind {
	if k == TaskAdministrative {
		return RoleAdmin
	}
	return RoleApprover
}

type TaskState string

const (
	TaskCreated   TaskState = "created"
	TaskApproved  TaskState = "approved"
	TaskFinalized TaskState = "finalized"
	TaskRejected  TaskState = "rejected"
)

func (s TaskState) Terminal() bool {
	return s == TaskFinalized || s == TaskRejected
}

type Task struct {
	ID                 uint64    `json:"id"`
	Kind               TaskKind  `json:"kind" enum:"administrative,operational"`
	Creator            Address   `json:"creator"`
	DetailsURI         string    `json:"details_uri"`
	State              TaskState `json:"state" enum:"created,approved,finalized,rejected"`
	FinalizationReason string    `json:"finalization_reason,omitempty"`
	Approvals          []Address `json:"approvals"`
	CreatedAt          string    `json:"created_at" format:"date-time"`
	UpdatedAt          string    `json:"updated_at" format:"date-time"`
	FinalizedAt        *string   `json:"finalized_at,omitempty" format:"date-time"`
}

// HasApproval reports whether addr already voted on the task.
func (t Task) HasApproval(addr Address) bool {
	for _, a := range t.Approvals {
		if a == addr {
			return true
		}
	}
	return false
}

// Audit event types.
const (
	EventTaskCreated        = "TaskCreated"
	EventTaskApproved       = "TaskApproved"
	EventTaskRejected       = "TaskRejected"
	EventTaskFinalized      = "TaskFinalized"
	EventTaskExecuted       = "TaskExecuted"
	EventRoleAdded          = "RoleAdded"
	EventRoleRemoved        = "RoleRemoved"
	EventTransfer           = "Transfer"
	EventLockTsChanged      = "LockTsChanged"
	EventTaskManagerChanged = "TaskManagerChanged"
)

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	Emitter    string `json:"emitter"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type Account struct {
	Address   Address `json:"address"`
	Balance   uint64  `json:"balance"`
	LockUntil int64   `json:"lock_until"`
}

// LedgerInfo is the deployed token metadata.
type LedgerInfo struct {
	Name        string  `json:"name"`
	Symbol      string  `json:"symbol"`
	Decimals    uint8   `json:"decimals"`
	TotalSupply uint64  `json:"total_supply"`
	TaskManager Address `json:"task_manager"`
	Address     Address `json:"address"`
	DeployedAt  string  `json:"deployed_at" format:"date-time"`
}

// APIKey authenticates HTTP callers as Address. Only the digest is kept.
type APIKey struct {
	ID        string  `json:"id"`
	Address   Address `json:"address"`
	Name      string  `json:"name,omitempty"`
	KeyHash   string  `json:"-"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}
