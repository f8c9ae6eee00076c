package types

import "time"

// FlowVariant selects which ordered list of steps applies to a wizard session.
type FlowVariant string

const (
	VariantStandard             FlowVariant = "standard"
	VariantNDA                  FlowVariant = "nda"
	VariantOEMSupplierReadiness FlowVariant = "oemSupplierReadiness"
)

// Variants lists every declared variant in display order.
var Variants = []FlowVariant{VariantStandard, VariantNDA, VariantOEMSupplierReadiness}

// SubmissionStatus tracks how far the finished document has travelled outside the wizard.
type SubmissionStatus string

const (
	StatusDraft            SubmissionStatus = "draft"
	StatusPendingSignature SubmissionStatus = "pendingSignature"
	StatusActive           SubmissionStatus = "active"
	StatusCompleted        SubmissionStatus = "completed"
)

// MachineState is the coarse state of a wizard session.
type MachineState string

const (
	MachineDraft         MachineState = "draft"
	MachineInProgress    MachineState = "in_progress"
	MachinePendingAction MachineState = "pending_external_action"
	MachineSubmitted     MachineState = "submitted"
	MachineFailed        MachineState = "failed"
)

// StepDescriptor defines one step of a flow variant.
type StepDescriptor struct {
	ID         int      `json:"id" yaml:"id"`
	Title      string   `json:"title" yaml:"title"`
	Fields     []string `json:"fields,omitempty" yaml:"fields"`
	Required   []string `json:"required,omitempty" yaml:"required"`
	Completion string   `json:"completion,omitempty" yaml:"completion"` // extra expression over the flow fields
}

// ValidationGap reports the required fields a step is still missing.
// It is advisory and never blocks navigation.
type ValidationGap struct {
	Step    int      `json:"step"`
	Missing []string `json:"missing"`
}

// ActionKind names an operation that mutates state outside the wizard.
type ActionKind string

const (
	ActionSaveDraft        ActionKind = "saveDraft"
	ActionSubmit           ActionKind = "submit"
	ActionSendForSignature ActionKind = "sendForSignature"
	ActionCountersign      ActionKind = "countersign"
	ActionActivate         ActionKind = "activate"
	ActionNotify           ActionKind = "notify"
	ActionEnhance          ActionKind = "enhance"
)

// ActionResult is the resolution of an ExternalActionRecord.
type ActionResult string

const (
	ResultPending ActionResult = "pending"
	ResultSuccess ActionResult = "success"
	ResultFailure ActionResult = "failure"
)

// ExternalActionRecord represents one attempted call to an external collaborator.
type ExternalActionRecord struct {
	ID          string                 `json:"id"`
	Kind        ActionKind             `json:"kind"`
	SessionID   uint64                 `json:"session_id"`
	Generation  uint64                 `json:"generation"`
	Step        int                    `json:"step"`
	RequestedAt int64                  `json:"requested_at"`
	ResolvedAt  int64                  `json:"resolved_at,omitempty"`
	Result      ActionResult           `json:"result"`
	ErrorDetail string                 `json:"error_detail,omitempty"`
	Output      map[string]interface{} `json:"output,omitempty"`
}

// FlowState is the mutable aggregate owned by one wizard session.
type FlowState struct {
	SessionID        uint64                 `json:"session_id"`
	Generation       uint64                 `json:"generation"`
	Variant          FlowVariant            `json:"variant"`
	CurrentStep      int                    `json:"current_step"`
	Fields           map[string]interface{} `json:"fields"`
	Derived          map[string]interface{} `json:"derived"`
	SubmissionStatus SubmissionStatus       `json:"submission_status"`
	MachineState     MachineState           `json:"machine_state"`
	LastError        string                 `json:"last_error,omitempty"`
	Actions          []ExternalActionRecord `json:"actions,omitempty"`
	CreatedAt        int64                  `json:"created_at"`
	UpdatedAt        int64                  `json:"updated_at"`
}

// Clone returns a deep copy of the state so callers can't alias the live maps.
func (s FlowState) Clone() FlowState {
	c := s
	c.Fields = copyMap(s.Fields)
	c.Derived = copyMap(s.Derived)
	if s.Actions != nil {
		c.Actions = make([]ExternalActionRecord, len(s.Actions))
		for i, rec := range s.Actions {
			rec.Output = copyMap(rec.Output)
			c.Actions[i] = rec
		}
	}
	return c
}

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// OfferedAction is a button the assistant offers alongside a message.
type OfferedAction struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Message is one entry in a conversation transcript.
type Message struct {
	Role           Role            `json:"role"`
	Content        string          `json:"content"`
	Timestamp      time.Time       `json:"timestamp"`
	OfferedActions []OfferedAction `json:"offered_actions,omitempty"`
}

// Phase is the position of a conversational sub-flow.
type Phase string

const (
	PhaseIntro              Phase = "intro"
	PhaseCollectingCriteria Phase = "collectingCriteria"
	PhaseCollectingSchedule Phase = "collectingSchedule"
	PhaseReviewing          Phase = "reviewing"
	PhaseComplete           Phase = "complete"
)

// PhaseOrder is the fixed sequence phases advance through.
var PhaseOrder = []Phase{PhaseIntro, PhaseCollectingCriteria, PhaseCollectingSchedule, PhaseReviewing, PhaseComplete}

// PhaseIndex returns the position of p in PhaseOrder, or -1.
func PhaseIndex(p Phase) int {
	for i, q := range PhaseOrder {
		if q == p {
			return i
		}
	}
	return -1
}

// ConversationState is the aggregate owned by one chat-style session.
type ConversationState struct {
	SessionID     uint64            `json:"session_id"`
	Generation    uint64            `json:"generation"`
	Flow          string            `json:"flow"`
	Phase         Phase             `json:"phase"`
	Messages      []Message         `json:"messages"`
	PendingIntent string            `json:"pending_intent,omitempty"`
	Collected     map[string]string `json:"collected,omitempty"`
	CreatedAt     int64             `json:"created_at"`
	UpdatedAt     int64             `json:"updated_at"`
}

// Clone returns a deep copy of the conversation.
func (c ConversationState) Clone() ConversationState {
	out := c
	if c.Messages != nil {
		out.Messages = make([]Message, len(c.Messages))
		for i, m := range c.Messages {
			if m.OfferedActions != nil {
				m.OfferedActions = append([]OfferedAction(nil), m.OfferedActions...)
			}
			out.Messages[i] = m
		}
	}
	if c.Collected != nil {
		out.Collected = make(map[string]string, len(c.Collected))
		for k, v := range c.Collected {
			out.Collected[k] = v
		}
	}
	return out
}

// Contact is a prospect saved into a named list.
type Contact struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Title     string `json:"title,omitempty"`
	Company   string `json:"company,omitempty"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	LinkedIn  string `json:"linkedin,omitempty"`
	Location  string `json:"location,omitempty"`
	Industry  string `json:"industry,omitempty"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

// ContactList is a named collection of contacts owned by a tenant.
type ContactList struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Contacts  []Contact `json:"contacts"`
	CreatedAt int64     `json:"created_at"`
	UpdatedAt int64     `json:"updated_at"`
}

// Document is a finished or draft artifact persisted by an external action.
type Document struct {
	ID        string                 `json:"id"`
	SessionID uint64                 `json:"session_id"`
	Variant   FlowVariant            `json:"variant"`
	Status    SubmissionStatus       `json:"status"`
	Fields    map[string]interface{} `json:"fields"`
	UpdatedAt int64                  `json:"updated_at"`
}

func copyMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
