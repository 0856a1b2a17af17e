package workflow

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Workflow is the Graph Store record. The engine only ever reads Flow.Nodes,
// Enabled and UserID.
type Workflow struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	UserID    string    `json:"userId" gorm:"not null;index"`
	Name      string    `json:"name" gorm:"not null"`
	Flow      Flow      `json:"flow" gorm:"type:text;serializer:json"`
	Enabled   bool      `json:"enabled" gorm:"not null"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (Workflow) TableName() string {
	return "workflows"
}

// Flow is the stored graph. Edges exist for the editor; the default ordering
// does not consult them.
type Flow struct {
	Nodes []Node `json:"nodes" yaml:"nodes"`
	Edges []Edge `json:"edges" yaml:"edges"`
}

// NodeKind separates the trigger from action nodes.
type NodeKind string

const (
	KindTrigger NodeKind = "trigger"
	KindAction  NodeKind = "action"
)

// Node is one step of a flow. Type selects the connector.
type Node struct {
	ID     string                 `json:"id" yaml:"id"`
	Kind   NodeKind               `json:"kind" yaml:"kind"`
	Type   string                 `json:"type" yaml:"type"`
	Config map[string]interface{} `json:"config,omitempty" yaml:"config,omitempty"`
}

// Edge connects Source to Target.
type Edge struct {
	ID     string `json:"id,omitempty" yaml:"id,omitempty"`
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Node config keys shared across connectors.
const (
	ConfigCredential = "credential"
	ConfigCron       = "cron"
)

// editorNode is the shape the visual editor saves: the top-level type is the
// node kind and the connector type lives under data.
type editorNode struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
	Type string `json:"type"`
	Data *struct {
		Type   string                 `json:"type"`
		Config map[string]interface{} `json:"config"`
	} `json:"data"`
	Config map[string]interface{} `json:"config"`
}

// UnmarshalJSON accepts both the native shape and the editor shape, where
// type and config sit under data.
func (n *Node) UnmarshalJSON(b []byte) error {
	var raw editorNode
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}

	n.ID = raw.ID
	if raw.Data != nil && raw.Kind == "" {
		n.Kind = KindAction
		if raw.Type == string(KindTrigger) {
			n.Kind = KindTrigger
		}
		n.Type = raw.Data.Type
		n.Config = raw.Data.Config
		return nil
	}

	n.Kind = NodeKind(raw.Kind)
	if n.Kind == "" {
		n.Kind = KindAction
	}
	n.Type = raw.Type
	n.Config = raw.Config
	return nil
}

func (n Node) IsTrigger() bool {
	return n.Kind == KindTrigger
}

// CredentialID returns the credential reference from config, or "".
func (n Node) CredentialID() string {
	if n.Config == nil {
		return ""
	}
	id, _ := n.Config[ConfigCredential].(string)
	return strings.TrimSpace(id)
}

// ActionNodes returns every non-trigger node in collection order.
func (f Flow) ActionNodes() []Node {
	actions := make([]Node, 0, len(f.Nodes))
	for _, node := range f.Nodes {
		if !node.IsTrigger() {
			actions = append(actions, node)
		}
	}
	return actions
}

// TriggerNode returns the first trigger node, if any.
func (f Flow) TriggerNode() (Node, bool) {
	for _, node := range f.Nodes {
		if node.IsTrigger() {
			return node, true
		}
	}
	return Node{}, false
}

// CronExpression returns the trigger's cron spec, or "" when the workflow is
// not scheduled.
func (w *Workflow) CronExpression() string {
	trigger, ok := w.Flow.TriggerNode()
	if !ok || trigger.Config == nil {
		return ""
	}
	spec, _ := trigger.Config[ConfigCron].(string)
	return strings.TrimSpace(spec)
}

// Validate checks node ids are present and unique.
func (f Flow) Validate() error {
	seen := make(map[string]struct{}, len(f.Nodes))
	for i, node := range f.Nodes {
		if node.ID == "" {
			return fmt.Errorf("node at index %d has no id", i)
		}
		if _, dup := seen[node.ID]; dup {
			return fmt.Errorf("duplicate node id %q", node.ID)
		}
		seen[node.ID] = struct{}{}
	}
	return nil
}

// NewWorkflow creates an enabled workflow with a fresh id.
func NewWorkflow(name, userID string, flow Flow) *Workflow {
	now := time.Now().UTC()
	return &Workflow{
		ID:        uuid.New().String(),
		UserID:    userID,
		Name:      name,
		Flow:      flow,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
}
