// Package dfd holds the data-flow-diagram document model shared by the
// collaboration client and the relay server: nodes, connections, threats,
// and the Document container that enforces referential integrity.
package dfd

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeType identifies the kind of diagram component a node represents
type NodeType string

const (
	NodeTypeActor          NodeType = "actor"
	NodeTypeProcess        NodeType = "process"
	NodeTypeStore          NodeType = "store"
	NodeTypeExternalEntity NodeType = "external_entity"
	// Infrastructure subtypes
	NodeTypeHost      NodeType = "host"
	NodeTypeContainer NodeType = "container"
	NodeTypeNetwork   NodeType = "network"
)

// IsValid reports whether the node type is one of the known kinds
func (t NodeType) IsValid() bool {
	switch t {
	case NodeTypeActor, NodeTypeProcess, NodeTypeStore, NodeTypeExternalEntity,
		NodeTypeHost, NodeTypeContainer, NodeTypeNetwork:
		return true
	}
	return false
}

// ConnectionType identifies the kind of edge between two nodes
type ConnectionType string

const (
	ConnectionTypeDataflow              ConnectionType = "dataflow"
	ConnectionTypeBidirectionalDataflow ConnectionType = "bidirectional_dataflow"
	ConnectionTypeTrustBoundaryCrossing ConnectionType = "trust_boundary_crossing"
)

// IsValid reports whether the connection type is one of the known kinds
func (t ConnectionType) IsValid() bool {
	switch t {
	case ConnectionTypeDataflow, ConnectionTypeBidirectionalDataflow, ConnectionTypeTrustBoundaryCrossing:
		return true
	}
	return false
}

// Position is a canvas-space coordinate pair
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ElementData holds the user-editable payload of a node or connection
type ElementData struct {
	Label      string            `json:"label"`
	Properties map[string]string `json:"properties,omitempty"`
}

// Clone returns a deep copy of the element data
func (d ElementData) Clone() ElementData {
	out := ElementData{Label: d.Label}
	if d.Properties != nil {
		out.Properties = make(map[string]string, len(d.Properties))
		for k, v := range d.Properties {
			out.Properties[k] = v
		}
	}
	return out
}

// Node is a single diagram component
type Node struct {
	ID       string      `json:"id"`
	Type     NodeType    `json:"type"`
	Position Position    `json:"position"`
	Data     ElementData `json:"data"`
}

// Validate checks the node for structural validity
func (n *Node) Validate() error {
	if n.ID == "" {
		return fmt.Errorf("node id is required")
	}
	if _, err := uuid.Parse(n.ID); err != nil {
		return fmt.Errorf("node id must be a valid UUID: %w", err)
	}
	if !n.Type.IsValid() {
		return fmt.Errorf("invalid node type: %s", n.Type)
	}
	return nil
}

// Clone returns a deep copy of the node
func (n *Node) Clone() *Node {
	out := *n
	out.Data = n.Data.Clone()
	return &out
}

// Connection is an edge between two nodes in the same diagram
type Connection struct {
	ID     string         `json:"id"`
	Source string         `json:"source"`
	Target string         `json:"target"`
	Type   ConnectionType `json:"type"`
	Data   ElementData    `json:"data"`
}

// Validate checks the connection for structural validity. Endpoint existence
// is a document-level concern checked at apply time.
func (c *Connection) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("connection id is required")
	}
	if _, err := uuid.Parse(c.ID); err != nil {
		return fmt.Errorf("connection id must be a valid UUID: %w", err)
	}
	if c.Source == "" || c.Target == "" {
		return fmt.Errorf("connection source and target are required")
	}
	if c.Source == c.Target {
		return ErrSelfLoop
	}
	if !c.Type.IsValid() {
		return fmt.Errorf("invalid connection type: %s", c.Type)
	}
	return nil
}

// Clone returns a deep copy of the connection
func (c *Connection) Clone() *Connection {
	out := *c
	out.Data = c.Data.Clone()
	return &out
}

// ThreatCategory is a STRIDE classification
type ThreatCategory string

const (
	CategorySpoofing              ThreatCategory = "spoofing"
	CategoryTampering             ThreatCategory = "tampering"
	CategoryRepudiation           ThreatCategory = "repudiation"
	CategoryInformationDisclosure ThreatCategory = "information_disclosure"
	CategoryDenialOfService       ThreatCategory = "denial_of_service"
	CategoryElevationOfPrivilege  ThreatCategory = "elevation_of_privilege"
)

// IsValid reports whether the category is a known STRIDE category
func (c ThreatCategory) IsValid() bool {
	switch c {
	case CategorySpoofing, CategoryTampering, CategoryRepudiation,
		CategoryInformationDisclosure, CategoryDenialOfService, CategoryElevationOfPrivilege:
		return true
	}
	return false
}

// Severity is an ordinal severity rating
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns the ordinal position of the severity, higher is worse
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 0
	case SeverityMedium:
		return 1
	case SeverityHigh:
		return 2
	case SeverityCritical:
		return 3
	default:
		return -1
	}
}

// IsValid reports whether the severity is a known rating
func (s Severity) IsValid() bool { return s.Rank() >= 0 }

// Likelihood is an ordinal likelihood rating
type Likelihood string

const (
	LikelihoodUnlikely Likelihood = "unlikely"
	LikelihoodPossible Likelihood = "possible"
	LikelihoodLikely   Likelihood = "likely"
	LikelihoodCertain  Likelihood = "certain"
)

// Rank returns the ordinal position of the likelihood
func (l Likelihood) Rank() int {
	switch l {
	case LikelihoodUnlikely:
		return 0
	case LikelihoodPossible:
		return 1
	case LikelihoodLikely:
		return 2
	case LikelihoodCertain:
		return 3
	default:
		return -1
	}
}

// IsValid reports whether the likelihood is a known rating
func (l Likelihood) IsValid() bool { return l.Rank() >= 0 }

// Mitigation is a countermeasure attached to a threat
type Mitigation struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	Effectiveness string `json:"effectiveness,omitempty"`
	Implemented   bool   `json:"implemented"`
	Cost          string `json:"cost,omitempty"`
	Effort        string `json:"effort,omitempty"`
}

// Threat is an identified threat against diagram elements
type Threat struct {
	ID                 string         `json:"id"`
	Name               string         `json:"name"`
	Description        string         `json:"description,omitempty"`
	Category           ThreatCategory `json:"category"`
	Severity           Severity       `json:"severity"`
	Likelihood         Likelihood     `json:"likelihood"`
	AffectedComponents []string       `json:"affected_components,omitempty"`
	AffectedFlows      []string       `json:"affected_flows,omitempty"`
	Mitigations        []Mitigation   `json:"mitigations,omitempty"`
}

// Validate checks the threat for structural validity
func (t *Threat) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("threat id is required")
	}
	if _, err := uuid.Parse(t.ID); err != nil {
		return fmt.Errorf("threat id must be a valid UUID: %w", err)
	}
	if t.Name == "" {
		return fmt.Errorf("threat name is required")
	}
	if !t.Category.IsValid() {
		return fmt.Errorf("invalid threat category: %s", t.Category)
	}
	if !t.Severity.IsValid() {
		return fmt.Errorf("invalid threat severity: %s", t.Severity)
	}
	if !t.Likelihood.IsValid() {
		return fmt.Errorf("invalid threat likelihood: %s", t.Likelihood)
	}
	return nil
}

// Clone returns a deep copy of the threat
func (t *Threat) Clone() *Threat {
	out := *t
	out.AffectedComponents = append([]string(nil), t.AffectedComponents...)
	out.AffectedFlows = append([]string(nil), t.AffectedFlows...)
	out.Mitigations = append([]Mitigation(nil), t.Mitigations...)
	return &out
}
