package client

import (
	"encoding/json"
	"time"

	"github.com/ericfitz/tmcollab/api"
	"github.com/ericfitz/tmcollab/dfd"
	"github.com/ericfitz/tmcollab/internal/uuidgen"
)

func testNode(label string) *dfd.Node {
	return &dfd.Node{
		ID:       uuidgen.MustNewForEntity(uuidgen.EntityTypeNode).String(),
		Type:     dfd.NodeTypeProcess,
		Position: dfd.Position{X: 10, Y: 20},
		Data:     dfd.ElementData{Label: label},
	}
}

func testConnection(source, target string) *dfd.Connection {
	return &dfd.Connection{
		ID:     uuidgen.MustNewForEntity(uuidgen.EntityTypeConnection).String(),
		Source: source,
		Target: target,
		Type:   dfd.ConnectionTypeDataflow,
		Data:   dfd.ElementData{Label: "flow"},
	}
}

func testThreat(name string, components ...string) *dfd.Threat {
	return &dfd.Threat{
		ID:                 uuidgen.MustNewForEntity(uuidgen.EntityTypeThreat).String(),
		Name:               name,
		Category:           dfd.CategoryTampering,
		Severity:           dfd.SeverityHigh,
		Likelihood:         dfd.LikelihoodPossible,
		AffectedComponents: components,
	}
}

func stampedOp(user string, ts time.Time, op api.Operation) api.Operation {
	op.ID = uuidgen.MustNewOperationID()
	op.Timestamp = ts
	op.OriginUserID = user
	return op
}

func opAddNode(user string, ts time.Time, node *dfd.Node) api.Operation {
	return stampedOp(user, ts, api.Operation{Type: api.OpAddNode, Node: node})
}

func opUpdateNode(user string, ts time.Time, nodeID string, patch string) api.Operation {
	return stampedOp(user, ts, api.Operation{
		Type:     api.OpUpdateNode,
		TargetID: nodeID,
		Patch:    json.RawMessage(patch),
	})
}

func opDeleteNode(user string, ts time.Time, nodeID string) api.Operation {
	return stampedOp(user, ts, api.Operation{Type: api.OpDeleteNode, TargetID: nodeID})
}

func opAddConnection(user string, ts time.Time, conn *dfd.Connection) api.Operation {
	return stampedOp(user, ts, api.Operation{Type: api.OpAddConnection, Connection: conn})
}
