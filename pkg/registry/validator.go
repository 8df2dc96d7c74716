package registry

import (
	"errors"

	"github.com/caprun-io/caprun/pkg/models"
)

// Validator checks a node/edge graph for referential integrity before a
// definition is saved or a run is allowed to start. It deliberately does
// not check slot-type compatibility; that is the execution interpreter's
// concern.
type Validator struct {
	registry *Registry
}

func NewValidator(registry *Registry) *Validator {
	return &Validator{registry: registry}
}

// ValidateGraph fails fast on the first offending node or edge, checking
// node types before edge endpoints.
func (v *Validator) ValidateGraph(nodes []*models.Node, edges []*models.Edge) error {
	nodeSet := make(map[string]struct{}, len(nodes))

	for _, node := range nodes {
		ct, ok := v.registry.Lookup(node.Type)
		if !ok {
			return &UnknownCapsuleTypeError{NodeID: node.ID, CapsuleType: node.Type}
		}

		if ct.Disabled {
			return &DisabledCapsuleTypeError{NodeID: node.ID, CapsuleType: node.Type}
		}

		if err := v.validateNodeConfig(node); err != nil {
			return err
		}

		nodeSet[node.ID] = struct{}{}
	}

	for _, edge := range edges {
		if _, ok := nodeSet[edge.SourceNodeID]; !ok {
			return &DanglingEdgeError{
				SourceNodeID:  edge.SourceNodeID,
				TargetNodeID:  edge.TargetNodeID,
				MissingNodeID: edge.SourceNodeID,
			}
		}

		if _, ok := nodeSet[edge.TargetNodeID]; !ok {
			return &DanglingEdgeError{
				SourceNodeID:  edge.SourceNodeID,
				TargetNodeID:  edge.TargetNodeID,
				MissingNodeID: edge.TargetNodeID,
			}
		}
	}

	return nil
}

func (v *Validator) validateNodeConfig(node *models.Node) error {
	err := v.registry.ValidateConfig(node.Type, node.Config)
	if err == nil {
		return nil
	}

	var invalid *InvalidConfigError
	if errors.As(err, &invalid) {
		invalid.NodeID = node.ID

		return invalid
	}

	return err
}
