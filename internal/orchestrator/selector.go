package orchestrator

import (
	"github.com/chimera-autarch/autarch/internal/nodes"
	"github.com/chimera-autarch/autarch/internal/tools"
)

// registrySelector adapts *nodes.Registry to tools.NodeSelector, converting
// between the two packages' distinct NodeID string types.
type registrySelector struct {
	registry *nodes.Registry
}

func newRegistrySelector(registry *nodes.Registry) *registrySelector {
	return &registrySelector{registry: registry}
}

func (s *registrySelector) ChooseNode(required []string, exclude map[tools.NodeID]bool) (tools.NodeID, error) {
	converted := make(map[nodes.NodeID]bool, len(exclude))
	for id, excluded := range exclude {
		converted[nodes.NodeID(id)] = excluded
	}
	id, err := s.registry.ChooseNode(required, converted)
	if err != nil {
		return "", err
	}
	return tools.NodeID(id), nil
}

func (s *registrySelector) ReportOutcome(id tools.NodeID, success bool) {
	s.registry.UpdateReputation(nodes.NodeID(id), success)
}
