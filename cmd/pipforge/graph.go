package main

import (
	"fmt"
	"strings"

	"github.com/zeebo/xxh3"

	"github.com/pipforge/pipforge/pkg/contracts"
	memdouble "github.com/pipforge/pipforge/pkg/contracts/memory"
	"github.com/pipforge/pipforge/pkg/identity"
	"github.com/pipforge/pipforge/pkg/pip"
)

// graphDocument is the on-disk declaration of a build graph: a flat list of
// pips with dependency edges by ID. It is deliberately minimal -- there is
// no real graph-construction frontend in scope -- so that the "run" command
// has something concrete to drive the scheduler against (§1 Non-goals:
// build-graph construction and a real sandbox/CAS are both out of scope;
// this declarative form and the in-memory doubles stand in for both).
type graphDocument struct {
	Pips []pipDocument `yaml:"pips"`
}

type pipDocument struct {
	ID            uint32            `yaml:"id"`
	Kind          string            `yaml:"kind"`
	SealKind      string            `yaml:"sealKind"`
	Dependencies  []uint32          `yaml:"dependencies"`
	Outputs       []string          `yaml:"outputs"`
	OpaqueOutputs []string          `yaml:"opaqueOutputs"`
	IsLight       bool              `yaml:"isLight"`
	UserPriority  uint8             `yaml:"userPriority"`
	Uncacheable   bool              `yaml:"uncacheable"`
	Labels        map[string]string `yaml:"labels"`
}

func parsePipKind(name string) (pip.Kind, error) {
	for _, k := range []pip.Kind{
		pip.KindProcess, pip.KindCopyFile, pip.KindWriteFile, pip.KindIpc,
		pip.KindSealDirectory, pip.KindValue, pip.KindModule, pip.KindSpec,
	} {
		if strings.EqualFold(k.String(), name) {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unrecognized pip kind %q", name)
}

func parseSealKind(name string) (pip.SealKind, error) {
	switch strings.ToLower(name) {
	case "", "full":
		return pip.SealFull, nil
	case "partial":
		return pip.SealPartial, nil
	case "sourcetop":
		return pip.SealSourceTop, nil
	case "sourceall":
		return pip.SealSourceAll, nil
	case "opaque":
		return pip.SealOpaque, nil
	case "sharedopaque":
		return pip.SealSharedOpaque, nil
	default:
		return 0, fmt.Errorf("unrecognized seal kind %q", name)
	}
}

// buildGraph constructs an in-memory graph, plus a label lookup, from a
// parsed graphDocument. Dependency edges are always heavy: the declarative
// format has no notion of a dependency that doesn't gate scheduling, which
// matches every pip kind users are likely to author by hand (process and
// ipc pips, which are the only heavy kinds in the first place).
func buildGraph(doc *graphDocument, paths *identity.PathTable) (*memdouble.Graph, map[pip.ID]map[string]string, error) {
	graph := memdouble.NewGraph()
	labels := make(map[pip.ID]map[string]string, len(doc.Pips))

	for _, pd := range doc.Pips {
		kind, err := parsePipKind(pd.Kind)
		if err != nil {
			return nil, nil, fmt.Errorf("pip %d: %w", pd.ID, err)
		}
		sealKind, err := parseSealKind(pd.SealKind)
		if err != nil {
			return nil, nil, fmt.Errorf("pip %d: %w", pd.ID, err)
		}

		var outputs []identity.PathID
		for _, path := range pd.Outputs {
			outputs = append(outputs, paths.Intern(path))
		}
		var opaqueOutputs []identity.PathID
		for _, path := range pd.OpaqueOutputs {
			opaqueOutputs = append(opaqueOutputs, paths.Intern(path))
		}

		identitySeed := fmt.Sprintf("%d:%s:%v:%v:%v", pd.ID, pd.Kind, pd.Dependencies, pd.Outputs, pd.OpaqueOutputs)
		p := &pip.Pip{
			ID:             pip.ID(pd.ID),
			SemistableHash: pip.SemistableHash(xxh3.HashString(identitySeed)),
			Kind:           kind,
			SealKind:       sealKind,
			Outputs:        outputs,
			OpaqueOutputs:  opaqueOutputs,
			IsLight:        pd.IsLight,
			UserPriority:   pd.UserPriority,
			Uncacheable:    pd.Uncacheable,
		}
		graph.AddPip(p)
		labels[p.ID] = pd.Labels

		for _, path := range pd.Outputs {
			graph.SetProducer(paths.Intern(path), p.ID)
		}
		for _, path := range pd.OpaqueOutputs {
			graph.SetProducer(paths.Intern(path), p.ID)
		}
	}

	for _, pd := range doc.Pips {
		for _, dep := range pd.Dependencies {
			graph.AddEdge(pip.ID(dep), pip.ID(pd.ID), contracts.EdgeHeavy)
		}
	}

	return graph, labels, nil
}
