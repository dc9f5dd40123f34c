package dyn

import (
	"github.com/gomlx/neurodyn/pkg/ml/base"
	"github.com/pkg/errors"
)

// Network is a container of dynamical systems: updating it runs the steps of its own, followed by the steps of
// each of its children systems, in the order they were added (or defined as fields). A system reachable from
// more than one container is updated only once per time step.
//
// Networks can be created with NewNetwork, or by embedding Network in a struct whose fields are the children
// systems, initialized with Init:
//
//	type EINet struct {
//		dyn.Network
//		E, I *dyn.LIF
//		E2I  *dyn.ExpSyn
//	}
//	net := &EINet{E: e, I: i, E2I: e2i}
//	err := dyn.Init(net, "EINet")
type Network struct {
	DynamicalSystem
}

func (net *Network) containerSystem() {}

// NewNetwork creates a network with the given systems as children, keyed by their names.
func NewNetwork(name string, systems ...System) (*Network, error) {
	net := &Network{}
	if err := net.Add(systems...); err != nil {
		return nil, err
	}
	if err := Init(net, name); err != nil {
		return nil, err
	}
	return net, nil
}

// Add systems to the network, keyed by their names. Systems are updated in the order they are added.
func (net *Network) Add(systems ...System) error {
	for _, sys := range systems {
		if sys == nil {
			return errors.Errorf("cannot add a nil system to network %q", net.Name())
		}
		if sys.BaseNode().Name() == "" {
			if err := Init(sys, ""); err != nil {
				return err
			}
		}
		net.RegisterImplicitNodes(map[string]base.Node{sys.BaseNode().Name(): sys})
	}
	return nil
}
