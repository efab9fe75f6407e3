// PicoCell - Self-organizing agent cluster
// License: MIT
//
// Copyright (c) 2026 PicoCell contributors

// Package lifecycle grows and shrinks the cluster. Mitosis splits a
// node faced with a task above its complexity threshold; apoptosis
// retires a failing node after folding its capability profile into the
// closest surviving peer.
package lifecycle

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/config"
	"github.com/sipeed/picocell/pkg/events"
	"github.com/sipeed/picocell/pkg/logger"
)

// MitosisError reports a split that could not be performed.
type MitosisError struct {
	NodeID string
	Reason string
}

func (e *MitosisError) Error() string {
	return fmt.Sprintf("mitosis for node %s rejected: %s", e.NodeID, e.Reason)
}

func (e *MitosisError) Code() string { return "mitosis-failed" }

// ApoptosisRejectedError reports a retirement the cluster refused.
type ApoptosisRejectedError struct {
	NodeID string
	Reason string
}

func (e *ApoptosisRejectedError) Error() string {
	return fmt.Sprintf("apoptosis for node %s rejected: %s", e.NodeID, e.Reason)
}

func (e *ApoptosisRejectedError) Code() string { return "apoptosis-rejected" }

// AgentFactory builds the executor for a freshly split node.
type AgentFactory func(node *cluster.Node) cluster.Executor

// Manager drives node birth and death against a cluster.
type Manager struct {
	cluster *cluster.Manager
	cfg     config.ClusterConfig
	events  *events.Bus
}

func NewManager(c *cluster.Manager, cfg config.ClusterConfig) *Manager {
	return &Manager{cluster: c, cfg: cfg}
}

// SetEvents attaches a bus for mitosis and apoptosis notifications.
func (m *Manager) SetEvents(bus *events.Bus) {
	m.events = bus
}

// Cluster returns the managed cluster.
func (m *Manager) Cluster() *cluster.Manager { return m.cluster }

// ShouldSplit reports whether a node should divide for a task. Only
// tasks above the mitosis threshold split, and only when the node has
// generations left below the depth limit.
func (m *Manager) ShouldSplit(node *cluster.Node, task cluster.Task) bool {
	return task.Complexity > m.cfg.MitosisThreshold && node.Depth < m.cfg.MaxDepth
}

// Mitosis splits parent into a child specialized for the task's domain.
// The child starts one generation deeper with the default score in that
// single domain and inherits the parent's tools.
func (m *Manager) Mitosis(parent *cluster.Node, task cluster.Task, factory AgentFactory) (*cluster.Node, error) {
	if parent.Depth >= m.cfg.MaxDepth {
		return nil, &MitosisError{NodeID: parent.ID, Reason: fmt.Sprintf("depth %d at limit %d", parent.Depth, m.cfg.MaxDepth)}
	}
	if m.cfg.MaxNodes > 0 && m.cluster.Size() >= m.cfg.MaxNodes {
		return nil, &MitosisError{NodeID: parent.ID, Reason: fmt.Sprintf("cluster full at %d nodes", m.cluster.Size())}
	}

	prev := parent.Status()
	parent.SetStatus(cluster.StatusSplitting)
	defer parent.SetStatus(prev)

	child := cluster.NewNode(uuid.NewString(), parent.ID, parent.Depth+1, nil)
	child.SetCapScore(task.Domain, cluster.DefaultScore)
	child.AddTools(parent.Tools()...)
	child.SetOrigin(&cluster.Origin{
		ParentID:  parent.ID,
		Objective: task.Description,
		Domain:    task.Domain,
	})
	child.Touch()
	if factory != nil {
		child.Agent = factory(child)
	}

	if err := m.cluster.AddNode(child); err != nil {
		return nil, &MitosisError{NodeID: parent.ID, Reason: err.Error()}
	}

	logger.InfoCF("lifecycle", "mitosis complete", map[string]any{
		"parent": parent.ID,
		"child":  child.ID,
		"domain": task.Domain,
		"depth":  child.Depth,
	})
	if m.events != nil {
		m.events.Emit(events.Event{
			Type:   events.TypeMitosis,
			NodeID: child.ID,
			TaskID: task.ID,
			Data: map[string]any{
				"parent": parent.ID,
				"domain": task.Domain,
				"depth":  child.Depth,
			},
		})
	}
	return child, nil
}
