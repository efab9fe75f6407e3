package loop

import (
	"github.com/google/uuid"

	"github.com/sipeed/picocell/pkg/cluster"
	"github.com/sipeed/picocell/pkg/logger"
)

// specialistScore seeds a freshly spawned node's task domain.
const specialistScore = 0.6

// match places a task in four tiers, first hit wins: the auction, a
// skill catalog hit, a fresh specialist, any idle node. The later tiers
// only fire when the auction itself fails, which means an empty cluster
// or a strict minimum-bid policy.
func (l *Loop) match(task cluster.Task) (*cluster.Node, string, error) {
	winner, auctionErr := l.cluster.SelectWinner(task)
	if auctionErr == nil {
		return winner, "auction", nil
	}

	if node := l.instantiateSkill(task); node != nil {
		return node, "skill", nil
	}
	if node := l.specialize(task); node != nil {
		return node, "specialize", nil
	}
	for _, n := range l.cluster.Nodes() {
		if n.Status() == cluster.StatusIdle {
			return n, "idle", nil
		}
	}
	return nil, "", auctionErr
}

// instantiateSkill turns a catalog hit into a live node carrying the
// skill's score profile and tools.
func (l *Loop) instantiateSkill(task cluster.Task) *cluster.Node {
	if l.skills == nil || l.factory == nil || !l.canSpawn() {
		return nil
	}
	sk, ok := l.skills.Match(task.Description)
	if !ok {
		return nil
	}

	node := cluster.NewNode(uuid.NewString(), "", 0, nil)
	for domain, score := range sk.Scores() {
		node.SetCapScore(domain, score)
	}
	node.AddTools(sk.Tools...)
	node.Touch()
	node.Agent = l.factory(node)
	if err := l.cluster.AddNode(node); err != nil {
		logger.WarnCF("loop", "skill node not added", map[string]any{
			"skill": sk.Name,
			"error": err.Error(),
		})
		return nil
	}
	logger.InfoCF("loop", "skill node instantiated", map[string]any{
		"skill":   sk.Name,
		"node_id": node.ID,
		"task_id": task.ID,
	})
	return node
}

// specialize spawns a fresh node seeded for the task's domain.
func (l *Loop) specialize(task cluster.Task) *cluster.Node {
	if l.factory == nil || !l.canSpawn() {
		return nil
	}

	node := cluster.NewNode(uuid.NewString(), "", 0, nil)
	node.SetCapScore(task.Domain, specialistScore)
	node.Touch()
	node.Agent = l.factory(node)
	if err := l.cluster.AddNode(node); err != nil {
		logger.WarnCF("loop", "specialist not added", map[string]any{
			"domain": task.Domain,
			"error":  err.Error(),
		})
		return nil
	}
	logger.InfoCF("loop", "specialist spawned", map[string]any{
		"node_id": node.ID,
		"domain":  task.Domain,
		"task_id": task.ID,
	})
	return node
}

func (l *Loop) canSpawn() bool {
	return l.clusterCfg.MaxNodes <= 0 || l.cluster.Size() < l.clusterCfg.MaxNodes
}
