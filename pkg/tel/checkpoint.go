package tel

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/Mindburn-Labs/tel/pkg/ledger"
	"github.com/Mindburn-Labs/tel/pkg/merkle"
)

// CheckpointLeaf is the committed view of one member.
type CheckpointLeaf struct {
	Member string `json:"member"`
	Head   string `json:"head"`
	Length int    `json:"length"`
	State  State  `json:"state"`
}

// value is what the merkle leaf commits to; the member id is the leaf path.
func (l CheckpointLeaf) value() map[string]interface{} {
	return map[string]interface{}{
		"head":   l.Head,
		"length": l.Length,
		"state":  l.State.String(),
	}
}

// Checkpoint commits to the head of every live member at one instant. Halted
// members are excluded.
type Checkpoint struct {
	Root      string           `json:"root"`
	Members   []CheckpointLeaf `json:"members"`
	CreatedAt time.Time        `json:"created_at"`

	tree *merkle.Tree
}

// Checkpoint snapshots every member and records the root in the audit ledger.
func (m *Manager) Checkpoint(ctx context.Context) (*Checkpoint, error) {
	var leaves []CheckpointLeaf
	for _, mem := range m.allMembers() {
		if mem.halted.Load() != nil {
			continue
		}
		snap := mem.snap.Load()
		head, ok := snap.Head()
		if !ok {
			continue
		}
		leaves = append(leaves, CheckpointLeaf{Member: mem.id, Head: head.String(), Length: snap.Len(), State: snap.State()})
	}

	cp, err := BuildCheckpoint(leaves, m.clock())
	if err != nil {
		return nil, err
	}
	m.audit(ledger.EntryCheckpoint, "", map[string]interface{}{
		"root":    cp.Root,
		"members": len(cp.Members),
	})
	m.logger.InfoContext(ctx, "checkpoint", "root", cp.Root, "members", len(cp.Members))
	return cp, nil
}

// BuildCheckpoint commits to leaves, which must name distinct members.
func BuildCheckpoint(leaves []CheckpointLeaf, at time.Time) (*Checkpoint, error) {
	data := make(map[string]interface{}, len(leaves))
	for _, leaf := range leaves {
		if _, dup := data[leaf.Member]; dup {
			return nil, fmt.Errorf("checkpoint: member %q listed twice", leaf.Member)
		}
		data[leaf.Member] = leaf.value()
	}
	tree, err := merkle.Build(data)
	if err != nil {
		return nil, fmt.Errorf("checkpoint tree: %w", err)
	}
	sorted := append([]CheckpointLeaf(nil), leaves...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Member < sorted[j].Member })
	return &Checkpoint{
		Root:      tree.Root,
		Members:   sorted,
		CreatedAt: at.UTC(),
		tree:      tree,
	}, nil
}

// Prove returns the inclusion proof of member in the checkpoint.
func (c *Checkpoint) Prove(member string) (merkle.InclusionProof, error) {
	if c.tree == nil {
		return merkle.InclusionProof{}, fmt.Errorf("checkpoint has no tree")
	}
	return c.tree.Prove(member)
}

// VerifyCheckpointLeaf checks that leaf, as held by a verifier, is committed
// under root by proof.
func VerifyCheckpointLeaf(root string, leaf CheckpointLeaf, proof merkle.InclusionProof) bool {
	if proof.LeafPath != leaf.Member {
		return false
	}
	h, err := merkle.LeafHash(leaf.Member, leaf.value())
	if err != nil || h != proof.LeafHash {
		return false
	}
	return merkle.VerifyInclusionProof(proof, root)
}
