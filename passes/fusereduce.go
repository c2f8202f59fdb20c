package passes

import (
	"slices"
	"strings"

	"github.com/gomlx/tensorir"
	"github.com/gomlx/tensorir/internal/utils"
	"github.com/gomlx/tensorir/match"
)

// FuseReduce fuses sibling reductions: when one instruction feeds two or more
// reductions of the same kind and output shape (directly, or through chains
// of single-consumer pointwise instructions), the reductions are computed by
// a single fused instruction producing a tuple, and each original reduction
// becomes a tuple extraction.
//
// One Apply performs one scan; it is idempotent at fixed point -- running it
// again on its own output changes nothing.
type FuseReduce struct{}

// Name implements Pass.
func (FuseReduce) Name() string { return "fuse_reduce" }

// Apply implements Pass.
func (FuseReduce) Apply(m *tensorir.Module) error {
	return match.FindMatches(m, findSiblingReduces{})
}

// getReduce returns the reduction instruction reachable from ins: ins itself
// when it is a reduction, or the end of a chain of single-input,
// single-consumer pointwise instructions starting at ins. Already-fused
// reductions and reduce_mean (whose fused form is not supported) don't count.
func getReduce(ins *tensorir.Instruction) *tensorir.Instruction {
	name := ins.Name()
	if name == "fused_reduce" || name == "reduce_mean" {
		return nil
	}
	if strings.Contains(name, "reduce") {
		return ins
	}
	if tensorir.IsPointwise(ins.Op()) && len(ins.Inputs()) == 1 && ins.UsedOnce() {
		return getReduce(ins.Outputs()[0])
	}
	return nil
}

// chainFrom returns the instructions from ancestor (exclusive) down to input
// (inclusive), in producer order. Empty when input is the ancestor itself.
// The callers guarantee every link below ancestor is a single-input
// instruction, so following Inputs()[0] backwards is well defined.
func chainFrom(ancestor, input *tensorir.Instruction) []*tensorir.Instruction {
	var chain []*tensorir.Instruction
	for cur := input; cur != ancestor; cur = cur.Inputs()[0] {
		chain = append(chain, cur)
	}
	slices.Reverse(chain)
	return chain
}

type findSiblingReduces struct{}

func (findSiblingReduces) Matcher() match.Matcher {
	return func(ins *tensorir.Instruction) bool {
		if len(ins.Outputs()) < 2 {
			return false
		}
		n := 0
		for _, output := range ins.Outputs() {
			if getReduce(output) != nil {
				n++
			}
		}
		return n > 1
	}
}

func (findSiblingReduces) Apply(m *tensorir.Module, r match.Result) error {
	ins := r.Ins
	var reduces []*tensorir.Instruction
	for _, output := range ins.Outputs() {
		if len(output.Outputs()) == 0 {
			// A dead reduction has nothing to extract into.
			continue
		}
		if reduce := getReduce(output); reduce != nil {
			reduces = append(reduces, reduce)
		}
	}

	fuseGroup := func(group []*tensorir.Instruction) error {
		if len(group) < 2 {
			return nil
		}
		inputs := make([]*tensorir.Instruction, len(group))
		for i, reduce := range group {
			inputs[i] = reduce.Inputs()[0]
		}
		op := group[0].Op()

		// Relocate each reduction's argument chain to just after the common
		// ancestor, producer-first: each link lands right after the previous
		// one, so it always follows its own input.
		for _, input := range inputs {
			prev := ins
			for _, link := range chainFrom(ins, input) {
				m.MoveInstruction(link, m.After(prev))
				prev = link
			}
		}

		// Anchor the fused instruction right after the last of its inputs.
		maxPos := m.Position(ins)
		for _, input := range inputs {
			maxPos = max(maxPos, m.Position(input))
		}
		var anchor *tensorir.Instruction
		if order := m.Instructions(); maxPos+1 < len(order) {
			anchor = order[maxPos+1]
		}
		fused, err := m.InsertInstruction(anchor, tensorir.FusedReduce{Op: op}, inputs...)
		if err != nil {
			return err
		}
		for i, reduce := range group {
			if _, err := m.ReplaceInstruction(reduce, tensorir.GetTupleElement{Index: i}, fused); err != nil {
				return err
			}
		}
		return nil
	}

	// Group the reductions by (operator name, output shape): only same-kind,
	// same-shape reductions fuse. The partitioning is stable, so the fused
	// tuple slots follow the original instruction order.
	var err error
	utils.GroupBy(reduces,
		func(a, b *tensorir.Instruction) bool {
			return a.Name() == b.Name() && a.Shape().Equal(b.Shape())
		},
		func(group []*tensorir.Instruction) {
			if err == nil {
				err = fuseGroup(group)
			}
		})
	return err
}
