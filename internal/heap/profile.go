package heap

import (
	"fmt"
	"io"

	"github.com/google/pprof/profile"

	"codeswitch/internal/block"
)

// WriteHeapProfile writes a pprof heap profile of the live set as of
// the most recent collection: one sample per class (BlockType) of
// surviving object, carrying that class's object count and byte total,
// covering the same "inuse_space" view a Go heap profile gives you, so
// the arena can be inspected with the standard pprof toolchain.
//
// The live set is recorded only by Collect: objects allocated since the
// last collection are not counted, and before any collection has run
// the profile has no samples.
func (h *Heap) WriteHeapProfile(w io.Writer) error {
	p := &profile.Profile{
		SampleType: []*profile.ValueType{
			{Type: "objects", Unit: "count"},
			{Type: "space", Unit: "bytes"},
		},
		PeriodType: &profile.ValueType{Type: "space", Unit: "bytes"},
		Period:     1,
	}

	funcsByClass := map[block.BlockType]*profile.Function{}
	locsByClass := map[block.BlockType]*profile.Location{}
	var nextID uint64 = 1

	classLabel := func(bt block.BlockType) *profile.Function {
		if fn, ok := funcsByClass[bt]; ok {
			return fn
		}
		fn := &profile.Function{
			ID:   nextID,
			Name: fmt.Sprintf("class#%d", bt),
		}
		nextID++
		funcsByClass[bt] = fn
		p.Function = append(p.Function, fn)
		return fn
	}

	locationFor := func(bt block.BlockType) *profile.Location {
		if loc, ok := locsByClass[bt]; ok {
			return loc
		}
		fn := classLabel(bt)
		loc := &profile.Location{
			ID:   nextID,
			Line: []profile.Line{{Function: fn}},
		}
		nextID++
		locsByClass[bt] = loc
		p.Location = append(p.Location, loc)
		return loc
	}

	counts := map[block.BlockType]int64{}
	bytes := map[block.BlockType]int64{}
	order := []block.BlockType{}
	for _, rec := range h.live {
		if rec.meta == nil {
			continue
		}
		bt := rec.meta.BlockType
		if _, seen := counts[bt]; !seen {
			order = append(order, bt)
		}
		counts[bt]++
		bytes[bt] += int64(block.SizeOf(rec.meta, rec.length) * wordSize)
	}

	for _, bt := range order {
		loc := locationFor(bt)
		p.Sample = append(p.Sample, &profile.Sample{
			Location: []*profile.Location{loc},
			Value:    []int64{counts[bt], bytes[bt]},
		})
	}

	return p.Write(w)
}
