package fasttransfre

import (
	"fmt"

	transfererrors "github.com/AkaakuHub/fast-transfre/fasttransfre/errors"
)

// Default chunk geometry. A main chunk is the coarse unit of progress
// reporting; a sub-chunk is the unit of integrity verification and
// acknowledgement, and the payload of one data frame.
const (
	DefaultMainSize = 50 * 1024 * 1024 // 50 MiB
	DefaultSubSize  = 1024 * 1024      // 1 MiB
)

// SubChunk is a contiguous byte range [Start, End) of the file. FlatIndex is
// its globally unique ordinal in (main index, sub index) concatenation order.
type SubChunk struct {
	FlatIndex uint32
	MainIndex int
	SubIndex  int
	Start     int64
	End       int64
}

// Size returns the sub-chunk length in bytes
func (s SubChunk) Size() int64 {
	return s.End - s.Start
}

// MainChunk owns an ordered run of sub-chunks
type MainChunk struct {
	Index     int
	Start     int64
	End       int64
	SubChunks []SubChunk
}

// ChunkPlan is the immutable two-level chunk index for one file. Both sides
// derive the identical plan from (size, mainSize, subSize).
type ChunkPlan struct {
	FileSize   int64
	MainSize   int64
	SubSize    int64
	MainChunks []MainChunk

	flat []SubChunk
}

// BuildChunkPlan computes the chunk plan for a file of the given size.
// mainSize must be a positive multiple of subSize so that flat indices line
// up with ceil(size/subSize).
func BuildChunkPlan(size, mainSize, subSize int64) (*ChunkPlan, error) {
	if size < 0 {
		return nil, fmt.Errorf("negative file size: %d", size)
	}
	if subSize <= 0 || mainSize <= 0 {
		return nil, fmt.Errorf("invalid chunk sizes: main=%d sub=%d", mainSize, subSize)
	}
	if mainSize%subSize != 0 {
		return nil, fmt.Errorf("main size %d is not a multiple of sub size %d", mainSize, subSize)
	}

	plan := &ChunkPlan{
		FileSize: size,
		MainSize: mainSize,
		SubSize:  subSize,
	}

	var flat uint32
	for mainStart := int64(0); mainStart < size; mainStart += mainSize {
		mainEnd := mainStart + mainSize
		if mainEnd > size {
			mainEnd = size
		}

		main := MainChunk{
			Index: len(plan.MainChunks),
			Start: mainStart,
			End:   mainEnd,
		}
		for subStart := mainStart; subStart < mainEnd; subStart += subSize {
			subEnd := subStart + subSize
			if subEnd > mainEnd {
				subEnd = mainEnd
			}
			sub := SubChunk{
				FlatIndex: flat,
				MainIndex: main.Index,
				SubIndex:  len(main.SubChunks),
				Start:     subStart,
				End:       subEnd,
			}
			main.SubChunks = append(main.SubChunks, sub)
			plan.flat = append(plan.flat, sub)
			flat++
		}
		plan.MainChunks = append(plan.MainChunks, main)
	}

	return plan, nil
}

// MainCount returns the number of main chunks
func (p *ChunkPlan) MainCount() int {
	return len(p.MainChunks)
}

// SubCount returns N, the total number of sub-chunks
func (p *ChunkPlan) SubCount() int {
	return len(p.flat)
}

// SubChunks returns all sub-chunks in flat-index order
func (p *ChunkPlan) SubChunks() []SubChunk {
	return p.flat
}

// SubChunkAt looks up a sub-chunk by flat index
func (p *ChunkPlan) SubChunkAt(flatIndex uint32) (SubChunk, bool) {
	if int(flatIndex) >= len(p.flat) {
		return SubChunk{}, false
	}
	return p.flat[flatIndex], true
}

// DerivePlan rebuilds the plan on the receiver side from the announced
// file-start totals and checks them against the derived geometry. A
// disagreement means the peers would disagree on flat indices, so the
// session must be rejected.
func DerivePlan(size int64, mainCount, subCount int, mainSize, subSize int64) (*ChunkPlan, error) {
	plan, err := BuildChunkPlan(size, mainSize, subSize)
	if err != nil {
		return nil, err
	}
	if plan.SubCount() != subCount {
		return nil, transfererrors.NewPlanMismatchError(plan.SubCount(), subCount)
	}
	if plan.MainCount() != mainCount {
		return nil, transfererrors.ErrPlanMismatch.
			WithDetail("announcedMainCount", mainCount).
			WithDetail("derivedMainCount", plan.MainCount())
	}
	return plan, nil
}
