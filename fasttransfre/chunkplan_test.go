package fasttransfre

import (
	"testing"

	transfererrors "github.com/AkaakuHub/fast-transfre/fasttransfre/errors"
)

func TestBuildChunkPlan(t *testing.T) {
	tests := []struct {
		name          string
		size          int64
		wantMainCount int
		wantSubCount  int
		wantSubSizes  []int64 // checked only when set
	}{
		{
			name:          "empty file",
			size:          0,
			wantMainCount: 0,
			wantSubCount:  0,
		},
		{
			name:          "exactly one sub-chunk",
			size:          DefaultSubSize,
			wantMainCount: 1,
			wantSubCount:  1,
			wantSubSizes:  []int64{DefaultSubSize},
		},
		{
			name:          "short tail",
			size:          2*DefaultSubSize + 37,
			wantMainCount: 1,
			wantSubCount:  3,
			wantSubSizes:  []int64{DefaultSubSize, DefaultSubSize, 37},
		},
		{
			name:          "main boundary",
			size:          DefaultMainSize + 1,
			wantMainCount: 2,
			wantSubCount:  DefaultMainSize/DefaultSubSize + 1,
		},
		{
			name:          "exact main size",
			size:          DefaultMainSize,
			wantMainCount: 1,
			wantSubCount:  DefaultMainSize / DefaultSubSize,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan, err := BuildChunkPlan(tt.size, DefaultMainSize, DefaultSubSize)
			if err != nil {
				t.Fatalf("BuildChunkPlan() error = %v", err)
			}
			if plan.MainCount() != tt.wantMainCount {
				t.Errorf("main count = %d, want %d", plan.MainCount(), tt.wantMainCount)
			}
			if plan.SubCount() != tt.wantSubCount {
				t.Errorf("sub count = %d, want %d", plan.SubCount(), tt.wantSubCount)
			}
			if tt.wantSubSizes != nil {
				for i, want := range tt.wantSubSizes {
					sub, ok := plan.SubChunkAt(uint32(i))
					if !ok {
						t.Fatalf("missing sub-chunk %d", i)
					}
					if sub.Size() != want {
						t.Errorf("sub-chunk %d size = %d, want %d", i, sub.Size(), want)
					}
				}
			}
			checkPlanInvariants(t, plan)
		})
	}
}

// checkPlanInvariants verifies contiguous coverage, strictly increasing
// ranges, stable flat indices, and main chunk boundary attribution.
func checkPlanInvariants(t *testing.T, plan *ChunkPlan) {
	t.Helper()

	var total int64
	var offset int64
	for i, sub := range plan.SubChunks() {
		if sub.FlatIndex != uint32(i) {
			t.Errorf("flat index %d out of order (position %d)", sub.FlatIndex, i)
		}
		if sub.Start != offset {
			t.Errorf("sub-chunk %d starts at %d, want %d (gap or overlap)", i, sub.Start, offset)
		}
		if sub.Start >= sub.End {
			t.Errorf("sub-chunk %d has empty range [%d, %d)", i, sub.Start, sub.End)
		}
		if sub.Size() > plan.SubSize {
			t.Errorf("sub-chunk %d size %d exceeds sub size %d", i, sub.Size(), plan.SubSize)
		}
		offset = sub.End
		total += sub.Size()
	}
	if total != plan.FileSize {
		t.Errorf("sum of sub-chunk sizes = %d, want %d", total, plan.FileSize)
	}

	for _, main := range plan.MainChunks {
		if len(main.SubChunks) == 0 {
			t.Errorf("main chunk %d has no sub-chunks", main.Index)
			continue
		}
		if main.Start != main.SubChunks[0].Start {
			t.Errorf("main chunk %d start %d != first sub start %d", main.Index, main.Start, main.SubChunks[0].Start)
		}
		if main.End != main.SubChunks[len(main.SubChunks)-1].End {
			t.Errorf("main chunk %d end %d != last sub end %d", main.Index, main.End, main.SubChunks[len(main.SubChunks)-1].End)
		}
		for _, sub := range main.SubChunks {
			if sub.MainIndex != main.Index {
				t.Errorf("sub-chunk %d attributed to main %d, owned by %d", sub.FlatIndex, sub.MainIndex, main.Index)
			}
		}
	}
}

func TestBuildChunkPlanRejectsBadGeometry(t *testing.T) {
	tests := []struct {
		name     string
		size     int64
		mainSize int64
		subSize  int64
	}{
		{"negative size", -1, DefaultMainSize, DefaultSubSize},
		{"zero sub size", 100, DefaultMainSize, 0},
		{"zero main size", 100, 0, DefaultSubSize},
		{"main not multiple of sub", 100, 10, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := BuildChunkPlan(tt.size, tt.mainSize, tt.subSize); err == nil {
				t.Errorf("BuildChunkPlan(%d, %d, %d) expected error", tt.size, tt.mainSize, tt.subSize)
			}
		})
	}
}

func TestDerivePlan(t *testing.T) {
	size := int64(2*DefaultSubSize + 37)

	plan, err := DerivePlan(size, 1, 3, DefaultMainSize, DefaultSubSize)
	if err != nil {
		t.Fatalf("DerivePlan() error = %v", err)
	}
	if plan.SubCount() != 3 {
		t.Errorf("sub count = %d, want 3", plan.SubCount())
	}

	// Announced totals that disagree with the derived geometry are rejected.
	if _, err := DerivePlan(size, 1, 4, DefaultMainSize, DefaultSubSize); err == nil {
		t.Fatal("DerivePlan() accepted wrong sub count")
	} else if transfererrors.GetErrorCode(err) != "PLAN_MISMATCH" {
		t.Errorf("error code = %q, want PLAN_MISMATCH", transfererrors.GetErrorCode(err))
	}
	if _, err := DerivePlan(size, 2, 3, DefaultMainSize, DefaultSubSize); err == nil {
		t.Fatal("DerivePlan() accepted wrong main count")
	}
}

func TestSubChunkDigest(t *testing.T) {
	payload := []byte("the quick brown fox")
	d := SubChunkDigest(payload)
	if len(d) != 64 {
		t.Fatalf("digest length = %d, want 64 hex chars", len(d))
	}
	if !VerifySubChunk(payload, d) {
		t.Error("VerifySubChunk() rejected matching payload")
	}
	if VerifySubChunk([]byte("the quick brown fax"), d) {
		t.Error("VerifySubChunk() accepted corrupted payload")
	}
}
