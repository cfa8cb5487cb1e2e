package embedding

import "testing"

func TestBuildInputs(t *testing.T) {
	in := buildInputs("자동차보험 자차 손해", 8)
	if len(in.inputIDs) != 8 || len(in.attentionMask) != 8 || len(in.tokenTypeIDs) != 8 {
		t.Fatalf("tensor lengths: %d %d %d", len(in.inputIDs), len(in.attentionMask), len(in.tokenTypeIDs))
	}
	if in.inputIDs[0] != clsTokenID || in.inputIDs[4] != sepTokenID {
		t.Errorf("frame tokens: %v", in.inputIDs)
	}
	for i := 0; i <= 4; i++ {
		if in.attentionMask[i] != 1 {
			t.Errorf("attention[%d] should be 1", i)
		}
	}
	if in.attentionMask[5] != 0 {
		t.Error("padding must not be attended")
	}
	if buildInputs("손해", 8).inputIDs[1] != in.inputIDs[3] {
		t.Error("word IDs must be deterministic")
	}
}

func TestBuildInputs_truncates(t *testing.T) {
	in := buildInputs("a b c d e f g h i j", 4)
	if in.inputIDs[3] != sepTokenID {
		t.Errorf("last slot should be [SEP], got %v", in.inputIDs)
	}
}
