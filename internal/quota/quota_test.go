package quota

import "testing"

func TestAdmitFreshApplication(t *testing.T) {
	res := Default().Admit(0, 12)
	if res.Admitted != 10 || res.Rejected != 2 {
		t.Fatalf("unexpected split: %+v", res)
	}
	if !res.LimitReached {
		t.Fatalf("expected limit reached when files were rejected")
	}
}

func TestAdmitWithinLimit(t *testing.T) {
	res := Default().Admit(3, 4)
	if res.Admitted != 4 || res.Rejected != 0 || res.LimitReached {
		t.Fatalf("unexpected split: %+v", res)
	}
}

func TestAdmitExactlyToLimit(t *testing.T) {
	res := Default().Admit(6, 4)
	if res.Admitted != 4 || res.Rejected != 0 {
		t.Fatalf("unexpected split: %+v", res)
	}
	if res.LimitReached {
		t.Fatalf("nothing was rejected, limit should not be signalled")
	}
}

func TestAdmitRejectsWholeBatchAtLimit(t *testing.T) {
	for _, current := range []int{10, 11} {
		res := Default().Admit(current, 3)
		if res.Admitted != 0 || res.Rejected != 3 || !res.LimitReached {
			t.Fatalf("current=%d: unexpected split: %+v", current, res)
		}
	}
}

func TestAdmitEmptyBatch(t *testing.T) {
	res := Guard{Limit: 2}.Admit(1, 0)
	if res.Admitted != 0 || res.Rejected != 0 || res.LimitReached {
		t.Fatalf("unexpected split: %+v", res)
	}
}
