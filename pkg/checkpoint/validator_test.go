package checkpoint

import (
	"testing"
)

func TestValidator_AcceptsCompleteState(t *testing.T) {
	st := trainingState(12, map[string]any{"loss": 0.1})
	st["best_model_state"] = nil
	st["early_stopping_state"] = map[string]any{"patience": int64(2)}
	st["checkpoint_version"] = "2"
	st["extra"] = struct{}{}
	ok, v := DefaultValidator().Validate(st)
	if !ok || len(v) != 0 {
		t.Fatalf("ok=%v violations=%v", ok, v)
	}
}

func TestValidator_CollectsEveryViolation(t *testing.T) {
	st := map[string]any{
		"boundary":         "twelve",
		"model_state":      "not bytes",
		"config":           nil,
		"history":          []byte("nope"),
		"runtime_version":  3,
		"best_model_state": []byte{1},
	}
	ok, v := DefaultValidator().Validate(st)
	if ok {
		t.Fatal("expected invalid")
	}
	got := map[string]string{}
	for _, x := range v {
		got[x.Field] = x.Problem
	}
	want := map[string]string{
		"boundary":        "expected integer, got string",
		"model_state":     "expected bytes, got string",
		"optimizer_state": "missing required field",
		"config":          "expected map, got null",
		"history":         "expected list, got bytes",
		"runtime_version": "expected string, got integer",
	}
	if len(got) != len(want) {
		t.Fatalf("violations=%v", v)
	}
	for field, problem := range want {
		if got[field] != problem {
			t.Errorf("%s: got %q want %q", field, got[field], problem)
		}
	}
	if v[0].Field != "boundary" {
		t.Fatalf("violations should be sorted by field: %v", v)
	}
}

func TestValidator_NilStateNeverPanics(t *testing.T) {
	ok, v := DefaultValidator().Validate(nil)
	if ok || len(v) != 4 {
		t.Fatalf("ok=%v violations=%v", ok, v)
	}
}

func TestBoundary(t *testing.T) {
	if b, ok := Boundary(map[string]any{"boundary": int64(9)}); !ok || b != 9 {
		t.Fatalf("b=%d ok=%v", b, ok)
	}
	if b, ok := Boundary(map[string]any{"boundary": 3}); !ok || b != 3 {
		t.Fatalf("b=%d ok=%v", b, ok)
	}
	if _, ok := Boundary(map[string]any{"boundary": 1.5}); ok {
		t.Fatal("float boundary accepted")
	}
	if _, ok := Boundary(nil); ok {
		t.Fatal("nil state accepted")
	}
}
