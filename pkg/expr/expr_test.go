package expr

import "testing"

var ctx = []byte(`{
	"status": "active",
	"count": 5,
	"score": 2.5,
	"enabled": true,
	"user": {"role": "admin", "age": 41},
	"tags": ["a", "b"]
}`)

func evalOK(t *testing.T, expression string) bool {
	t.Helper()
	v, err := Eval(expression, ctx)
	if err != nil {
		t.Fatalf("Eval(%q): %v", expression, err)
	}
	return v
}

func TestEval_Equality(t *testing.T) {
	cases := map[string]bool{
		`status == 'active'`:    true,
		`status == "inactive"`:  false,
		`status != 'inactive'`:  true,
		`count == 5`:            true,
		`count != 5`:            false,
		`user.role == 'admin'`:  true,
		`user.role == 'viewer'`: false,
		`enabled == true`:       true,
		`missing == null`:       true,
		`tags[0] == 'a'`:        true,
	}
	for in, want := range cases {
		if got := evalOK(t, in); got != want {
			t.Fatalf("Eval(%q): want %v, got %v", in, want, got)
		}
	}
}

func TestEval_Comparison(t *testing.T) {
	cases := map[string]bool{
		`count > 3`:       true,
		`count >= 5`:      true,
		`count < 5`:       false,
		`count <= 4`:      false,
		`score > 2`:       true,
		`user.age >= 41`:  true,
		`'abc' < 'abd'`:   true,
		`count > -1`:      true,
		`score <= 2.5`:    true,
	}
	for in, want := range cases {
		if got := evalOK(t, in); got != want {
			t.Fatalf("Eval(%q): want %v, got %v", in, want, got)
		}
	}
}

func TestEval_Logical(t *testing.T) {
	cases := map[string]bool{
		`count > 3 and status == 'active'`:                 true,
		`count > 9 or status == 'active'`:                  true,
		`count > 9 and status == 'active'`:                 false,
		`not (count > 9)`:                                  true,
		`not enabled`:                                      false,
		`(count > 9 or enabled) and user.role == 'admin'`:  true,
		`(count > 9 or enabled) and user.role == 'viewer'`: false,
	}
	for in, want := range cases {
		if got := evalOK(t, in); got != want {
			t.Fatalf("Eval(%q): want %v, got %v", in, want, got)
		}
	}
}

func TestEval_Truthiness(t *testing.T) {
	if !evalOK(t, `enabled`) {
		t.Fatalf("bare true field should be truthy")
	}
	if evalOK(t, `missing`) {
		t.Fatalf("missing field should be falsy")
	}
	if !evalOK(t, `status`) {
		t.Fatalf("non-empty string should be truthy")
	}
}

func TestEval_Errors(t *testing.T) {
	bad := []string{
		``,
		`(count > 1`,
		`'unterminated`,
		`count > 1 garbage garbage`,
		`count > true`,
	}
	for _, in := range bad {
		if _, err := Eval(in, ctx); err == nil {
			t.Fatalf("Eval(%q): expected error", in)
		}
	}
}
