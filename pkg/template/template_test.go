package template

import "testing"

var ctx = []byte(`{
	"name": "Alice",
	"user": {"name": "Riley", "age": 30, "admin": true},
	"items": [{"x": "first"}, {"x": "second"}],
	"pi": 3.5,
	"count": 2,
	"nothing": null
}`)

func TestRender_Simple(t *testing.T) {
	got := Render("Hi {{ name }}", ctx)
	if got != "Hi Alice" {
		t.Fatalf("want %q, got %q", "Hi Alice", got)
	}
}

func TestRender_NestedAndWhitespace(t *testing.T) {
	cases := map[string]string{
		"{{ user.name }}":      "Riley",
		"{{user.name}}":        "Riley",
		"{{   user.name   }}":  "Riley",
		"{{ user.age }} years": "30 years",
		"{{ user.admin }}":     "true",
		"{{ items[0].x }}":     "first",
		"{{ items[1].x }}":     "second",
		"{{ pi }}":             "3.5",
		"{{ count }}":          "2",
	}
	for in, want := range cases {
		if got := Render(in, ctx); got != want {
			t.Fatalf("Render(%q): want %q, got %q", in, want, got)
		}
	}
}

func TestRender_MissingResolvesEmpty(t *testing.T) {
	if got := Render("[{{ no.such.key }}]", ctx); got != "[]" {
		t.Fatalf("missing key: want %q, got %q", "[]", got)
	}
	if got := Render("[{{ nothing }}]", ctx); got != "[]" {
		t.Fatalf("null: want %q, got %q", "[]", got)
	}
}

func TestRender_IdempotentWithoutBraces(t *testing.T) {
	s := "plain text, no substitution"
	if got := Render(s, ctx); got != s {
		t.Fatalf("plain string changed: %q", got)
	}
	// Rendering an already-rendered string is a no-op.
	once := Render("Hi {{ name }}", ctx)
	if got := Render(once, ctx); got != once {
		t.Fatalf("not idempotent: %q vs %q", once, got)
	}
}

func TestRender_CommutesWithConcat(t *testing.T) {
	a, b := "A={{ name }} ", "B={{ user.name }}"
	if Render(a+b, ctx) != Render(a, ctx)+Render(b, ctx) {
		t.Fatalf("concat law broken")
	}
}

func TestRender_UnterminatedLeftAlone(t *testing.T) {
	s := "broken {{ name"
	if got := Render(s, ctx); got != s {
		t.Fatalf("unterminated segment rewritten: %q", got)
	}
}

func TestRender_ObjectValueCompactJSON(t *testing.T) {
	got := Render("{{ user }}", []byte(`{"user":{"a":1}}`))
	if got != `{"a":1}` {
		t.Fatalf("object value: want %q, got %q", `{"a":1}`, got)
	}
}

func TestRender_MultipleSegments(t *testing.T) {
	got := Render("{{ name }} and {{ user.name }}", ctx)
	if got != "Alice and Riley" {
		t.Fatalf("got %q", got)
	}
}
