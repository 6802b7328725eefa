package elicitation

import (
	"testing"
)

func TestBuilderSchema(t *testing.T) {
	b := NewBuilder().
		String("name", Required(), Description("your name")).
		Number("age", Minimum(0), Maximum(150)).
		Boolean("subscribe").
		Enum("tier", []string{"free", "pro"}, Required())

	schema := b.Schema()
	if schema.Type != "object" {
		t.Fatalf("expected an object schema, got %q", schema.Type)
	}
	if len(schema.Properties) != 4 {
		t.Fatalf("expected four properties, got %d", len(schema.Properties))
	}
	if got := schema.Properties["name"]; got.Type != "string" || got.Description != "your name" {
		t.Fatalf("unexpected name property %+v", got)
	}
	if got := schema.Properties["age"]; got.Minimum != 0 || got.Maximum != 150 {
		t.Fatalf("unexpected age property %+v", got)
	}
	if got := schema.Properties["tier"]; len(got.Enum) != 2 || got.Enum[0] != "free" {
		t.Fatalf("unexpected tier property %+v", got)
	}
	if len(schema.Required) != 2 || schema.Required[0] != "name" || schema.Required[1] != "tier" {
		t.Fatalf("unexpected required list %v", schema.Required)
	}
}

func TestDecode(t *testing.T) {
	b := NewBuilder().
		String("name", Required()).
		Number("age").
		Boolean("subscribe")

	var (
		name      string
		age       float64
		subscribe bool
	)
	err := b.Decode(map[string]any{
		"name":      "ada",
		"age":       float64(36),
		"subscribe": true,
	}, map[string]any{
		"name":      &name,
		"age":       &age,
		"subscribe": &subscribe,
	})
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if name != "ada" || age != 36 || !subscribe {
		t.Fatalf("unexpected values %q %v %v", name, age, subscribe)
	}
}

func TestDecodeErrors(t *testing.T) {
	b := NewBuilder().
		String("name", Required()).
		Enum("tier", []string{"free", "pro"})

	var name string
	dst := map[string]any{"name": &name}

	if err := b.Decode(map[string]any{}, dst); err == nil {
		t.Fatal("expected a missing-required error")
	}
	if err := b.Decode(map[string]any{"name": 42}, dst); err == nil {
		t.Fatal("expected a type error")
	}
	if err := b.Decode(map[string]any{"name": "x", "bogus": "y"}, dst); err == nil {
		t.Fatal("expected an unexpected-property error")
	}
	var tier string
	if err := b.Decode(map[string]any{"name": "x", "tier": "enterprise"}, map[string]any{"name": &name, "tier": &tier}); err == nil {
		t.Fatal("expected an enum violation error")
	}
}
