package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type stubProvider struct{ name string }

func (s *stubProvider) Generate(ctx context.Context, req Request) (*Result, error) {
	return &Result{Text: s.name}, nil
}

func TestRegistry_ProviderFamilyWinsOverModel(t *testing.T) {
	reg := NewRegistry()
	family := &stubProvider{name: "family"}
	exact := &stubProvider{name: "exact"}
	reg.RegisterProvider("Mistral", family)
	reg.RegisterModel("mistral-small-latest", exact)

	// A request tagged with a provider family bypasses the model switch,
	// and the family name is case-insensitive.
	p, err := reg.Resolve("mistral", "mistral-small-latest")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p != Provider(family) {
		t.Fatalf("expected family dispatch")
	}

	// Without a family tag the exact model mapping applies.
	p, err = reg.Resolve("", "mistral-small-latest")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if p != Provider(exact) {
		t.Fatalf("expected model dispatch")
	}
}

func TestRegistry_UnknownCombination(t *testing.T) {
	reg := NewRegistry()
	reg.RegisterModel("gpt-4o", &stubProvider{name: "openai"})

	_, err := reg.Resolve("", "gpt-5000")
	if !errors.Is(err, ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}

	// An unregistered family does not fall through to a wrong adapter.
	_, err = reg.Resolve("anthropic", "claude")
	if !errors.Is(err, ErrUnsupportedModel) {
		t.Fatalf("expected ErrUnsupportedModel, got %v", err)
	}
}

func TestToolSet_ExecuteKnownAndUnknown(t *testing.T) {
	ts := NewToolSet()

	out, ok := ts.Execute(context.Background(), "get_weather", `{"location":"Berlin"}`)
	if !ok || !strings.Contains(out, "Berlin") {
		t.Fatalf("get_weather failed: ok=%v out=%q", ok, out)
	}

	if _, ok := ts.Execute(context.Background(), "get_stock_price", `{}`); ok {
		t.Fatalf("unknown tool must not execute")
	}
	if _, ok := ts.Execute(context.Background(), "get_weather", `not json`); ok {
		t.Fatalf("unparseable arguments must not execute")
	}
}
