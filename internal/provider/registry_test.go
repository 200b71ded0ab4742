package provider

import (
	"errors"
	"testing"
)

func TestRegistryLookup(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&MockSource{SourceName: "alpha", ModelID: "a-1"})
	reg.Register(&MockSource{SourceName: "beta", ModelID: "b-1"})

	src, err := reg.Lookup("beta")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if src.Name() != "beta" {
		t.Errorf("Name = %q, want beta", src.Name())
	}

	// Empty name resolves the default (first registered).
	src, err = reg.Lookup("")
	if err != nil {
		t.Fatalf("Lookup default: %v", err)
	}
	if src.Name() != "alpha" {
		t.Errorf("default = %q, want alpha", src.Name())
	}

	if err := reg.SetDefault("beta"); err != nil {
		t.Fatalf("SetDefault: %v", err)
	}
	src, _ = reg.Lookup("")
	if src.Name() != "beta" {
		t.Errorf("default after SetDefault = %q, want beta", src.Name())
	}

	if _, err := reg.Lookup("gamma"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("Lookup gamma error = %v, want ErrUnknownProvider", err)
	}
	if err := reg.SetDefault("gamma"); !errors.Is(err, ErrUnknownProvider) {
		t.Errorf("SetDefault gamma error = %v, want ErrUnknownProvider", err)
	}
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry()
	reg.Register(&MockSource{SourceName: "alpha", ModelID: "a-1"})
	reg.Register(&MockSource{SourceName: "beta", ModelID: "b-1"})

	infos := reg.List()
	if len(infos) != 2 {
		t.Fatalf("List len = %d, want 2", len(infos))
	}
	if infos[0].Name != "alpha" || infos[1].Name != "beta" {
		t.Errorf("order = %q, %q; want alpha, beta", infos[0].Name, infos[1].Name)
	}
	if !infos[0].Default || infos[1].Default {
		t.Errorf("default flags = %v, %v; want true, false", infos[0].Default, infos[1].Default)
	}
	if infos[1].Model != "b-1" {
		t.Errorf("beta model = %q, want b-1", infos[1].Model)
	}
}
