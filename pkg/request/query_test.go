package request

import (
	"errors"
	"testing"

	"github.com/go-test/deep"
)

func TestQueryRoundTrip(t *testing.T) {
	expectations := []struct {
		name   string
		window *ViewWindow
	}{
		{
			name:   "target only",
			window: &ViewWindow{Target: "scan.jp2", ResolutionLevel: -1},
		},
		{
			name: "full request",
			window: &ViewWindow{
				Target:          "scan.jp2",
				ChannelID:       "cid-42",
				MaxLength:       4096,
				Layers:          6,
				FullSize:        &Size{Width: 4096, Height: 2048},
				Region:          &Region{Offset: Point{X: 128, Y: 256}, Size: Size{Width: 512, Height: 512}},
				Components:      []int{0, 1, 2},
				ResolutionLevel: 3,
				Preference:      "htj2k",
			},
		},
		{
			name:   "metadata only",
			window: &ViewWindow{Target: "scan.jp2", MetadataOnly: true, ResolutionLevel: -1},
		},
		{
			name:   "new channel",
			window: &ViewWindow{Target: "scan.jp2", NewChannel: true, ResolutionLevel: -1},
		},
		{
			name:   "resolution level zero survives",
			window: &ViewWindow{Target: "scan.jp2", ResolutionLevel: 0},
		},
	}

	for _, exp := range expectations {
		exp := exp
		t.Run(exp.name, func(t *testing.T) {
			decoded, err := DecodeQuery(EncodeQuery(exp.window))
			if err != nil {
				t.Fatalf("Unexpected error: %s", err)
			}
			if diff := deep.Equal(exp.window, decoded); diff != nil {
				t.Fatalf("Round trip mismatch: %v", diff)
			}
		})
	}
}

func TestDecodeQueryKeyOrderIrrelevant(t *testing.T) {
	a, err := DecodeQuery("target=x&layers=3&reslevels=2")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	b, err := DecodeQuery("reslevels=2&target=x&layers=3")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if diff := deep.Equal(a, b); diff != nil {
		t.Fatalf("Order-dependent decode: %v", diff)
	}
}

func TestDecodeQueryRejectsMalformedValues(t *testing.T) {
	expectations := []string{
		"target=x&layers=abc",
		"target=x&fsiz=100",
		"target=x&roff=1,-2",
		"target=x&comps=1,x",
		"malformed",
	}
	for _, query := range expectations {
		if _, err := DecodeQuery(query); !errors.Is(err, ErrInvalidParameter) {
			t.Fatalf("Unexpected error for %q: %v, Expected: %v", query, err, ErrInvalidParameter)
		}
	}
}

func TestValidate(t *testing.T) {
	expectations := []struct {
		name   string
		window *ViewWindow
		fails  bool
	}{
		{name: "valid", window: &ViewWindow{Target: "x", ResolutionLevel: -1}},
		{name: "missing target", window: &ViewWindow{ResolutionLevel: -1}, fails: true},
		{name: "cnew without target", window: &ViewWindow{NewChannel: true, ResolutionLevel: -1}},
		{
			name: "empty region",
			window: &ViewWindow{Target: "x", ResolutionLevel: -1,
				Region: &Region{Size: Size{Width: 0, Height: 10}}},
			fails: true,
		},
		{
			name:   "negative component",
			window: &ViewWindow{Target: "x", ResolutionLevel: -1, Components: []int{-1}},
			fails:  true,
		},
	}
	for _, exp := range expectations {
		exp := exp
		t.Run(exp.name, func(t *testing.T) {
			err := exp.window.Validate()
			if exp.fails && !errors.Is(err, ErrInvalidParameter) {
				t.Fatalf("Unexpected error: %v, Expected: %v", err, ErrInvalidParameter)
			}
			if !exp.fails && err != nil {
				t.Fatalf("Unexpected error: %s", err)
			}
		})
	}
}

func TestTemplates(t *testing.T) {
	templates := NewTemplates()
	err := templates.Register("thumbnail", &ViewWindow{
		ResolutionLevel: 0,
		Layers:          1,
	})
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}

	w, err := templates.Instantiate("thumbnail", "scan.jp2")
	if err != nil {
		t.Fatalf("Unexpected error: %s", err)
	}
	if w.Target != "scan.jp2" || w.ResolutionLevel != 0 || w.Layers != 1 {
		t.Fatalf("Unexpected instantiation: %+v", w)
	}

	if _, err := templates.Instantiate("missing", "scan.jp2"); !errors.Is(err, ErrInvalidParameter) {
		t.Fatalf("Unexpected error: %v, Expected: %v", err, ErrInvalidParameter)
	}
	if names := templates.Names(); len(names) != 1 || names[0] != "thumbnail" {
		t.Fatalf("Unexpected names: %v", names)
	}
}
