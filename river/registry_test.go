package river

import (
	"errors"
	"reflect"
	"testing"

	"github.com/aksrustagi/talos-sub002/workflow"
)

func testWorkflowDef(name string) *workflow.WorkflowDef {
	validate := workflow.NewStep("validate", func(ctx workflow.Context) (string, error) {
		return "validated", nil
	})
	return workflow.Define(name, validate.After())
}

func TestRegistry_RegisterAndGet(t *testing.T) {
	reg := NewRegistry()
	def := testWorkflowDef("requisition_processing")
	reg.Register(def)

	got, err := reg.Get("requisition_processing")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != def {
		t.Errorf("Get() returned a different definition")
	}
}

func TestRegistry_GetNotFound(t *testing.T) {
	reg := NewRegistry()

	_, err := reg.Get("contract_renewal")
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("Get() error = %v, want ErrWorkflowNotFound", err)
	}
}

func TestRegistry_Versions(t *testing.T) {
	reg := NewRegistry()
	v1 := testWorkflowDef("invoice_validation")
	v2 := v1.WithVersion("2")
	reg.Register(v1)
	reg.Register(v2)

	t.Run("first registered version stays latest", func(t *testing.T) {
		got, err := reg.Get("invoice_validation")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Version() != "1" {
			t.Errorf("Get() version = %q, want %q", got.Version(), "1")
		}
	})

	t.Run("GetVersion returns the pinned version", func(t *testing.T) {
		got, err := reg.GetVersion("invoice_validation", "2")
		if err != nil {
			t.Fatalf("GetVersion() error = %v", err)
		}
		if got != v2 {
			t.Errorf("GetVersion() returned the wrong definition")
		}
	})

	t.Run("GetVersion unknown version", func(t *testing.T) {
		_, err := reg.GetVersion("invoice_validation", "99")
		if !errors.Is(err, ErrVersionNotFound) {
			t.Errorf("GetVersion() error = %v, want ErrVersionNotFound", err)
		}
	})

	t.Run("Versions sorted", func(t *testing.T) {
		versions, err := reg.Versions("invoice_validation")
		if err != nil {
			t.Fatalf("Versions() error = %v", err)
		}
		if want := []string{"1", "2"}; !reflect.DeepEqual(versions, want) {
			t.Errorf("Versions() = %v, want %v", versions, want)
		}
	})
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry()
	v1 := testWorkflowDef("price_watch_scan")
	v2 := v1.WithVersion("2")
	reg.Register(v1)
	reg.Register(v2)

	tests := []struct {
		name    string
		version string
		want    *workflow.WorkflowDef
	}{
		{"empty version resolves latest", "", v1},
		{"pinned version resolves exactly", "2", v2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := reg.Resolve("price_watch_scan", tt.version)
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Resolve() version = %q, want %q", got.Version(), tt.want.Version())
			}
		})
	}

	t.Run("unknown pinned version", func(t *testing.T) {
		_, err := reg.Resolve("price_watch_scan", "7")
		if !errors.Is(err, ErrVersionNotFound) {
			t.Errorf("Resolve() error = %v, want ErrVersionNotFound", err)
		}
	})
}

func TestRegistry_SetLatest(t *testing.T) {
	reg := NewRegistry()
	v1 := testWorkflowDef("anomaly_investigation")
	v2 := v1.WithVersion("2")
	reg.Register(v1)
	reg.Register(v2)

	if err := reg.SetLatest("anomaly_investigation", "2"); err != nil {
		t.Fatalf("SetLatest() error = %v", err)
	}

	got, err := reg.Get("anomaly_investigation")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Version() != "2" {
		t.Errorf("Get() version = %q, want %q after promotion", got.Version(), "2")
	}

	latest, err := reg.LatestVersion("anomaly_investigation")
	if err != nil {
		t.Fatalf("LatestVersion() error = %v", err)
	}
	if latest != "2" {
		t.Errorf("LatestVersion() = %q, want %q", latest, "2")
	}

	t.Run("unknown name", func(t *testing.T) {
		if err := reg.SetLatest("missing", "1"); !errors.Is(err, ErrWorkflowNotFound) {
			t.Errorf("SetLatest() error = %v, want ErrWorkflowNotFound", err)
		}
	})

	t.Run("unknown version", func(t *testing.T) {
		if err := reg.SetLatest("anomaly_investigation", "9"); !errors.Is(err, ErrVersionNotFound) {
			t.Errorf("SetLatest() error = %v, want ErrVersionNotFound", err)
		}
	})
}

func TestRegistry_NamesHasCount(t *testing.T) {
	reg := NewRegistry()
	reg.Register(testWorkflowDef("requisition_processing"))
	reg.Register(testWorkflowDef("catalog_sync"))
	reg.Register(testWorkflowDef("invoice_validation"))

	want := []string{"catalog_sync", "invoice_validation", "requisition_processing"}
	if got := reg.Names(); !reflect.DeepEqual(got, want) {
		t.Errorf("Names() = %v, want %v", got, want)
	}

	if !reg.Has("catalog_sync") {
		t.Errorf("Has(catalog_sync) = false, want true")
	}
	if reg.Has("contract_renewal") {
		t.Errorf("Has(contract_renewal) = true, want false")
	}

	if got := reg.Count(); got != 3 {
		t.Errorf("Count() = %d, want 3", got)
	}
}
