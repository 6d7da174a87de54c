package event

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	return path
}

func TestNewRegistryDefaults(t *testing.T) {
	r := NewRegistry()
	all := r.All()
	want := []string{"profile_update", "publish_post", "user_register", "wp_insert_comment", "wp_login", "wp_logout"}
	if len(all) != len(want) {
		t.Fatalf("All() returned %d events, want %d", len(all), len(want))
	}
	for i, d := range all {
		if d.Name != want[i] {
			t.Errorf("All()[%d].Name = %q, want %q", i, d.Name, want[i])
		}
	}

	d, ok := r.Lookup("wp_login")
	if !ok {
		t.Fatal("Lookup(wp_login) not found")
	}
	if d.Label != "User Login" || len(d.Fields) != 4 {
		t.Errorf("Lookup(wp_login) = %+v", d)
	}
}

func TestRegister(t *testing.T) {
	tests := []struct {
		name      string
		event     string
		desc      Descriptor
		wantLabel string
		wantErr   bool
	}{
		{"derived label", "order_paid", Descriptor{Fields: []string{"order_id"}}, "Order Paid", false},
		{"explicit label", "order.shipped", Descriptor{Label: "Shipped"}, "Shipped", false},
		{"dashes", "cart-abandoned", Descriptor{}, "Cart Abandoned", false},
		{"replace default", "wp_login", Descriptor{Description: "custom"}, "Wp Login", false},
		{"empty", "", Descriptor{}, "", true},
		{"upper case", "OrderPaid", Descriptor{}, "", true},
		{"spaces", "order paid", Descriptor{}, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry()
			err := r.Register(tt.event, tt.desc)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidName) {
					t.Errorf("Register() error = %v, want ErrInvalidName", err)
				}
				return
			}
			d, ok := r.Lookup(tt.event)
			if !ok {
				t.Fatalf("Lookup(%q) not found", tt.event)
			}
			if d.Label != tt.wantLabel {
				t.Errorf("Label = %q, want %q", d.Label, tt.wantLabel)
			}
		})
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	r := NewRegistry()
	d, _ := r.Lookup("publish_post")
	d.Fields[0] = "changed"
	again, _ := r.Lookup("publish_post")
	if again.Fields[0] != "post_id" {
		t.Errorf("registry fields mutated through Lookup: %v", again.Fields)
	}
}

func TestLoadFile(t *testing.T) {
	t.Run("valid catalog", func(t *testing.T) {
		path := writeFile(t, "events.yaml", `
events:
  - name: order_paid
    description: Triggered when an order is paid
    fields: [order_id, total]
  - name: invoice_sent
    label: Invoice Sent
`)
		r := NewRegistry()
		n, err := r.LoadFile(path)
		if err != nil {
			t.Fatalf("LoadFile() error = %v", err)
		}
		if n != 2 {
			t.Errorf("LoadFile() = %d, want 2", n)
		}
		d, ok := r.Lookup("order_paid")
		if !ok || d.Label != "Order Paid" || len(d.Fields) != 2 {
			t.Errorf("Lookup(order_paid) = %+v, %v", d, ok)
		}
		if len(r.All()) != 8 {
			t.Errorf("All() = %d events, want 8", len(r.All()))
		}
	})

	t.Run("invalid entry registers nothing", func(t *testing.T) {
		path := writeFile(t, "events.yaml", `
events:
  - name: order_paid
  - name: "Bad Name"
`)
		r := NewRegistry()
		if _, err := r.LoadFile(path); !errors.Is(err, ErrInvalidName) {
			t.Fatalf("LoadFile() error = %v, want ErrInvalidName", err)
		}
		if _, ok := r.Lookup("order_paid"); ok {
			t.Error("order_paid registered despite an invalid catalog")
		}
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeFile(t, "events.yaml", "events: [")
		if _, err := NewRegistry().LoadFile(path); err == nil {
			t.Error("LoadFile() error = nil, want parse error")
		}
	})

	t.Run("missing file", func(t *testing.T) {
		if _, err := NewRegistry().LoadFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("LoadFile() error = nil, want read error")
		}
	})
}
