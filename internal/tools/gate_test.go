package tools

import (
	"context"
	"errors"
	"testing"
)

func TestPermit(t *testing.T) {
	if err := Permit(context.Background(), "process.exec"); err != nil {
		t.Errorf("Permit without gate = %v, want nil", err)
	}

	ctx := WithGate(context.Background(), func(name string) error {
		if name == "process.exec" {
			return &RefusedError{Tool: name, Message: "restricted"}
		}
		return nil
	})
	if err := Permit(ctx, "context.fts_search"); err != nil {
		t.Errorf("Permit(context.fts_search) = %v, want nil", err)
	}
	err := Permit(ctx, "process.exec")
	if !errors.Is(err, ErrToolRefused) {
		t.Fatalf("Permit(process.exec) = %v, want ErrToolRefused", err)
	}
	if err.Error() != "restricted" {
		t.Errorf("message = %q, want %q", err.Error(), "restricted")
	}
}
