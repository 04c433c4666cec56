package archive

import (
	"context"
	"testing"

	"github.com/plcnet/plcnode/internal/engineconfig"
)

func TestNewDisabledReturnsNoop(t *testing.T) {
	a, err := New(engineconfig.ArchiveConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.ArchiveFile(context.Background(), "/does/not/exist"); err != nil {
		t.Fatalf("noop archiver must never fail: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("noop Close must never fail: %v", err)
	}
}

func TestNewRejectsUnknownBackend(t *testing.T) {
	_, err := New(engineconfig.ArchiveConfig{Enabled: true, Backend: "dropbox"})
	if err == nil {
		t.Fatal("expected an error for an unknown backend")
	}
}
