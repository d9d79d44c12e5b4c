package database

import (
	"path/filepath"
	"testing"
	"time"
)

func TestInitAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "smssh.db")
	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() { Close() })

	entry := AuditLog{EventType: "resolution", InstanceID: "mi-0123", ResourceName: "ssh-job"}
	if err := DB.Create(&entry).Error; err != nil {
		t.Fatalf("create audit log: %v", err)
	}

	var loaded AuditLog
	if err := DB.First(&loaded, entry.ID).Error; err != nil {
		t.Fatalf("load audit log: %v", err)
	}
	if loaded.InstanceID != "mi-0123" || loaded.EventType != "resolution" {
		t.Errorf("loaded = %+v", loaded)
	}
	if time.Since(loaded.CreatedAt) > time.Minute {
		t.Errorf("CreatedAt not set: %v", loaded.CreatedAt)
	}

	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if DB != nil {
		t.Error("DB still set after Close")
	}
	if err := Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
