package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
)

func TestContext_IsEmpty(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want bool
	}{
		{
			name: "empty context",
			ctx:  Context{},
			want: true,
		},
		{
			name: "with device host only",
			ctx:  Context{DeviceHost: "lab@10.0.0.5"},
			want: false,
		},
		{
			name: "with devices only",
			ctx:  Context{Devices: []string{"DEV1"}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.IsEmpty(); got != tt.want {
				t.Errorf("Context.IsEmpty() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContext_String(t *testing.T) {
	tests := []struct {
		name string
		ctx  Context
		want string
	}{
		{
			name: "empty",
			ctx:  Context{},
			want: "(no context set)",
		},
		{
			name: "device host only",
			ctx:  Context{DeviceHost: "lab@10.0.0.5"},
			want: "device_host:lab@10.0.0.5",
		},
		{
			name: "both",
			ctx:  Context{DeviceHost: "lab@10.0.0.5", Devices: []string{"DEV1", "DEV2"}},
			want: "device_host:lab@10.0.0.5 devices:DEV1,DEV2",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.ctx.String(); got != tt.want {
				t.Errorf("Context.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestContext_SetDeviceHostClearsSelectionOnChange(t *testing.T) {
	ctx := &Context{DeviceHost: "lab@10.0.0.5", Devices: []string{"DEV1"}}

	ctx.SetDeviceHost("lab@10.0.0.5")
	if len(ctx.Devices) != 1 {
		t.Errorf("same host should keep selection, got %v", ctx.Devices)
	}

	ctx.SetDeviceHost("lab@10.0.0.9")
	if ctx.DeviceHost != "lab@10.0.0.9" {
		t.Errorf("DeviceHost = %v, want lab@10.0.0.9", ctx.DeviceHost)
	}
	if ctx.HasDevices() {
		t.Errorf("new host should clear selection, got %v", ctx.Devices)
	}
}

func TestContext_SetDevicesDedupes(t *testing.T) {
	ctx := &Context{}
	ctx.SetDevices([]string{"DEV2", " DEV1 ", "", "DEV2"})

	want := []string{"DEV2", "DEV1"}
	if !reflect.DeepEqual(ctx.Devices, want) {
		t.Errorf("Devices = %v, want %v", ctx.Devices, want)
	}
}

func TestContextStore_SaveLoad(t *testing.T) {
	tmpDir := t.TempDir()
	store := NewContextStore(filepath.Join(tmpDir, "nested", "context.yaml"))

	ctx := &Context{
		DeviceHost: "lab@10.0.0.5",
		Devices:    []string{"DEV1", "DEV2"},
	}

	if err := store.Save(ctx); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if loaded.DeviceHost != ctx.DeviceHost {
		t.Errorf("DeviceHost = %v, want %v", loaded.DeviceHost, ctx.DeviceHost)
	}
	if !reflect.DeepEqual(loaded.Devices, ctx.Devices) {
		t.Errorf("Devices = %v, want %v", loaded.Devices, ctx.Devices)
	}
}

func TestContextStore_LoadEmpty(t *testing.T) {
	store := NewContextStore(filepath.Join(t.TempDir(), "context.yaml"))

	loaded, err := store.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if !loaded.IsEmpty() {
		t.Error("Load() should return empty context for non-existent file")
	}
}

func TestContextStore_Clear(t *testing.T) {
	contextPath := filepath.Join(t.TempDir(), "context.yaml")
	store := NewContextStore(contextPath)

	if err := store.Save(&Context{DeviceHost: "lab@10.0.0.5"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if _, err := os.Stat(contextPath); os.IsNotExist(err) {
		t.Fatal("context file should exist after save")
	}

	if err := store.Clear(); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := os.Stat(contextPath); !os.IsNotExist(err) {
		t.Error("context file should be removed after clear")
	}

	// Clearing twice is fine.
	if err := store.Clear(); err != nil {
		t.Fatalf("second Clear() error = %v", err)
	}
}
