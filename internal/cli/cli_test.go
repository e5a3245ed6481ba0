package cli

import (
	"testing"

	"github.com/sight-ai/sight-depin-maas-sub007/internal/daemon"
	"github.com/sight-ai/sight-depin-maas-sub007/internal/domain"
)

func TestApplyRegistration(t *testing.T) {
	got, err := applyRegistration(daemon.DeviceConfig{ID: "generated"}, "", "https://gw", "k")
	if err != nil {
		t.Fatalf("applyRegistration() error: %v", err)
	}
	if got.ID != "generated" || !got.IsRegistered() {
		t.Errorf("device = %+v, want existing id kept", got)
	}

	got, _ = applyRegistration(got, "assigned", "https://gw2", "k2")
	if got.ID != "assigned" || got.Gateway != "https://gw2" || got.AuthKey() != "k2" {
		t.Errorf("device = %+v", got)
	}

	if _, err := applyRegistration(daemon.DeviceConfig{}, "", "https://gw", "k"); err == nil {
		t.Error("expected error without any device id")
	}
	if _, err := applyRegistration(daemon.DeviceConfig{ID: "d"}, "", "", "k"); err == nil {
		t.Error("expected error without gateway")
	}
}

func TestParseStatuses(t *testing.T) {
	got, err := parseStatuses("running, succeed")
	if err != nil {
		t.Fatalf("parseStatuses() error: %v", err)
	}
	if len(got) != 2 || got[0] != domain.TaskRunning || got[1] != domain.TaskCompleted {
		t.Errorf("parseStatuses() = %v", got)
	}
	if _, err := parseStatuses("melted"); err == nil {
		t.Error("expected error for unknown status")
	}
	if got, _ := parseStatuses(""); got != nil {
		t.Errorf("empty filter = %v, want nil", got)
	}
}

func TestParseSource(t *testing.T) {
	if src, err := parseSource("gateway"); err != nil || src != domain.SourceGateway {
		t.Errorf("parseSource(gateway) = (%q, %v)", src, err)
	}
	if _, err := parseSource("cloud"); err == nil {
		t.Error("expected error for unknown source")
	}
}

func TestCommandsRegistered(t *testing.T) {
	want := map[string]bool{"serve": false, "register": false, "tasks": false, "earnings": false, "sync": false, "sweep": false}
	for _, c := range rootCmd.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("command %q not registered", name)
		}
	}
}
