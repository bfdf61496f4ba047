package config

import "testing"

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("AUTH_SECRET", "")
	t.Setenv("SUPERVISOR_PIN", "")

	cfg := Load()
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.SupervisorPIN != "" {
		t.Fatalf("expected empty SUPERVISOR_PIN when unset, got %q", cfg.SupervisorPIN)
	}
}

func TestLoadParsesPostingKnobs(t *testing.T) {
	t.Setenv("TRANSFER_APPROVAL_THRESHOLD", "250000")
	t.Setenv("ENFORCE_MINIMUM_BALANCE", "true")
	t.Setenv("REJECT_ZERO_VOLUME_SALE", "1")

	cfg := Load()
	if cfg.TransferApprovalThreshold.String() != "250000" {
		t.Fatalf("expected threshold 250000, got %s", cfg.TransferApprovalThreshold)
	}
	if !cfg.EnforceMinimumBalance {
		t.Fatalf("expected balance enforcement enabled")
	}
	if !cfg.RejectZeroVolumeSale {
		t.Fatalf("expected zero volume rejection enabled")
	}
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	t.Setenv("TRANSFER_APPROVAL_THRESHOLD", "-5")

	cfg := Load()
	if cfg.TransferApprovalThreshold.Sign() != 0 {
		t.Fatalf("expected negative threshold to fall back to zero, got %s", cfg.TransferApprovalThreshold)
	}
}
