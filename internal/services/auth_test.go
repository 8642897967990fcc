package services

import "testing"

func TestValidatePassword(t *testing.T) {
	tests := []struct {
		name    string
		pw      string
		wantErr bool
	}{
		{"valid", "caravan99", false},
		{"too short", "cap1", true},
		{"no digit", "radroachsteak", true},
		{"digits only", "12345678", false},
		{"empty", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := validatePassword(tc.pw)
			if tc.wantErr && err == nil {
				t.Fatalf("expected error for %q", tc.pw)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error for %q: %v", tc.pw, err)
			}
		})
	}
}

func TestEmailRegex(t *testing.T) {
	valid := []string{"dweller@vault101.com", "lone.wanderer+tarot@example.org"}
	invalid := []string{"", "overseer", "@vault.com", "dweller@", "dweller@vault"}

	for _, email := range valid {
		if !emailRegex.MatchString(email) {
			t.Errorf("expected %q to be valid", email)
		}
	}
	for _, email := range invalid {
		if emailRegex.MatchString(email) {
			t.Errorf("expected %q to be invalid", email)
		}
	}
}

func TestGenerateToken(t *testing.T) {
	a, err := generateToken(32)
	if err != nil {
		t.Fatalf("generateToken: %v", err)
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}

	b, _ := generateToken(32)
	if a == b {
		t.Fatalf("tokens should not repeat")
	}
}
