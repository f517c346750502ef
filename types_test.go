package pagegen

import "testing"

func TestProviderConfig_Masked(t *testing.T) {
	temp := 0.5
	cfg := ProviderConfig{Name: "p", APIKey: "sk-abcdefgh12345678", Temperature: &temp}

	masked := cfg.Masked()

	if masked.APIKey != "sk-a****5678" {
		t.Errorf("masked key = %q", masked.APIKey)
	}
	if cfg.APIKey != "sk-abcdefgh12345678" {
		t.Error("Masked modified the original")
	}
	*masked.Temperature = 1
	if temp != 0.5 {
		t.Error("Masked shares the temperature pointer")
	}
	if got := MaskAPIKey("short"); got != "****" {
		t.Errorf("MaskAPIKey(short) = %q", got)
	}
}
