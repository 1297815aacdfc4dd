package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TZ", "UTC")
	t.Setenv("ADMIN_TOKEN", "secret")
	t.Setenv("GENERATION_STORY_DELAY", "250ms")

	cfg := Load()
	if cfg.Port != 8080 || cfg.PreviewChars != 1500 {
		t.Fatalf("неожиданные значения по умолчанию: %+v", cfg)
	}
	if cfg.OpenAI.Model != "gpt-4o-mini" || cfg.Generation.MinChars != 100 {
		t.Fatalf("неожиданные настройки генерации: %+v", cfg)
	}
	if cfg.Generation.StoryDelay != 250*time.Millisecond {
		t.Fatalf("ожидали задержку 250ms, получили %s", cfg.Generation.StoryDelay)
	}
	if cfg.AdminToken != "secret" || cfg.Ledger.TTL != 48*time.Hour {
		t.Fatalf("переменные окружения не применены: %+v", cfg)
	}
}

func TestLocationFallback(t *testing.T) {
	cfg := AppConfig{TZ: "Nowhere/Unknown"}
	if cfg.Location() != time.UTC {
		t.Fatalf("ожидали UTC для неизвестной зоны")
	}
	cfg.TZ = "Europe/Amsterdam"
	if cfg.Location().String() != "Europe/Amsterdam" {
		t.Fatalf("ожидали Europe/Amsterdam, получили %s", cfg.Location())
	}
}
