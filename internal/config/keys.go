package config

import (
	"os"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Keys holds provider API keys read from the environment.
type Keys struct {
	OpenAI     string `env:"OPENAI_API_KEY"`
	Deepgram   string `env:"DEEPGRAM_API_KEY"`
	ElevenLabs string `env:"ELEVENLABS_API_KEY"`
	Groq       string `env:"GROQ_API_KEY"`
	Perplexity string `env:"PERPLEXITY_API_KEY"`
	Anthropic  string `env:"ANTHROPIC_API_KEY"`
	Grok       string `env:"GROK_API_KEY"`
}

// keyShapes are fast-reject patterns per provider. A passing shape does not
// prove the key is valid; it only catches obvious paste errors early.
var keyShapes = map[string]*regexp.Regexp{
	"openai":     regexp.MustCompile(`^sk-[A-Za-z0-9_-]{20,}$`),
	"deepgram":   regexp.MustCompile(`^[A-Za-z0-9]{32,}$`),
	"elevenlabs": regexp.MustCompile(`^sk_[A-Za-z0-9]{16,}$`),
	"groq":       regexp.MustCompile(`^gsk_[A-Za-z0-9]{20,}$`),
	"perplexity": regexp.MustCompile(`^pplx-[A-Za-z0-9]{20,}$`),
	"anthropic":  regexp.MustCompile(`^sk-ant-[A-Za-z0-9_-]{20,}$`),
	"grok":       regexp.MustCompile(`^xai-[A-Za-z0-9]{20,}$`),
}

// LoadKeys reads API keys from envFile (silently skipped when missing) and
// the process environment. Keys failing shape validation are cleared so the
// providers holding them report unconfigured instead of failing at call time.
func LoadKeys(envFile string) (*Keys, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if _, err := os.Stat(envFile); err == nil {
		_ = godotenv.Load(envFile)
	}

	k := &Keys{}
	if err := env.Parse(k); err != nil {
		return nil, err
	}

	k.OpenAI = checkShape("openai", k.OpenAI)
	k.Deepgram = checkShape("deepgram", k.Deepgram)
	k.ElevenLabs = checkShape("elevenlabs", k.ElevenLabs)
	k.Groq = checkShape("groq", k.Groq)
	k.Perplexity = checkShape("perplexity", k.Perplexity)
	k.Anthropic = checkShape("anthropic", k.Anthropic)
	k.Grok = checkShape("grok", k.Grok)
	return k, nil
}

// ValidKeyShape reports whether key matches the provider's expected shape.
// Unknown providers only require a non-empty key.
func ValidKeyShape(provider, key string) bool {
	if key == "" {
		return false
	}
	re, ok := keyShapes[strings.ToLower(provider)]
	if !ok {
		return true
	}
	return re.MatchString(key)
}

func checkShape(provider, key string) string {
	if key == "" || ValidKeyShape(provider, key) {
		return key
	}
	return ""
}
