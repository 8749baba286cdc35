package config

import (
	"log"

	"github.com/caarlos0/env/v6"
)

type LLMProvider string

const (
	ProviderGemini LLMProvider = "gemini"
	ProviderOpenAI LLMProvider = "openai"
	ProviderYandex LLMProvider = "yandex"
)

type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// LLM settings
	LLMProvider      LLMProvider `env:"LLM_PROVIDER" envDefault:"gemini"`
	GeminiAPIURL     string      `env:"GEMINI_API_URL"`
	GeminiAPIKey     string      `env:"GEMINI_API_KEY"`
	OpenAIAPIKey     string      `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string      `env:"OPENAI_BASE_URL"`
	OpenAIModel      string      `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`
	YandexOAuthToken string      `env:"YANDEX_OAUTH_TOKEN"`
	YandexFolderID   string      `env:"YANDEX_FOLDER_ID"`

	// Google sign-in
	GoogleClientID     string `env:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `env:"GOOGLE_CLIENT_SECRET"`
	GoogleRedirectURL  string `env:"GOOGLE_REDIRECT_URL"`

	// Storage
	StorePath     string `env:"STORE_PATH" envDefault:"data/chats.bolt"`
	UsersFilePath string `env:"USERS_FILE_PATH" envDefault:"data/users.json"`
	LogFilePath   string `env:"LOG_FILE_PATH" envDefault:"logs/log.jsonl"`
	ThemeFilePath string `env:"THEME_FILE_PATH" envDefault:"data/theme.txt"`

	// Chat behaviour
	TitlePrefixLen   int `env:"TITLE_PREFIX_LEN" envDefault:"20"`
	RevealIntervalMS int `env:"REVEAL_INTERVAL_MS" envDefault:"15"`
	MaxChatsPerUser  int `env:"MAX_CHATS_PER_USER" envDefault:"100"`
}

func New() *Config {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}
	return cfg
}
