// Package config содержит логику чтения конфигурации сервера и терминала.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config содержит параметры конфигурации сервера приёма заказов.
type Config struct {
	RunAddress             string `env:"RUN_ADDRESS"`
	DatabaseURI            string `env:"DATABASE_URI"`
	CustomerServiceAddress string `env:"CUSTOMER_SERVICE_ADDRESS"`
	SessionSecret          string `env:"SESSION_SECRET"`
	TerminalKey            string `env:"TERMINAL_KEY"`
	RabbitMQURL            string `env:"RABBITMQ_URL"`
}

// TerminalConfig содержит параметры конфигурации терминала.
type TerminalConfig struct {
	ServerAddress string `env:"SERVER_ADDRESS"`
	Token         string `env:"TERMINAL_TOKEN"`
	TerminalKey   string `env:"TERMINAL_KEY"`
	OperatorID    int64  `env:"OPERATOR_ID"`
	BranchID      string `env:"BRANCH_ID"`
	AutoAccept    bool   `env:"AUTO_ACCEPT"`
}

// loadDotEnv подгружает переменные из файла .env, если он есть.
// Уже заданные переменные окружения не перезаписываются.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Parse считывает конфигурацию сервера из .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory store when empty")
	flag.StringVar(&cfg.CustomerServiceAddress, "c", "", "customer lookup service address")
	flag.StringVar(&cfg.SessionSecret, "s", "", "terminal session signing secret")
	flag.StringVar(&cfg.TerminalKey, "k", "", "terminal enrollment key")
	flag.StringVar(&cfg.RabbitMQURL, "m", "", "RabbitMQ URL for the cross-instance event relay")

	flag.Parse()

	override(&cfg.RunAddress, envCfg.RunAddress)
	override(&cfg.DatabaseURI, envCfg.DatabaseURI)
	override(&cfg.CustomerServiceAddress, envCfg.CustomerServiceAddress)
	override(&cfg.SessionSecret, envCfg.SessionSecret)
	override(&cfg.TerminalKey, envCfg.TerminalKey)
	override(&cfg.RabbitMQURL, envCfg.RabbitMQURL)

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	return cfg, nil
}

// ParseTerminal считывает конфигурацию терминала по тем же правилам, что и Parse.
func ParseTerminal() (*TerminalConfig, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	cfg := &TerminalConfig{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.ServerAddress, "a", "localhost:8080", "order server address")
	flag.StringVar(&cfg.Token, "t", "", "terminal session token")
	flag.StringVar(&cfg.TerminalKey, "k", "", "terminal enrollment key, used when no token is given")
	flag.Int64Var(&cfg.OperatorID, "o", 0, "operator id for enrollment")
	flag.StringVar(&cfg.BranchID, "b", "", "branch for enrollment and the order filter, all branches when empty")
	flag.BoolVar(&cfg.AutoAccept, "auto-accept", false, "accept incoming web orders automatically")

	flag.Parse()

	override(&cfg.ServerAddress, envCfg.ServerAddress)
	override(&cfg.Token, envCfg.Token)
	override(&cfg.TerminalKey, envCfg.TerminalKey)
	override(&cfg.BranchID, envCfg.BranchID)
	if envCfg.OperatorID != 0 {
		cfg.OperatorID = envCfg.OperatorID
	}
	if _, ok := os.LookupEnv("AUTO_ACCEPT"); ok {
		cfg.AutoAccept = envCfg.AutoAccept
	}

	if cfg.ServerAddress == "" {
		cfg.ServerAddress = "localhost:8080"
	}
	if cfg.Token == "" && cfg.OperatorID <= 0 {
		return nil, errors.New("either a session token or an operator id is required")
	}

	return cfg, nil
}

func override(dst *string, envValue string) {
	if envValue != "" {
		*dst = envValue
	}
}
