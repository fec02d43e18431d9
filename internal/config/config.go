// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config holds the defaults shared by the command-line tools, taken from the environment
// and from an optional `.env` file in the current directory.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
	"k8s.io/klog/v2"
)

// Config holds the settings read from the environment.
type Config struct {
	// DataDir is the dataset root, with one sub-directory per class. Env: POTHOLES_DATA_DIR.
	DataDir string

	// Checkpoint is the trained model directory. If relative, it's taken relative to DataDir.
	// Env: POTHOLES_CHECKPOINT.
	Checkpoint string

	// DB is the path of the SQLite reports database. Env: POTHOLES_DB.
	DB string

	// Port the server listens to. Env: PORT.
	Port int

	// CORSOrigin is the front-end origin allowed to call the server. Env: POTHOLES_CORS_ORIGIN.
	CORSOrigin string

	// MaxUploadMB limits the size of uploaded images. Env: POTHOLES_MAX_UPLOAD_MB.
	MaxUploadMB int

	// TelegramToken enables the Telegram bot if set. Env: TELEGRAM_TOKEN.
	TelegramToken string

	// ONNXRuntimeLib is the path to the ONNX Runtime shared library. Env: ONNXRUNTIME_LIB.
	ONNXRuntimeLib string
}

// DotEnvFile is loaded by Load, if present.
const DotEnvFile = ".env"

// Load reads DotEnvFile, if it exists, and then the configuration from the environment.
// Variables already set in the environment take precedence over the ones in the file.
func Load() *Config {
	if err := godotenv.Load(DotEnvFile); err == nil {
		klog.V(1).Infof("Loaded environment from %q", DotEnvFile)
	} else if !errors.Is(err, os.ErrNotExist) {
		klog.Warningf("Failed to load %q: %v", DotEnvFile, err)
	}
	return &Config{
		DataDir:        getEnv("POTHOLES_DATA_DIR", "dataset"),
		Checkpoint:     getEnv("POTHOLES_CHECKPOINT", "model"),
		DB:             getEnv("POTHOLES_DB", "potholes.db"),
		Port:           getEnvAsNumber("PORT", 8080),
		CORSOrigin:     getEnv("POTHOLES_CORS_ORIGIN", "http://localhost:5173"),
		MaxUploadMB:    getEnvAsNumber("POTHOLES_MAX_UPLOAD_MB", 32),
		TelegramToken:  getEnv("TELEGRAM_TOKEN", ""),
		ONNXRuntimeLib: getEnv("ONNXRUNTIME_LIB", ""),
	}
}

// ResolveCheckpoint returns the checkpoint directory, with "~" expanded and, if relative, joined
// to dataDir. This matches where training saves it.
func ResolveCheckpoint(dataDir, checkpoint string) (string, error) {
	checkpoint, err := fsutil.ReplaceTildeInDir(checkpoint)
	if err != nil {
		return "", errors.WithMessagef(err, "invalid checkpoint directory %q", checkpoint)
	}
	if filepath.IsAbs(checkpoint) {
		return checkpoint, nil
	}
	dataDir, err = fsutil.ReplaceTildeInDir(dataDir)
	if err != nil {
		return "", errors.WithMessagef(err, "invalid data directory %q", dataDir)
	}
	return filepath.Join(dataDir, checkpoint), nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsNumber parses the variable key, and returns defaultValue if it's not set or not a valid number.
func getEnvAsNumber[T constraints.Integer | constraints.Float](key string, defaultValue T) T {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	number, err := strconv.ParseFloat(value, 64)
	if err != nil {
		klog.Warningf("Invalid number for %s=%q, using default %v", key, value, defaultValue)
		return defaultValue
	}
	return T(number)
}
