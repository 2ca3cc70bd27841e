package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"tutor-agent/handler"
	"tutor-agent/internal/integrations/paramstore"
	"tutor-agent/internal/integrations/tutorapi"
	"tutor-agent/internal/repository"
	"tutor-agent/internal/session"
)

func main() {
	ctx := context.Background()
	log := slog.Default()

	// ---- Configuration (read only here) ----
	stateTable := mustEnv("STATE_TABLE")
	paramPrefix := strings.TrimRight(mustEnv("PARAM_PREFIX"), "/")
	baseURL := mustEnv("TUTOR_API_BASE_URL")
	maxMessageLen := envInt("MAX_MESSAGE_LENGTH", 1000)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		slog.Error("failed to load AWS config", "err", err)
		os.Exit(1)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
	if err != nil {
		slog.Error("failed to create SSM client", "err", err)
		os.Exit(1)
	}
	tokens, err := paramstore.NewTokenProvider(ssmClient, paramPrefix+"/tutor-api-token")
	if err != nil {
		slog.Error("failed to create token provider", "err", err)
		os.Exit(1)
	}
	apiClient, err := tutorapi.NewClient(tokens, baseURL)
	if err != nil {
		slog.Error("failed to create tutor API client", "err", err)
		os.Exit(1)
	}
	storeFactory, err := repository.NewFactory(awsdynamodb.NewFromConfig(cfg), stateTable, log)
	if err != nil {
		slog.Error("failed to create state store factory", "err", err)
		os.Exit(1)
	}
	stores := session.StoreFactoryFunc(func(key string) session.StateStore {
		return storeFactory.ForSession(key)
	})

	// ---- Handler ----
	chatService, err := session.NewService(apiClient, stores, log, maxMessageLen)
	if err != nil {
		slog.Error("failed to create chat service", "err", err)
		os.Exit(1)
	}

	h, err := handler.NewHandler(chatService)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
