package main

import (
	"log"

	"github.com/gopherchat/gateway/internal/ai"
	"github.com/gopherchat/gateway/internal/chat"
	"github.com/gopherchat/gateway/internal/config"
	"github.com/gopherchat/gateway/internal/db"
	"github.com/gopherchat/gateway/internal/gateway"
	"github.com/gopherchat/gateway/internal/httpapi"
	"github.com/gopherchat/gateway/internal/httpapi/handlers"
	"github.com/gopherchat/gateway/internal/quota"
	"github.com/gopherchat/gateway/internal/store/rabbitmq"
	"github.com/gopherchat/gateway/internal/store/redisstore"
	"github.com/gopherchat/gateway/internal/usage"
)

// knownModels is the canonical list restored by a quota reset.
var knownModels = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"dall-e-3",
	"mistral-small-latest",
	"deepseek-chat",
}

func buildRegistry(cfg config.Config) *ai.Registry {
	tools := ai.NewToolSet()
	openAIChat := ai.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, tools)
	openAIImage := ai.NewOpenAIImageProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, "dall-e-3")
	mistral := ai.NewMistralProvider(cfg.MistralBaseURL, cfg.MistralAPIKey)
	deepseek := ai.NewDeepSeekProvider(cfg.DeepSeekBaseURL, cfg.DeepSeekAPIKey)

	reg := ai.NewRegistry()

	// Provider-family dispatch first; these bypass the per-model switch.
	reg.RegisterProvider("mistral", mistral)
	reg.RegisterProvider("deepseek", deepseek)

	reg.RegisterModel("gpt-4o", openAIChat)
	reg.RegisterModel("gpt-4o-mini", openAIChat)
	reg.RegisterModel("dall-e-3", openAIImage)
	reg.RegisterModel("mistral-small-latest", mistral)
	reg.RegisterModel("mistral-large-latest", mistral)
	reg.RegisterModel("deepseek-chat", deepseek)
	reg.RegisterModel("deepseek-reasoner", deepseek)

	return reg
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	rds := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	defer rds.Close()

	rabbit, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.RabbitQueue)
	if err != nil {
		log.Fatalf("rabbit: %v", err)
	}
	defer rabbit.Close()

	repo := chat.NewRepo(gdb)
	assembler := chat.NewAssembler(repo, cfg.ContextCharBudget, cfg.ContextWindowSize)
	ledger := quota.NewLedger(gdb, quota.Config{
		DefaultShortMax: cfg.QuotaDefaultShortMax,
		DefaultLongMax:  cfg.QuotaDefaultLongMax,
		KnownModels:     knownModels,
	})
	recorder := usage.NewRecorder(gdb, usage.DefaultRates())
	reporter := usage.NewReporter(gdb, rds)

	gw := gateway.NewService(repo, assembler, ledger, recorder, buildRegistry(cfg), cfg.LongPromptThreshold)

	h := handlers.NewHandler(gdb, cfg, gw, repo, ledger, reporter, rds, rabbit)
	r := httpapi.NewRouter(cfg, h)

	log.Printf("server listening on :8080")
	if err := r.Run(":8080"); err != nil {
		log.Fatalf("server: %v", err)
	}
}
