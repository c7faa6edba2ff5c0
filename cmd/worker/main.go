package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/gopherchat/gateway/internal/ai"
	"github.com/gopherchat/gateway/internal/chat"
	"github.com/gopherchat/gateway/internal/config"
	"github.com/gopherchat/gateway/internal/db"
	"github.com/gopherchat/gateway/internal/gateway"
	"github.com/gopherchat/gateway/internal/quota"
	"github.com/gopherchat/gateway/internal/store/rabbitmq"
	"github.com/gopherchat/gateway/internal/usage"
)

var knownModels = []string{
	"gpt-4o",
	"gpt-4o-mini",
	"dall-e-3",
	"mistral-small-latest",
	"deepseek-chat",
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func buildRegistry(cfg config.Config) *ai.Registry {
	tools := ai.NewToolSet()
	openAIChat := ai.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, tools)
	openAIImage := ai.NewOpenAIImageProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, "dall-e-3")
	mistral := ai.NewMistralProvider(cfg.MistralBaseURL, cfg.MistralAPIKey)
	deepseek := ai.NewDeepSeekProvider(cfg.DeepSeekBaseURL, cfg.DeepSeekAPIKey)

	reg := ai.NewRegistry()
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

	repo := chat.NewRepo(gdb)
	assembler := chat.NewAssembler(repo, cfg.ContextCharBudget, cfg.ContextWindowSize)
	ledger := quota.NewLedger(gdb, quota.Config{
		DefaultShortMax: cfg.QuotaDefaultShortMax,
		DefaultLongMax:  cfg.QuotaDefaultLongMax,
		KnownModels:     knownModels,
	})
	recorder := usage.NewRecorder(gdb, usage.DefaultRates())

	gw := gateway.NewService(repo, assembler, ledger, recorder, buildRegistry(cfg), cfg.LongPromptThreshold)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue topology: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m rabbitmq.JobMessage
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, gw, repo, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed cost=%s err=%v", workerID, m.JobID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func handleJob(ctx context.Context, gw *gateway.Service, repo *chat.Repo, jobID string) error {
	_ = repo.UpdateJobStatusRunning(ctx, jobID)

	j, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	_, botMsgID, err := gw.GenerateForJob(ctx, j)
	if err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		return err
	}

	return repo.MarkJobSucceeded(ctx, jobID, botMsgID)
}
