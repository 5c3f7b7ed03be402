package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cetmix/runboat/internal/api"
	"github.com/cetmix/runboat/internal/config"
	"github.com/cetmix/runboat/internal/controller"
	"github.com/cetmix/runboat/internal/kafka"
	"github.com/cetmix/runboat/internal/kube"
	"github.com/cetmix/runboat/internal/rabbitmq"
)

func main() {
	cfg := config.LoadConfig()

	kubeClient, err := kube.NewClient(cfg.KubeconfigPath, cfg.Namespace, cfg.BuildImage)
	if err != nil {
		log.Fatalf("Failed to create Kubernetes client: %v", err)
	}

	if err := kafka.EnsureTopicExists(cfg.KafkaBrokerURL, cfg.KafkaStatusTopic); err != nil {
		log.Fatalf("Failed to ensure kafka topic: %v", err)
	}
	statusPublisher := kafka.NewPublisher(cfg.KafkaBrokerURL, cfg.KafkaStatusTopic)
	defer statusPublisher.Close()

	ctrl := controller.New(kubeClient, statusPublisher, controller.Limits{
		MaxStarted:      cfg.MaxStarted,
		MaxInitializing: cfg.MaxInitializing,
		MaxDeployed:     cfg.MaxDeployed,
	})

	ctx, cancel := context.WithCancel(context.Background())
	ctrl.Start(ctx)

	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, ctrl)
	if err != nil {
		log.Fatalf("Failed to create RabbitMQ consumer: %v", err)
	}
	defer consumer.Close()

	go func() {
		if err := consumer.Start(ctx); err != nil && ctx.Err() == nil {
			log.Printf("RabbitMQ consumer error: %v", err)
		}
	}()

	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: api.NewServer(ctrl, cfg.AllowOrigins).Router(),
	}
	go func() {
		log.Printf("HTTP server listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
	cancel()
	ctrl.Stop()
}
