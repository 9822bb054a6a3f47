package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"chatshard/config"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	rabbitConn       *amqp.Connection
	rabbitChannel    *amqp.Channel
	transferExchange = "transfer_events"
)

// TransferEvent - событие об исходе перевода для push-уведомлений.
type TransferEvent struct {
	TxID      string    `json:"tx_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	FromID    int32     `json:"from_id,omitempty"`
	ToID      int32     `json:"to_id,omitempty"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// InitRabbitMQ инициализирует соединение и exchange переводов.
func InitRabbitMQ() error {
	if config.AppConfig == nil || config.AppConfig.Rabbit.URL == "" {
		return fmt.Errorf("rabbitmq url is not configured")
	}
	url := config.AppConfig.Rabbit.URL

	var err error
	rabbitConn, err = amqp.Dial(url)
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	rabbitChannel, err = rabbitConn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	if err := rabbitChannel.ExchangeDeclare(
		transferExchange,
		"topic",
		true,  // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,   // args
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}
	log.Printf("RabbitMQ initialized: %s", url)
	return nil
}

func CloseRabbitMQ() {
	if rabbitChannel != nil {
		_ = rabbitChannel.Close()
	}
	if rabbitConn != nil {
		_ = rabbitConn.Close()
	}
}

// PublishTransferEvent публикует исход перевода. Best effort: без
// инициализированного брокера событие молча пропускается, исход
// перевода уже зафиксирован леджером.
func PublishTransferEvent(ctx context.Context, event TransferEvent) {
	if rabbitChannel == nil {
		return
	}
	event.CreatedAt = time.Now()
	body, err := json.Marshal(event)
	if err != nil {
		log.Printf("failed to marshal transfer event: %v", err)
		return
	}
	routingKey := fmt.Sprintf("transfer.%s", event.Status)
	err = rabbitChannel.PublishWithContext(ctx,
		transferExchange,
		routingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
		},
	)
	if err != nil {
		log.Printf("failed to publish transfer event %s: %v", event.TxID, err)
	}
}

// StartTransferEventConsumer слушает события переводов и пушит их
// обеим сторонам через WebSocket.
func StartTransferEventConsumer(ctx context.Context, queueName string) error {
	if rabbitChannel == nil {
		return fmt.Errorf("RabbitMQ channel not initialized")
	}
	q, err := rabbitChannel.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	if err := rabbitChannel.QueueBind(
		q.Name,
		"transfer.*",
		transferExchange,
		false,
		nil,
	); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	msgs, err := rabbitChannel.Consume(
		q.Name,
		"",
		true,  // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-msgs:
				var event TransferEvent
				if err := json.Unmarshal(msg.Body, &event); err != nil {
					log.Println("failed to unmarshal transfer event:", err)
					continue
				}
				pushData, _ := json.Marshal(struct {
					Event string `json:"event"`
					TransferEvent
				}{Event: "transfer", TransferEvent: event})
				if event.FromID != 0 {
					GlobalWSConnManager.Send(event.FromID, pushData)
				}
				if event.ToID != 0 {
					GlobalWSConnManager.Send(event.ToID, pushData)
				}
			}
		}
	}()
	return nil
}
