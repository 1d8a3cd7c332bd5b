package infra

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"go.uber.org/zap"
)

// FCMPusher delivers a single notification to one device over FCM.
type FCMPusher struct {
	client *messaging.Client
	log    *zap.Logger
}

func NewFCMPusher(ctx context.Context, app *firebase.App, log *zap.Logger) (*FCMPusher, error) {
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase messaging client: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &FCMPusher{client: client, log: log}, nil
}

func (p *FCMPusher) Push(ctx context.Context, deviceToken, title, body string, data map[string]string) error {
	if deviceToken == "" {
		return fmt.Errorf("empty device token")
	}
	msg := &messaging.Message{
		Token: deviceToken,
		Data:  data,
		Notification: &messaging.Notification{
			Title: title,
			Body:  body,
		},
		Android: &messaging.AndroidConfig{
			Priority: "high",
		},
	}
	messageID, err := p.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("sending FCM: %w", err)
	}
	p.log.Debug("fcm sent", zap.String("message_id", messageID), zap.String("type", data["type"]))
	return nil
}
