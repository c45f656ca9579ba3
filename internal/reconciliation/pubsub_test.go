package reconciliation

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

func TestPubSubPublisherPublishesCase(t *testing.T) {
	ctx := context.Background()
	srv := pstest.NewServer()
	defer srv.Close()

	client, err := pubsub.NewClient(ctx, "test-project",
		option.WithEndpoint(srv.Addr),
		option.WithoutAuthentication(),
		option.WithGRPCDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
	)
	if err != nil {
		t.Fatalf("pubsub.NewClient: %v", err)
	}
	defer func() {
		_ = client.Close()
	}()

	topic, err := client.CreateTopic(ctx, "checkout-reconciliation")
	if err != nil {
		t.Fatalf("CreateTopic: %v", err)
	}
	defer topic.Stop()

	publisher, err := NewPubSubPublisher(topic)
	if err != nil {
		t.Fatalf("NewPubSubPublisher: %v", err)
	}

	c := sampleCase()
	c.TimedOut = true
	if err := publisher.Record(ctx, c); err != nil {
		t.Fatalf("Record: %v", err)
	}

	messages := srv.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	var payload Message
	if err := json.Unmarshal(messages[0].Data, &payload); err != nil {
		t.Fatalf("unmarshal payload: %v", err)
	}
	if payload.PaymentReference != "pi_123" || payload.Amount != "958.80" || !payload.TimedOut {
		t.Fatalf("unexpected payload %#v", payload)
	}
	if attr := messages[0].Attributes["paymentReference"]; attr != "pi_123" {
		t.Fatalf("expected payment reference attribute, got %q", attr)
	}
	if attr := messages[0].Attributes["timedOut"]; attr != "true" {
		t.Fatalf("expected timedOut attribute, got %q", attr)
	}
	if _, ok := messages[0].Attributes["email"]; ok {
		t.Fatalf("email must not be exposed as an attribute")
	}
}

func TestNewPubSubPublisherRequiresTopic(t *testing.T) {
	if _, err := NewPubSubPublisher(nil); err == nil {
		t.Fatal("expected error for nil topic")
	}
}
