package pubsub

import (
	"context"
	"encoding/json"
	"testing"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/crawlwatch/internal/jobstats"
)

func TestSenderPublishesNotification(t *testing.T) {
	ctx := context.Background()

	// Create a fake Pub/Sub server.
	srv := pstest.NewServer()
	defer func() { _ = srv.Close() }()

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	topic, err := client.CreateTopic(ctx, "alerts")
	require.NoError(t, err)
	defer topic.Stop()

	var content jobstats.Content
	content.Add("node", "10.0.0.5:6800")
	content.Add("log_error_count", "0 + 5 triggered!!!")

	sender := New(topic)
	require.NoError(t, sender.Send(ctx, "Error_Stop [10p, 2i] /10.0.0.5:6800/demo/books/job1 N/A #crawlwatch", content))

	msgs := srv.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "Error_Stop [10p, 2i] /10.0.0.5:6800/demo/books/job1 N/A #crawlwatch", msgs[0].Attributes[SubjectAttribute])

	var decoded struct {
		Subject string         `json:"subject"`
		Content map[string]any `json:"content"`
	}
	require.NoError(t, json.Unmarshal(msgs[0].Data, &decoded))
	assert.Equal(t, "10.0.0.5:6800", decoded.Content["node"])
	assert.Equal(t, "0 + 5 triggered!!!", decoded.Content["log_error_count"])
}

func TestSenderWithoutTopic(t *testing.T) {
	t.Parallel()

	err := New(nil).Send(context.Background(), "subject", nil)
	assert.Error(t, err)
}

func TestCarrier(t *testing.T) {
	t.Parallel()

	c := &pubsubCarrier{attrs: map[string]string{}}
	c.Set("traceparent", "00-abc-def-01")
	assert.Equal(t, "00-abc-def-01", c.Get("traceparent"))
	assert.Equal(t, []string{"traceparent"}, c.Keys())
}
