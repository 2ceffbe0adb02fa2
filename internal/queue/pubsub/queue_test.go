package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/pubsub/pstest"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/JakeFAU/feed-ingestor/internal/ingest"
)

func newTestQueue(t *testing.T) (*Queue, *pstest.Server) {
	t.Helper()
	ctx := context.Background()

	srv := pstest.NewServer()
	t.Cleanup(func() { _ = srv.Close() })

	conn, err := grpc.NewClient(srv.Addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	client, err := pubsub.NewClient(ctx, "project-id", option.WithGRPCConn(conn))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	topic, err := client.CreateTopic(ctx, "fetch-work")
	require.NoError(t, err)
	_, err = client.CreateSubscription(ctx, "fetch-work-sub", pubsub.SubscriptionConfig{
		Topic:       topic,
		AckDeadline: 10 * time.Second,
	})
	require.NoError(t, err)

	q, err := New(client, Config{TopicID: "fetch-work", SubscriptionID: "fetch-work-sub"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q, srv
}

func TestEnqueuePublishesJSONWithAttributes(t *testing.T) {
	q, srv := newTestQueue(t)

	works := []ingest.FetchWork{
		{SourceID: "a", SourceURL: "https://a.test/feed", ETag: `"v1"`},
		{SourceID: "b", SourceURL: "https://b.test/feed"},
	}
	require.NoError(t, q.Enqueue(context.Background(), "dispatch-1", works))

	msgs := srv.Messages()
	require.Len(t, msgs, 2)
	bySource := map[string]*pstest.Message{}
	for _, m := range msgs {
		bySource[m.Attributes[AttrSourceID]] = m
	}
	require.Equal(t, "dispatch-1", bySource["a"].Attributes[AttrDispatchID])
	require.JSONEq(t,
		`{"sourceId":"a","sourceUrl":"https://a.test/feed","sourceName":"","etag":"\"v1\""}`,
		string(bySource["a"].Data))
}

func TestConsumeAcksAndNacksByDecision(t *testing.T) {
	q, srv := newTestQueue(t)
	require.NoError(t, q.Enqueue(context.Background(), "dispatch-2", []ingest.FetchWork{
		{SourceID: "steady", SourceURL: "https://s.test/feed"},
		{SourceID: "flaky", SourceURL: "https://f.test/feed"},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu          sync.Mutex
		calls       = map[string]int{}
		dispatchIDs = map[string]bool{}
	)
	done := make(chan error, 1)
	go func() {
		done <- q.Consume(ctx, func(_ context.Context, d ingest.Delivery) ingest.Decision {
			mu.Lock()
			defer mu.Unlock()
			dispatchIDs[d.DispatchID] = true
			calls[d.Work.SourceID]++
			if d.Work.SourceID == "flaky" {
				return ingest.RetryAfter(time.Minute)
			}
			return ingest.Ack()
		})
	}()

	// A nack reaches the server as a modack with a zero deadline.
	require.Eventually(t, func() bool {
		var steadyAcked, flakyNacked bool
		for _, m := range srv.Messages() {
			switch m.Attributes[AttrSourceID] {
			case "steady":
				steadyAcked = m.Acks == 1
			case "flaky":
				flakyNacked = m.Acks == 0 && hasZeroDeadlineModack(m)
			}
		}
		return steadyAcked && flakyNacked
	}, 8*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consume did not return after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, map[string]bool{"dispatch-2": true}, dispatchIDs)
	require.Equal(t, 1, calls["steady"])
	require.GreaterOrEqual(t, calls["flaky"], 1)
}

func hasZeroDeadlineModack(m *pstest.Message) bool {
	for _, mod := range m.Modacks {
		if mod.AckDeadline == 0 {
			return true
		}
	}
	return false
}

type settled struct {
	acks, nacks int
}

func (s *settled) message(data string, attempt *int) received {
	return received{
		id:              "m-1",
		data:            []byte(data),
		attributes:      map[string]string{AttrDispatchID: "d-9"},
		deliveryAttempt: attempt,
		ack:             func() { s.acks++ },
		nack:            func() { s.nacks++ },
	}
}

func TestHandleMapsDecisions(t *testing.T) {
	q := &Queue{cfg: Config{MaxAttempts: 3}, logger: zap.NewNop()}
	body := `{"sourceId":"a","sourceUrl":"https://a.test/feed"}`
	retry := func(context.Context, ingest.Delivery) ingest.Decision { return ingest.RetryAfter(time.Second) }
	ack := func(context.Context, ingest.Delivery) ingest.Decision { return ingest.Ack() }
	intp := func(v int) *int { return &v }

	cases := []struct {
		name    string
		data    string
		attempt *int
		handler ingest.Handler
		want    settled
	}{
		{name: "ack", data: body, handler: ack, want: settled{acks: 1}},
		{name: "retry nacks", data: body, attempt: intp(1), handler: retry, want: settled{nacks: 1}},
		{name: "retry without attempt count nacks", data: body, handler: retry, want: settled{nacks: 1}},
		{name: "retry at max attempts acks", data: body, attempt: intp(3), handler: retry, want: settled{acks: 1}},
		{name: "undecodable acks", data: "{", handler: retry, want: settled{acks: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var got settled
			q.handle(context.Background(), tc.handler, got.message(tc.data, tc.attempt))
			require.Equal(t, tc.want, got)
		})
	}
}

func TestHandlePassesDeliveryFields(t *testing.T) {
	q := &Queue{logger: zap.NewNop()}
	var got ingest.Delivery
	var s settled
	attempt := 2
	q.handle(context.Background(), func(_ context.Context, d ingest.Delivery) ingest.Decision {
		got = d
		return ingest.Ack()
	}, s.message(`{"sourceId":"a","sourceUrl":"https://a.test/feed","etag":"\"v1\""}`, &attempt))

	require.Equal(t, "a", got.Work.SourceID)
	require.Equal(t, `"v1"`, got.Work.ETag)
	require.Equal(t, 2, got.Attempt)
	require.Equal(t, "d-9", got.DispatchID)
	require.Equal(t, 1, s.acks)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(nil, Config{TopicID: "t"}, nil)
	require.Error(t, err)

	q, _ := newTestQueue(t)
	_, err = New(q.client, Config{}, nil)
	require.Error(t, err)

	publishOnly, err := New(q.client, Config{TopicID: "fetch-work"}, nil)
	require.NoError(t, err)
	require.Error(t, publishOnly.Consume(context.Background(), func(context.Context, ingest.Delivery) ingest.Decision {
		return ingest.Ack()
	}))
}
