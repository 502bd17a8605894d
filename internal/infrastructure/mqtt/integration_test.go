//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"

	"github.com/doubleukay/panasonic-wifan-ha/internal/infrastructure/config"
)

// Integration tests against a real broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func integrationConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "wifand-integration-test",
			TLS:      false,
		},
		QoS:       1,
		BaseTopic: "wifan-int",
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

func TestIntegration_SubscriptionTracking(t *testing.T) {
	cfg := integrationConfig()
	cfg.Broker.ClientID = "wifand-int-sub-track"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topics := Topics{Base: cfg.BaseTopic}
	subs := []string{
		topics.FanSet("fan-1"),
		topics.FanSet("fan-2"),
		topics.AllFanSets(),
	}

	handler := func(string, []byte) error { return nil }
	for _, topic := range subs {
		if err := client.Subscribe(topic, 1, handler); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", topic, err)
		}
	}

	if client.SubscriptionCount() != len(subs) {
		t.Errorf("SubscriptionCount() = %d, want %d", client.SubscriptionCount(), len(subs))
	}

	if err := client.Unsubscribe(subs[0]); err != nil {
		t.Fatalf("Unsubscribe() error = %v", err)
	}
	if client.HasSubscription(subs[0]) {
		t.Errorf("HasSubscription(%s) = true after unsubscribe", subs[0])
	}
}

func TestIntegration_MessageRoundtrip(t *testing.T) {
	cfg := integrationConfig()

	cfg.Broker.ClientID = "wifand-int-pub"
	pubClient, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pubClient.Close()

	cfg.Broker.ClientID = "wifand-int-sub"
	subClient, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer subClient.Close()

	topics := Topics{Base: cfg.BaseTopic}
	topic := topics.FanSet("roundtrip")
	expected := `{"speed":7}`

	received := make(chan string, 1)
	var once sync.Once

	err = subClient.Subscribe(topics.AllFanSets(), 1, func(_ string, p []byte) error {
		once.Do(func() { received <- string(p) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pubClient.Publish(topic, []byte(expected), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != expected {
			t.Errorf("received = %q, want %q", msg, expected)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestIntegration_RetainedState(t *testing.T) {
	cfg := integrationConfig()

	cfg.Broker.ClientID = "wifand-int-retain-pub"
	pubClient, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() publisher error = %v", err)
	}
	defer pubClient.Close()

	topics := Topics{Base: cfg.BaseTopic}
	topic := topics.FanState("retained")
	state := `{"power":true,"speed":3}`

	if err := pubClient.PublishRetained(topic, []byte(state)); err != nil {
		t.Fatalf("PublishRetained() error = %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	// A subscriber arriving after the publish must still see the state.
	cfg.Broker.ClientID = "wifand-int-retain-sub"
	subClient, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() subscriber error = %v", err)
	}
	defer subClient.Close()

	received := make(chan string, 1)
	var once sync.Once
	err = subClient.Subscribe(topic, 1, func(_ string, p []byte) error {
		once.Do(func() { received <- string(p) })
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case msg := <-received:
		if msg != state {
			t.Errorf("retained = %q, want %q", msg, state)
		}
	case <-time.After(5 * time.Second):
		t.Error("timeout waiting for retained message")
	}
}
