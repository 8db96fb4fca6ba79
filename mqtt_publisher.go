package main

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	dto "github.com/prometheus/client_model/go"
)

// MQTTPublisher publishes decode progress and metrics to an MQTT broker
type MQTTPublisher struct {
	client  mqtt.Client
	config  *MQTTConfig
	metrics *PrometheusMetrics
	session string
}

// MetricPayload represents a metric message for MQTT
type MetricPayload struct {
	Timestamp int64              `json:"timestamp"`
	Session   string             `json:"session"`
	Metrics   map[string]float64 `json:"metrics"`
}

// generateClientID creates a random client ID for MQTT connection
func generateClientID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "rfdemod_" + hex.EncodeToString(bytes)
}

// loadTLSConfig loads TLS configuration from files
func loadTLSConfig(tlsConfig MQTTTLSConfig) (*tls.Config, error) {
	if !tlsConfig.Enabled {
		return nil, nil
	}

	config := &tls.Config{}

	if tlsConfig.CACert != "" {
		caCert, err := os.ReadFile(tlsConfig.CACert)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA certificate: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsConfig.ClientCert != "" && tlsConfig.ClientKey != "" {
		cert, err := tls.LoadX509KeyPair(tlsConfig.ClientCert, tlsConfig.ClientKey)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}

// NewMQTTPublisher connects to the broker. session is the decode's ID and
// becomes part of every topic.
func NewMQTTPublisher(config *MQTTConfig, metrics *PrometheusMetrics, session string) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(generateClientID())

	if config.Username != "" {
		opts.SetUsername(config.Username)
	}
	if config.Password != "" {
		opts.SetPassword(config.Password)
	}

	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(10 * time.Second)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)

	if config.TLS.Enabled {
		tlsConfig, err := loadTLSConfig(config.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}

	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Println("MQTT: Connected to broker")
	})
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Printf("MQTT: Connection lost: %v", err)
	})
	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		log.Println("MQTT: Attempting to reconnect...")
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}

	log.Printf("MQTT: Successfully connected to broker: %s", config.Broker)

	return &MQTTPublisher{
		client:  client,
		config:  config,
		metrics: metrics,
		session: session,
	}, nil
}

// topic builds {prefix}/{session}/{parts...}
func (mp *MQTTPublisher) topic(parts ...string) string {
	return strings.Join(append([]string{mp.config.TopicPrefix, mp.session}, parts...), "/")
}

// StartPublisher publishes the metric registry at the configured interval
// until ctx is done, then publishes once more. The returned channel closes
// after that last publish.
func (mp *MQTTPublisher) StartPublisher(ctx context.Context) <-chan struct{} {
	done := make(chan struct{})
	if mp.metrics == nil {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(time.Duration(mp.config.PublishInterval) * time.Second)
		defer ticker.Stop()

		log.Printf("MQTT: Metrics publisher started with %d second interval", mp.config.PublishInterval)

		for {
			select {
			case <-ctx.Done():
				mp.publishAllMetrics()
				log.Println("MQTT: Metrics publisher stopped")
				return
			case <-ticker.C:
				mp.publishAllMetrics()
			}
		}
	}()
	return done
}

// metricCategory routes a metric name to the topic it is published under
func metricCategory(name string) string {
	name = strings.TrimPrefix(name, "rfdemod_")
	switch {
	case strings.HasPrefix(name, "afc_"):
		return "afc"
	case strings.HasPrefix(name, "cache_"):
		return "cache"
	case strings.HasPrefix(name, "pushgateway_"):
		return "pushgateway"
	case strings.HasPrefix(name, "goroutines"), strings.HasPrefix(name, "memory_"),
		strings.HasPrefix(name, "gc_"), strings.HasPrefix(name, "host_"):
		return "resources"
	}
	return "decode"
}

// publishAllMetrics gathers the registry and publishes one message per category
func (mp *MQTTPublisher) publishAllMetrics() {
	timestamp := time.Now().Unix()

	metricFamilies, err := mp.metrics.Registry().Gather()
	if err != nil {
		log.Printf("MQTT ERROR: Failed to gather Prometheus metrics: %v", err)
		return
	}

	categories := make(map[string]map[string]float64)
	for _, mf := range metricFamilies {
		metricName := mf.GetName()
		category := metricCategory(metricName)

		for _, m := range mf.GetMetric() {
			value, ok := extractMetricValue(m)
			if !ok {
				continue
			}

			// labelled series get a composite key
			key := metricName
			for _, label := range m.GetLabel() {
				key += "_" + label.GetName() + "_" + label.GetValue()
			}
			if categories[category] == nil {
				categories[category] = make(map[string]float64)
			}
			categories[category][key] = value
		}
	}

	for category, metrics := range categories {
		mp.publishMetricCategory(category, metrics, timestamp)
	}
}

// extractMetricValue extracts the numeric value from a Prometheus metric
func extractMetricValue(m *dto.Metric) (float64, bool) {
	if m.GetGauge() != nil {
		return m.GetGauge().GetValue(), true
	}
	if m.GetCounter() != nil {
		return m.GetCounter().GetValue(), true
	}
	if m.GetHistogram() != nil {
		return m.GetHistogram().GetSampleSum(), true
	}
	if m.GetSummary() != nil {
		return m.GetSummary().GetSampleSum(), true
	}
	return 0, false
}

// publishMetricCategory publishes a category of metrics
func (mp *MQTTPublisher) publishMetricCategory(category string, metrics map[string]float64, timestamp int64) {
	if len(metrics) == 0 {
		return
	}
	mp.publish(mp.topic("metrics", category), MetricPayload{
		Timestamp: timestamp,
		Session:   mp.session,
		Metrics:   metrics,
	})
}

// publish sends a payload to an MQTT topic and waits for the broker
func (mp *MQTTPublisher) publish(topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal payload for topic %s: %v", topic, err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	if token.Wait() && token.Error() != nil {
		log.Printf("MQTT ERROR: Failed to publish to topic %s: %v", topic, token.Error())
	}
}

// PublishProgress publishes a progress snapshot to {prefix}/{session}/progress.
// It does not block the decode on the broker.
func (mp *MQTTPublisher) PublishProgress(p Progress) {
	if mp == nil || !mp.client.IsConnected() {
		return
	}

	topic := mp.topic("progress")
	data, err := json.Marshal(p)
	if err != nil {
		log.Printf("MQTT ERROR: Failed to marshal progress: %v", err)
		return
	}

	token := mp.client.Publish(topic, mp.config.QoS, mp.config.Retain, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Printf("MQTT ERROR: Failed to publish progress to %s: %v", topic, token.Error())
		}
	}()

	if DebugMode {
		log.Printf("MQTT DEBUG: Published progress for %s (%s)", p.Session, p.State)
	}
}

// Disconnect gracefully disconnects from the MQTT broker
func (mp *MQTTPublisher) Disconnect() {
	if mp.client != nil && mp.client.IsConnected() {
		mp.client.Disconnect(250)
		log.Println("MQTT: Disconnected from broker")
	}
}
