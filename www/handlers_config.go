package www

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"
)

const redacted = "********"

func mask(s string) string {
	if s == "" {
		return ""
	}
	return redacted
}

// apiGetConfig shows the running configuration with secrets masked.
func (h *Handlers) apiGetConfig(w http.ResponseWriter, r *http.Request) {
	cfg := h.engine.AppConfig()
	cfg.Lock()
	defer cfg.Unlock()

	m := cfg.Messaging
	h.jsonOK(w, map[string]any{
		"messaging": map[string]any{
			"backend":    m.Backend,
			"station_id": m.StationID,
			"topics":     topics(m.Topics),
			"retry":      m.Retry,
			"redis": map[string]any{
				"address":  m.Redis.Address,
				"password": mask(m.Redis.Password),
				"db":       m.Redis.DB,
				"group":    m.Redis.Group,
				"consumer": m.Redis.Consumer,
			},
			"kafka": m.Kafka,
			"mqtt": map[string]any{
				"broker":    m.MQTT.Broker,
				"port":      m.MQTT.Port,
				"client_id": m.MQTT.ClientID,
				"username":  m.MQTT.Username,
				"password":  mask(m.MQTT.Password),
				"group":     m.MQTT.Group,
			},
			"outbox_drain_interval": m.OutboxDrainInterval.String(),
		},
		"orchestrator": map[string]any{
			"arm_poll_interval":     cfg.Orchestrator.ArmPollInterval.String(),
			"arm_max_poll_interval": cfg.Orchestrator.ArmMaxPollInterval.String(),
			"arm_timeout":           cfg.Orchestrator.ArmTimeout.String(),
			"response_timeout":      cfg.Orchestrator.ResponseTimeout.String(),
			"park_timeout":          cfg.Orchestrator.ParkTimeout.String(),
			"command_retries":       cfg.Orchestrator.CommandRetries,
		},
		"database": map[string]any{"driver": cfg.Database.Driver},
		"log":      cfg.Log,
	})
}

type messagingUpdate struct {
	Backend       *string `json:"backend"`
	KafkaBrokers  *string `json:"kafka_brokers"`
	MQTTBroker    *string `json:"mqtt_broker"`
	MQTTPort      *int    `json:"mqtt_port"`
	MQTTClientID  *string `json:"mqtt_client_id"`
	RedisAddress  *string `json:"redis_address"`
	RedisPassword *string `json:"redis_password"`
	StationID     *string `json:"station_id"`
}

// topics renders TopicsConfig with JSON names. Topic names are fixed at
// startup and cannot be changed through the API.
type topics struct {
	OrderSubmission  string `json:"order_submission"`
	CommandBroadcast string `json:"command_broadcast"`
	ArmMove          string `json:"arm_move"`
	ArmStatus        string `json:"arm_status"`
	CommandResponse  string `json:"command_response"`
	OrderStatus      string `json:"order_status"`
}

// apiSaveMessagingConfig applies messaging changes, saves the config file
// and reconnects the bus. Fields left out keep their current value.
func (h *Handlers) apiSaveMessagingConfig(w http.ResponseWriter, r *http.Request) {
	var req messagingUpdate
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request", http.StatusBadRequest)
		return
	}

	cfg := h.engine.AppConfig()
	cfg.Lock()
	prev := cfg.Messaging
	m := &cfg.Messaging
	if req.Backend != nil {
		m.Backend = *req.Backend
	}
	if req.KafkaBrokers != nil {
		m.Kafka.Brokers = splitTrim(*req.KafkaBrokers, ",")
	}
	if req.MQTTBroker != nil {
		m.MQTT.Broker = *req.MQTTBroker
	}
	if req.MQTTPort != nil {
		m.MQTT.Port = *req.MQTTPort
	}
	if req.MQTTClientID != nil {
		m.MQTT.ClientID = *req.MQTTClientID
	}
	if req.RedisAddress != nil {
		m.Redis.Address = *req.RedisAddress
	}
	if req.RedisPassword != nil {
		m.Redis.Password = *req.RedisPassword
	}
	if req.StationID != nil {
		m.StationID = *req.StationID
	}
	if err := cfg.Validate(); err != nil {
		cfg.Messaging = prev
		cfg.Unlock()
		h.jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	backend := m.Backend
	cfg.Unlock()

	if path := h.engine.ConfigPath(); path != "" {
		if err := cfg.Save(path); err != nil {
			h.logger.Error("config save", zap.Error(err))
			h.jsonError(w, "failed to save: "+err.Error(), http.StatusInternalServerError)
			return
		}
	}

	h.engine.ReconfigureMessaging(r.Context())
	h.logger.Info("messaging config saved", zap.String("backend", backend), zap.String("actor", actor(r)))
	h.jsonOK(w, map[string]any{
		"backend":   backend,
		"connected": h.engine.MsgClient().IsConnected(),
	})
}
