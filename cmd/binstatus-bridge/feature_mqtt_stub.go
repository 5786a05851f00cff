//go:build no_mqtt

package main

import (
	"log/slog"

	"binstatus-bridge/internal/coordinator"
	"binstatus-bridge/internal/expose"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *coordinator.Coordinator, _ *expose.Validator, _ *Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
